// Package metrics publishes pipeline queue and quality-adjunct counters on
// a loopback Prometheus scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvpipe/tvpipe/internal/queue"
)

// QueueSnapshotter is implemented by queue.BoundedQueue[T] for any T.
type QueueSnapshotter interface {
	Snapshot() (pushed, popped, dropped, popFail, depth int64)
}

// Registry collects and periodically refreshes gauges/counters for the
// pipeline's bounded queues and quality scores, and serves them on an
// HTTP endpoint for Prometheus to scrape.
type Registry struct {
	reg    *prometheus.Registry
	queues map[string]QueueSnapshotter

	pushed  *prometheus.GaugeVec
	popped  *prometheus.GaugeVec
	dropped *prometheus.GaugeVec
	popFail *prometheus.GaugeVec
	depth   *prometheus.GaugeVec

	qualityScore *prometheus.GaugeVec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg:    reg,
		queues: make(map[string]QueueSnapshotter),
		pushed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "queue", Name: "pushed_total", Help: "Items pushed onto a pipeline queue.",
		}, []string{"queue"}),
		popped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "queue", Name: "popped_total", Help: "Items popped from a pipeline queue.",
		}, []string{"queue"}),
		dropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "queue", Name: "dropped_total", Help: "Items dropped by the pre-consumption guard.",
		}, []string{"queue"}),
		popFail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "queue", Name: "pop_fail_total", Help: "Pop calls that returned no item because the queue stopped.",
		}, []string{"queue"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "queue", Name: "depth", Help: "Current number of items queued.",
		}, []string{"queue"}),
		qualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tvpipe", Subsystem: "quality", Name: "score", Help: "Most recent windowed quality score per rendition.",
		}, []string{"rendition"}),
	}
	reg.MustRegister(r.pushed, r.popped, r.dropped, r.popFail, r.depth, r.qualityScore)
	return r
}

// RegisterQueue attaches a named queue whose counters will be refreshed
// every publish tick.
func (r *Registry) RegisterQueue(name string, q QueueSnapshotter) {
	r.queues[name] = q
}

// ReportQuality records a rendition's latest windowed quality score.
func (r *Registry) ReportQuality(rendition string, score float64) {
	r.qualityScore.WithLabelValues(rendition).Set(score)
}

// Run refreshes queue counters every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *Registry) refresh() {
	for name, q := range r.queues {
		pushed, popped, dropped, popFail, depth := q.Snapshot()
		r.pushed.WithLabelValues(name).Set(float64(pushed))
		r.popped.WithLabelValues(name).Set(float64(popped))
		r.dropped.WithLabelValues(name).Set(float64(dropped))
		r.popFail.WithLabelValues(name).Set(float64(popFail))
		r.depth.WithLabelValues(name).Set(float64(depth))
	}
}

// Serve starts an HTTP server exposing /metrics on addr. It returns once
// the server shuts down (via ctx cancellation) or fails to start.
func (r *Registry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

var _ QueueSnapshotter = (*queue.BoundedQueue[int])(nil)
