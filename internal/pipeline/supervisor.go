// Package pipeline wires the five pipeline stages (ingress, decode,
// transform, encode, egress) together from a loaded configuration and
// drives their lifecycle: init, spawn, join, and reverse-dependency-order
// teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tvpipe/tvpipe/internal/codec"
	"github.com/tvpipe/tvpipe/internal/codec/avio"
	"github.com/tvpipe/tvpipe/internal/config"
	"github.com/tvpipe/tvpipe/internal/device"
	"github.com/tvpipe/tvpipe/internal/ffmpeg"
	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/metrics"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/decode"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/egress"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/encode"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/ingress"
	"github.com/tvpipe/tvpipe/internal/pipeline/stages/transform"
	"github.com/tvpipe/tvpipe/internal/quality"
	"github.com/tvpipe/tvpipe/internal/queue"
	"github.com/tvpipe/tvpipe/internal/transform/segmentation"
)

// metricsPublishInterval is how often queue counters are refreshed on the
// Prometheus endpoint.
const metricsPublishInterval = 2 * time.Second

// Status is what Supervisor.Run returns, distinguishing a clean drain from
// the different failure modes the entrypoint maps to exit codes.
type Status int

const (
	StatusOK Status = iota
	StatusInitError
	StatusRuntimeError
	StatusCancelled
)

// Supervisor owns every stage, queue, and shared resource for one running
// pipeline instance.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	// runID tags every log line this instance emits so concurrent runs
	// (or a crash-restart) can be told apart in aggregated log output.
	runID string

	hw       *device.Context
	registry *metrics.Registry

	ingressOut   *queue.BoundedQueue[*media.CompressedPacket]
	decodeOut    *queue.BoundedQueue[*media.RawPicture]
	transformOut *queue.BoundedQueue[*media.RawPicture]

	ingressStage   *ingress.Stage
	decodeStage    *decode.Stage
	transformStage *transform.Stage
	encodeStage    *encode.Stage
	egressStages   []*egress.Stage

	renditionOut map[string]*queue.BoundedQueue[*media.CompressedPacket]
	qualityAdj   map[string]*quality.Adjunct

	encoders []*avio.Encoder
	decoder  *avio.Decoder
	probe    *avio.Demuxer

	// compositeIngress/compositeDecode/compositeDecoders/compositeProbes
	// are the extra demux+decode chains opened for transform.VariantComposite
	// thumbnail inputs 1-3; nil/empty unless transform.variant is composite
	// and transform.composite_inputs names additional sources.
	compositeIngress  []*ingress.Stage
	compositeDecode   []*decode.Stage
	compositeDecoders []*avio.Decoder
	compositeProbes   []*avio.Demuxer

	closeOnce sync.Once
}

// New builds a Supervisor from cfg but does not start anything yet.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.New().String()
	return &Supervisor{cfg: cfg, logger: logger.With(slog.String("run_id", runID)), runID: runID}
}

// Init opens shared resources (hardware device, probe demuxer/decoder,
// encoders) that every stage depends on, in dependency order: hardware
// device first, then the probe that tells the decoder its codec
// parameters, then one encoder per rendition. If any step fails, every
// resource already opened is released before Init returns, so a failed
// configuration or initialization never leaks a device context, demuxer,
// or decoder.
func (s *Supervisor) Init() (err error) {
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	detector := ffmpeg.NewHWAccelDetector("ffmpeg")
	accel := device.DetectPriority(detector, s.cfg.HardwareAccel.Priority, s.logger)
	hw, _ := device.OpenWithFallback(accel, s.logger)
	s.hw = hw

	probe, perr := avio.OpenDemuxer(s.cfg.Ingress.MainInput, avio.DemuxerOptions{IOTimeout: s.cfg.Ingress.IOTimeout})
	if perr != nil {
		err = fmt.Errorf("pipeline init: probing main input: %w", perr)
		return err
	}
	s.probe = probe

	videoIx := probe.VideoStreamIndex()
	if videoIx < 0 {
		err = errors.New("pipeline init: main input has no video stream")
		return err
	}
	par := probe.CodecParameters(videoIx)
	streamTB := probe.StreamTimeBase(videoIx)

	dec, derr := avio.OpenDecoder(par, streamTB, videoIx, s.hw)
	if derr != nil {
		err = fmt.Errorf("pipeline init: opening decoder: %w", derr)
		return err
	}
	s.decoder = dec

	s.registry = metrics.NewRegistry()
	s.renditionOut = make(map[string]*queue.BoundedQueue[*media.CompressedPacket])
	s.qualityAdj = make(map[string]*quality.Adjunct)

	// Edges (ingress output, post-encode output) are unbounded so a slow
	// downstream stage never deadlocks an upstream one; the pre-consumption
	// guard still caps runaway growth before the first Pop. The interior
	// queues between Decode/Transform/Encode stay bounded at the configured
	// capacity to provide real backpressure.
	capacity := s.cfg.Queue.Capacity
	s.ingressOut = queue.New[*media.CompressedPacket](0, capacity)
	s.decodeOut = queue.New[*media.RawPicture](capacity, capacity/2)
	s.transformOut = queue.New[*media.RawPicture](capacity, capacity/2)
	s.registry.RegisterQueue("ingress_out", s.ingressOut)
	s.registry.RegisterQueue("decode_out", s.decodeOut)
	s.registry.RegisterQueue("transform_out", s.transformOut)

	s.ingressStage = ingress.New(ingress.Config{
		MainURL:                 s.cfg.Ingress.MainInput,
		BackupURL:               s.cfg.Ingress.BackupInput,
		IOTimeout:               s.cfg.Ingress.IOTimeout,
		CircuitFailureThreshold: s.cfg.Ingress.CircuitFailureThreshold,
		CircuitTimeout:          s.cfg.Ingress.CircuitTimeout,
		BothDeadGrace:           s.cfg.Ingress.BothDeadGrace,
	}, s.ingressOut, s.logger)

	s.decodeStage = decode.New(decode.Config{
		VideoStreamIndex: videoIx,
		Hardware:         s.hw,
	}, s.ingressOut, s.decodeOut, s.logger)
	s.decodeStage.SetDecoder(s.decoder)

	transformCfg, terr := s.buildTransformConfig()
	if terr != nil {
		err = terr
		return err
	}

	transformIn := [4]*queue.BoundedQueue[*media.RawPicture]{s.decodeOut, nil, nil, nil}
	if transformCfg.Variant == transform.VariantComposite {
		extra, cerr := s.buildCompositeInputs(capacity)
		if cerr != nil {
			err = cerr
			return err
		}
		for i, q := range extra {
			transformIn[i+1] = q
		}
	}
	s.transformStage = transform.New(transformCfg, transformIn[:], s.transformOut, s.logger)

	renditions, encoders, berr := s.buildEncoders()
	if berr != nil {
		err = berr
		return err
	}
	s.encoders = encoders
	s.encodeStage = encode.New(s.transformOut, renditions, s.logger)

	for i, r := range renditions {
		s.registry.RegisterQueue("encode_out_"+s.cfg.Encoders[i].Name, r.Out)
	}

	if eerr := s.buildEgressStages(renditions); eerr != nil {
		err = eerr
		return err
	}

	if s.cfg.Quality.Enabled {
		for _, enc := range s.cfg.Encoders {
			s.qualityAdj[enc.Name] = quality.New(quality.Config{
				PassThreshold: s.cfg.Quality.PassThreshold,
				Cadence:       s.cfg.Quality.Cadence,
				Window:        s.cfg.Quality.Window,
			})
		}
		for _, eg := range s.egressStages {
			adj, ok := s.qualityAdj[eg.Rendition()]
			if !ok {
				continue
			}
			rendition := eg.Rendition()
			eg.SetQualityAdjunct(adj, func(avg float64, pass bool) {
				s.registry.ReportQuality(rendition, avg)
				if !pass {
					s.logger.Warn("rendition below quality pass threshold", slog.String("rendition", rendition), slog.Float64("score", avg))
				}
			})
		}
	}

	return nil
}

// buildCompositeInputs opens one probe+decoder pair (and its ingress/decode
// stage pair) per URL in transform.composite_inputs, feeding the
// composite transform's thumbnail slots 1-3. Slot 0 is always
// ingress.main_input's own decode output.
func (s *Supervisor) buildCompositeInputs(capacity int) ([3]*queue.BoundedQueue[*media.RawPicture], error) {
	var out [3]*queue.BoundedQueue[*media.RawPicture]
	urls := s.cfg.Transform.CompositeInputs
	if len(urls) > 3 {
		return out, fmt.Errorf("pipeline init: transform.composite_inputs supports at most 3 extra sources, got %d", len(urls))
	}

	for i, url := range urls {
		probe, err := avio.OpenDemuxer(url, avio.DemuxerOptions{IOTimeout: s.cfg.Ingress.IOTimeout})
		if err != nil {
			return out, fmt.Errorf("pipeline init: probing composite input %d: %w", i, err)
		}
		s.compositeProbes = append(s.compositeProbes, probe)

		videoIx := probe.VideoStreamIndex()
		if videoIx < 0 {
			return out, fmt.Errorf("pipeline init: composite input %d has no video stream", i)
		}
		par := probe.CodecParameters(videoIx)
		streamTB := probe.StreamTimeBase(videoIx)

		dec, err := avio.OpenDecoder(par, streamTB, videoIx, s.hw)
		if err != nil {
			return out, fmt.Errorf("pipeline init: opening composite input %d decoder: %w", i, err)
		}
		s.compositeDecoders = append(s.compositeDecoders, dec)

		pktQueue := queue.New[*media.CompressedPacket](0, capacity)
		picQueue := queue.New[*media.RawPicture](capacity, capacity/2)
		s.registry.RegisterQueue(fmt.Sprintf("composite_ingress_%d_out", i+1), pktQueue)
		s.registry.RegisterQueue(fmt.Sprintf("composite_decode_%d_out", i+1), picQueue)

		ingStage := ingress.New(ingress.Config{
			MainURL:   url,
			IOTimeout: s.cfg.Ingress.IOTimeout,
		}, pktQueue, s.logger)

		decStage := decode.New(decode.Config{
			VideoStreamIndex: videoIx,
			Hardware:         s.hw,
		}, pktQueue, picQueue, s.logger)
		decStage.SetDecoder(dec)

		s.compositeIngress = append(s.compositeIngress, ingStage)
		s.compositeDecode = append(s.compositeDecode, decStage)
		out[i] = picQueue
	}

	return out, nil
}

func (s *Supervisor) buildTransformConfig() (transform.Config, error) {
	switch s.cfg.Transform.Variant {
	case "composite":
		return transform.Config{Variant: transform.VariantComposite, MainIndex: s.cfg.Transform.MainIndex}, nil
	case "segmentation":
		segCfg := segmentation.DefaultConfig()
		segCfg.Threshold = s.cfg.Segmentation.Threshold
		segCfg.Alpha = s.cfg.Segmentation.Alpha
		return transform.Config{Variant: transform.VariantSegmentation, Segmentation: segCfg, Model: nil}, nil
	case "passthrough", "":
		return transform.Config{Variant: transform.VariantNone}, nil
	default:
		return transform.Config{}, fmt.Errorf("pipeline init: unknown transform variant %q", s.cfg.Transform.Variant)
	}
}

func (s *Supervisor) buildEncoders() ([]encode.Rendition, []*avio.Encoder, error) {
	renditions := make([]encode.Rendition, 0, len(s.cfg.Encoders))
	encoders := make([]*avio.Encoder, 0, len(s.cfg.Encoders))

	for i, ec := range s.cfg.Encoders {
		vc, ok := codec.ParseVideo(ec.VideoCodec)
		if !ok {
			return nil, nil, fmt.Errorf("pipeline init: encoders[%d] unknown video codec %q", i, ec.VideoCodec)
		}
		hw := codec.HWAccelNone
		if ec.UseGPU {
			if parsed, ok := codec.ParseHWAccel(ec.HWAccel); ok {
				hw = parsed
			}
		}
		rendition := codec.Rendition{
			Name:        ec.Name,
			Width:       ec.Width,
			Height:      ec.Height,
			FrameRate:   ec.FrameRate,
			VideoCodec:  vc,
			BitrateKbps: ec.BitrateKbps,
			GOPSize:     ec.GOPSize,
			MaxBFrames:  ec.MaxBFrames,
			HWAccel:     hw,
		}

		enc, err := avio.OpenEncoder(avio.EncoderOptions{Rendition: rendition, Hardware: s.hw})
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline init: opening encoder for rendition %q: %w", ec.Name, err)
		}
		encoders = append(encoders, enc)

		out := queue.New[*media.CompressedPacket](0, s.cfg.Queue.Capacity)
		s.renditionOut[ec.Name] = out

		renditions = append(renditions, encode.Rendition{
			Index:     i,
			Encoder:   enc,
			Out:       out,
			Width:     ec.Width,
			Height:    ec.Height,
			FrameRate: ec.FrameRate,
		})
	}

	return renditions, encoders, nil
}

func (s *Supervisor) buildEgressStages(renditions []encode.Rendition) error {
	for _, oc := range s.cfg.Outputs {
		out, ok := s.renditionOut[oc.Rendition]
		if !ok {
			return fmt.Errorf("pipeline init: output rendition %q has no matching encoder", oc.Rendition)
		}
		var vc codec.Video
		for _, ec := range s.cfg.Encoders {
			if ec.Name == oc.Rendition {
				vc, _ = codec.ParseVideo(ec.VideoCodec)
				break
			}
		}
		eg := egress.New(egress.Config{
			Rendition:  oc.Rendition,
			URL:        oc.URL,
			VideoCodec: vc,
		}, out, nil, s.logger)
		s.egressStages = append(s.egressStages, eg)
	}
	return nil
}

// Run spawns every stage and blocks until the pipeline drains cleanly, a
// stage fails, or ctx is cancelled. Stages are started consumer-first
// (Egress, Encode, Transform, Decode, Ingress, then the composite decode
// and ingress chains), so each queue's consumer is running before its
// producer starts pushing.
func (s *Supervisor) Run(ctx context.Context) Status {
	if s.cfg.Metrics.Enabled {
		go func() {
			if err := s.registry.Serve(ctx, s.cfg.Metrics.Address, s.logger); err != nil {
				s.logger.Warn("metrics server stopped", slog.Any("error", err))
			}
		}()
		go s.registry.Run(ctx, metricsPublishInterval)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, eg := range s.egressStages {
		eg := eg
		g.Go(func() error { return eg.Run(gctx) })
	}
	g.Go(func() error { return s.encodeStage.Run(gctx) })
	g.Go(func() error { return s.transformStage.Run(gctx) })
	g.Go(func() error { return s.decodeStage.Run(gctx) })
	g.Go(func() error { return s.ingressStage.Run(gctx) })
	for _, d := range s.compositeDecode {
		d := d
		g.Go(func() error { return d.Run(gctx) })
	}
	for _, ing := range s.compositeIngress {
		ing := ing
		g.Go(func() error { return ing.Run(gctx) })
	}

	err := g.Wait()
	s.Close()

	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		s.logger.Error("pipeline stopped with error", slog.Any("error", err))
		return StatusRuntimeError
	}
}

// Close releases shared resources in reverse-dependency order: encoders
// and the probe/decoder (main and composite) before the hardware device
// they borrowed handles from. Idempotent and safe to call on a Supervisor
// whose Init failed partway through, since every field it touches is only
// ever set after its resource was successfully opened.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		for _, enc := range s.encoders {
			_ = enc.Close()
		}
		if s.decoder != nil {
			_ = s.decoder.Close()
		}
		if s.probe != nil {
			_ = s.probe.Close()
		}
		for _, dec := range s.compositeDecoders {
			_ = dec.Close()
		}
		for _, probe := range s.compositeProbes {
			_ = probe.Close()
		}
		_ = s.hw.Close()
	})
}
