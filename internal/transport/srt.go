// Package transport resolves ingress/egress URLs into concrete I/O streams:
// SRT connections via github.com/datarhei/gosrt, or plain files for local
// testing and file-based outputs.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/datarhei/gosrt"
)

// SRTConfig carries the subset of srt.Config the pipeline cares about,
// parsed out of a "srt://host:port?streamid=...&passphrase=...&latency=..."
// URL.
type SRTConfig struct {
	Host       string
	Port       int
	StreamID   string
	Passphrase string
	Latency    time.Duration
}

// ParseSRTURL parses a srt:// URL into an SRTConfig.
func ParseSRTURL(raw string) (SRTConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return SRTConfig{}, fmt.Errorf("transport: parse srt url: %w", err)
	}
	if u.Scheme != "srt" {
		return SRTConfig{}, fmt.Errorf("transport: not an srt:// url: %q", raw)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return SRTConfig{}, fmt.Errorf("transport: srt url missing numeric port: %w", err)
	}
	cfg := SRTConfig{Host: u.Hostname(), Port: port}
	q := u.Query()
	cfg.StreamID = q.Get("streamid")
	cfg.Passphrase = q.Get("passphrase")
	if l := q.Get("latency"); l != "" {
		if ms, err := strconv.Atoi(l); err == nil {
			cfg.Latency = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg, nil
}

func (c SRTConfig) toLibConfig() srt.Config {
	cfg := srt.DefaultConfig()
	cfg.StreamId = c.StreamID
	cfg.Passphrase = c.Passphrase
	if c.Latency > 0 {
		cfg.Latency = c.Latency
	}
	return cfg
}

// DialIngress connects as an SRT caller to pull a live source, for use by
// the Ingress stage's main/backup inputs.
func DialIngress(ctx context.Context, raw string) (io.ReadCloser, error) {
	cfg, err := ParseSRTURL(raw)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := srt.Dial("srt", addr, cfg.toLibConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: srt dial %s: %w", addr, err)
	}
	return conn, nil
}

// EgressListener is an SRT listener for a rendition output, accepting a
// single downstream subscriber connection at a time. Call Accept to block
// until a receiver connects.
type EgressListener struct {
	ln srt.Listener
}

// ListenEgress binds an SRT listener for Egress to push a rendition to.
func ListenEgress(raw string) (*EgressListener, error) {
	cfg, err := ParseSRTURL(raw)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := srt.Listen("srt", addr, cfg.toLibConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: srt listen %s: %w", addr, err)
	}
	return &EgressListener{ln: ln}, nil
}

// Accept blocks until a downstream subscriber connects, applying the
// listener's accept callback once gosrt reports a pending connection.
func (l *EgressListener) Accept() (io.WriteCloser, error) {
	conn, _, err := l.ln.Accept(func(req srt.ConnRequest) srt.ConnType {
		return srt.SUBSCRIBE
	})
	if err != nil {
		return nil, fmt.Errorf("transport: srt accept: %w", err)
	}
	wc, ok := conn.(io.WriteCloser)
	if !ok {
		return nil, fmt.Errorf("transport: accepted srt connection is not writable")
	}
	return wc, nil
}

// Close stops accepting new subscribers.
func (l *EgressListener) Close() error {
	return l.ln.Close()
}

// OpenFile resolves a plain "file:///path" or bare filesystem path output
// or input URL into a handle, for local testing and file-based renditions.
func OpenFile(raw string, write bool) (*os.File, error) {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	if write {
		return os.Create(path)
	}
	return os.Open(path)
}
