package eventlog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go/http3"
	"github.com/sushant-115/gojolock/core/deadlock"
	"go.uber.org/zap"
)

// CollectorConfig controls the HTTP/3 listener of a Collector.
type CollectorConfig struct {
	Addr          string      `yaml:"addr"`     // e.g. ":8444"
	URLPath       string      `yaml:"url_path"` // e.g. "/events"
	MaxEventBytes int         `yaml:"max_event_bytes"`
	MaxBodyBytes  int64       `yaml:"max_body_bytes"` // decompressed
	TLS           *tls.Config `yaml:"-"`              // required for HTTP/3
}

// Collector receives batches from Shippers and hands each event to a sink.
// It is an http.Handler and can also serve itself over HTTP/3.
type Collector struct {
	cfg    CollectorConfig
	sink   deadlock.EventLogger
	logger *zap.Logger
	dec    *zstd.Decoder

	mu      sync.Mutex
	server  *http3.Server
	ln      net.PacketConn
	wg      sync.WaitGroup
	started atomic.Bool

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewCollector builds a collector that forwards to sink.
func NewCollector(cfg CollectorConfig, sink deadlock.EventLogger, logger *zap.Logger) (*Collector, error) {
	if sink == nil {
		return nil, errors.New("eventlog: collector needs a sink")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = DefaultURLPath
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = 1 << 20 // 1 MiB
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(cfg.MaxBodyBytes)))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Collector{cfg: cfg, sink: sink, logger: logger.Named("event_collector"), dec: dec}, nil
}

// Accepted reports how many events reached the sink.
func (c *Collector) Accepted() int64 { return c.accepted.Load() }

// Rejected reports malformed bodies and undecodable events.
func (c *Collector) Rejected() int64 { return c.rejected.Load() }

// Start begins listening on UDP and serving HTTP/3.
func (c *Collector) Start() error {
	if c.cfg.TLS == nil {
		return errors.New("eventlog: CollectorConfig.TLS is required for HTTP/3")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("eventlog: collector already started")
	}
	conn, err := net.ListenPacket("udp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", c.cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(c.cfg.URLPath, c)
	srv := &http3.Server{TLSConfig: c.cfg.TLS, Handler: mux}

	c.mu.Lock()
	c.ln, c.server = conn, srv
	c.mu.Unlock()

	c.logger.Info("Event collector listening (HTTP/3)", zap.String("addr", conn.LocalAddr().String()), zap.String("path", c.cfg.URLPath))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("Event collector serve error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound UDP address once started.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.LocalAddr().String()
}

// Close stops the listener and waits for the serve loop to exit.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	srv, ln := c.server, c.ln
	c.server = nil
	c.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		c.logger.Warn("Event collector close timed out", zap.Error(ctx.Err()))
	case <-done:
	}
	c.dec.Close()
	return nil
}

// ServeHTTP processes a body of length-prefixed JSON events, optionally
// zstd-compressed.
func (c *Collector) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if req.Header.Get("Content-Encoding") == "zstd" {
		raw, err = c.dec.DecodeAll(raw, nil)
		if err != nil {
			c.rejected.Add(1)
			http.Error(w, "bad zstd body", http.StatusBadRequest)
			return
		}
	}
	if int64(len(raw)) > c.cfg.MaxBodyBytes {
		c.rejected.Add(1)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	ctx := req.Context()
	r := bytes.NewReader(raw)
	n := 0
	for {
		frame, err := readFrame(r, c.cfg.MaxEventBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrFrameTooLarge) {
			c.rejected.Add(1)
			http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			c.rejected.Add(1)
			http.Error(w, "bad stream", http.StatusBadRequest)
			return
		}
		if len(frame) == 0 {
			continue
		}
		var ev deadlock.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.rejected.Add(1)
			c.logger.Debug("Skipping undecodable event", zap.Error(err))
			continue
		}
		if err := c.sink.Log(ctx, ev); err != nil {
			c.logger.Warn("Event sink failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
			continue
		}
		c.accepted.Add(1)
		n++
	}
	c.logger.Debug("Event batch received", zap.String("remote", req.RemoteAddr), zap.Int("events", n))
	w.WriteHeader(http.StatusNoContent)
}
