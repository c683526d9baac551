package eventlog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sushant-115/gojolock/core/deadlock"
	"go.uber.org/zap"
)

const (
	// ContentType marks a body of length-prefixed JSON events.
	ContentType = "application/x-gojolock-events"
	// DefaultURLPath is where the collector accepts batches.
	DefaultURLPath = "/events"
)

var (
	ErrShipperClosed = errors.New("eventlog: shipper closed")
	ErrQueueFull     = errors.New("eventlog: shipper queue full")
)

// ShipperConfig controls Shipper behavior.
type ShipperConfig struct {
	// Remote endpoint.
	Addr    string `yaml:"addr"`     // host:port of the collector
	URLPath string `yaml:"url_path"` // e.g. "/events"

	// Buffering.
	QueueCapacity    int           `yaml:"queue_capacity"`     // capacity of the ingress queue (events)
	MaxBatchMessages int           `yaml:"max_batch_messages"` // max events per batch
	FlushInterval    time.Duration `yaml:"flush_interval"`     // max time to wait before flushing a partial batch

	// Retry policy for each batch.
	MaxRetries        int           `yaml:"max_retries"` // total attempts = 1 + MaxRetries
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffJitterFrac float64       `yaml:"backoff_jitter_frac"` // e.g. 0.2 => ±20% jitter
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	TLS *tls.Config `yaml:"-"`
	// Transport replaces the HTTP/3 round tripper, and Endpoint the derived
	// https URL. Both exist for tests and plain-HTTP collectors.
	Transport http.RoundTripper `yaml:"-"`
	Endpoint  string            `yaml:"-"`
}

func (c *ShipperConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = DefaultURLPath
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Shipper batches events and POSTs them to a Collector, by default over
// HTTP/3. Each batch is a zstd-compressed sequence of length-prefixed JSON
// events. Log never blocks: when the queue is full the event is dropped and
// ErrQueueFull is returned.
type Shipper struct {
	cfg     ShipperConfig
	url     string
	client  *http.Client
	rt      io.Closer
	enc     *zstd.Encoder
	queue   chan []byte
	quit    chan struct{}
	wg      sync.WaitGroup
	randSrc *rand.Rand
	logger  *zap.Logger

	// mu orders enqueues before Close, so the final drain sees every
	// accepted event.
	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewShipper starts the batching loop.
func NewShipper(cfg ShipperConfig, logger *zap.Logger) (*Shipper, error) {
	cfg.setDefaults()
	if cfg.Addr == "" && cfg.Endpoint == "" {
		return nil, errors.New("eventlog: ShipperConfig.Addr is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	s := &Shipper{
		cfg:     cfg,
		url:     cfg.Endpoint,
		enc:     enc,
		queue:   make(chan []byte, cfg.QueueCapacity),
		quit:    make(chan struct{}),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger.Named("event_shipper"),
	}
	if s.url == "" {
		s.url = fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath)
	}
	if cfg.Transport != nil {
		s.client = &http.Client{Transport: cfg.Transport}
	} else {
		rt := &http3.Transport{
			TLSClientConfig: cfg.TLS,
			QUICConfig:      &quic.Config{KeepAlivePeriod: 15 * time.Second},
		}
		s.client = &http.Client{Transport: rt}
		s.rt = rt
	}

	s.wg.Add(1)
	go s.batchingLoop()
	return s, nil
}

func (s *Shipper) Log(_ context.Context, ev deadlock.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrShipperClosed
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Sent reports how many events the collector acknowledged.
func (s *Shipper) Sent() int64 { return s.sent.Load() }

// Dropped reports how many events were lost to a full queue or exhausted retries.
func (s *Shipper) Dropped() int64 { return s.dropped.Load() }

// Close flushes queued events and stops the batching loop.
func (s *Shipper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShipperClosed
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	s.wg.Wait()
	s.enc.Close()
	if s.rt != nil {
		return s.rt.Close()
	}
	return nil
}

func (s *Shipper) batchingLoop() {
	defer s.wg.Done()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		if !s.retrySend(batch.Bytes()) {
			s.dropped.Add(int64(msgs))
			s.logger.Warn("Dropping event batch", zap.Int("events", msgs), zap.Int("bytes", batch.Len()))
		} else {
			s.sent.Add(int64(msgs))
		}
		batch.Reset()
		msgs = 0
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			// drain
			for {
				select {
				case m := <-s.queue:
					frameAppend(&batch, m)
					msgs++
					if msgs >= s.cfg.MaxBatchMessages {
						dispatch()
					}
				default:
					dispatch()
					return
				}
			}

		case m := <-s.queue:
			frameAppend(&batch, m)
			msgs++
			if msgs >= s.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			flushTimer.Reset(s.cfg.FlushInterval)
		}
	}
}

// retrySend posts the payload using exponential backoff. On success, returns true.
func (s *Shipper) retrySend(payload []byte) bool {
	body := s.enc.EncodeAll(payload, nil)
	backoff := s.cfg.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := s.post(body)
		if err == nil {
			return true
		}
		s.logger.Debug("Event batch post failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt >= s.cfg.MaxRetries {
			return false
		}
		if !s.sleepBackoff(backoff) {
			// Closing: one last try without waiting.
			return s.post(body) == nil
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
	}
}

func (s *Shipper) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Content-Encoding", "zstd")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

func (s *Shipper) sleepBackoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac // 1±frac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}
