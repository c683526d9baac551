// Package deadlock runs periodic deadlock detection over the shared lock
// table. Each scan takes a snapshot, removes malformed records, builds the
// wait-for graph, finds its cycles and rolls back one victim per cycle.
package deadlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/victim"
	"github.com/sushant-115/gojolock/core/waitgraph"
	internaltelemetry "github.com/sushant-115/gojolock/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultRollbackTimeout = 30 * time.Second
)

var (
	// ErrRollbackFailed wraps errors returned by the Rollbacker.
	ErrRollbackFailed = errors.New("deadlock: rollback failed")
	// ErrScanInProgress is returned by ScanOnce while another scan runs.
	ErrScanInProgress = errors.New("deadlock: scan already in progress")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("deadlock: coordinator already started")
)

// State is the coarse phase of the coordinator.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateResolving:
		return "resolving"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// Selector picks the victim of each cycle; FirstInCycle by default.
	Selector victim.Selector
	// MaxRollbacksPerSecond limits victim rollbacks across scans. Zero
	// disables the limit.
	MaxRollbacksPerSecond float64
	// RollbackBurst is the limiter burst; at least 1.
	RollbackBurst int
	// RollbackTimeout bounds a single Rollback call.
	RollbackTimeout time.Duration
	// ShouldScan, when set, gates periodic scans; a replicated deployment
	// scans only on the raft leader.
	ShouldScan func() bool

	Clock   clock.Clock
	Tracer  trace.Tracer
	Metrics *internaltelemetry.LockMetrics
}

// Report summarises one scan.
type Report struct {
	ScanID    string        `json:"scan_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Locks is the number of records in the snapshot.
	Locks int `json:"locks"`
	// Repaired lists malformed or idle records that were removed.
	Repaired []string `json:"repaired,omitempty"`
	// Cycles found in the wait-for graph, in detection order.
	Cycles [][]string `json:"cycles,omitempty"`
	// Victims that were rolled back.
	Victims []string `json:"victims,omitempty"`
	// FailedRollbacks lists victims whose rollback returned an error.
	FailedRollbacks []string `json:"failed_rollbacks,omitempty"`
	// Deferred counts victims postponed by the rollback rate limit.
	Deferred int `json:"deferred,omitempty"`
	// StaleCycles counts cycles that had dissolved before resolution.
	StaleCycles int `json:"stale_cycles,omitempty"`
}

// Coordinator schedules and runs deadlock scans.
type Coordinator struct {
	store      lockstore.Store
	rollbacker Rollbacker
	events     EventLogger
	logger     *zap.Logger
	cfg        Config
	limiter    *rate.Limiter

	state    atomic.Int32
	scanning atomic.Bool

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	scans   sync.WaitGroup
}

// NewCoordinator creates a stopped coordinator. events may be nil.
func NewCoordinator(store lockstore.Store, rollbacker Rollbacker, events EventLogger, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = EventLoggerFunc(func(context.Context, Event) error { return nil })
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Selector == nil {
		cfg.Selector = victim.FirstInCycle{}
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	if cfg.RollbackBurst < 1 {
		cfg.RollbackBurst = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = internaltelemetry.NewLockMetrics(noop.NewMeterProvider().Meter(""))
	}
	limit := rate.Inf
	if cfg.MaxRollbacksPerSecond > 0 {
		limit = rate.Limit(cfg.MaxRollbacksPerSecond)
	}
	return &Coordinator{
		store:      store,
		rollbacker: rollbacker,
		events:     events,
		logger:     logger,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, cfg.RollbackBurst),
	}
}

// State returns the current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Start begins periodic scanning. The ticker is armed before Start returns.
// Scanning stops when ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	ticker := c.cfg.Clock.Ticker(c.cfg.Interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
	c.logger.Info("Deadlock coordinator started", zap.Duration("interval", c.cfg.Interval))
	return nil
}

// Stop halts the scheduler and waits for a running scan to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.scans.Wait()
	c.logger.Info("Deadlock coordinator stopped")
}

func (c *Coordinator) tick(ctx context.Context) {
	if c.cfg.ShouldScan != nil && !c.cfg.ShouldScan() {
		c.logger.Debug("Skipping deadlock scan on this node")
		return
	}
	if !c.scanning.CompareAndSwap(false, true) {
		c.cfg.Metrics.SkippedTicksCounter.Add(ctx, 1)
		c.logger.Debug("Previous deadlock scan still running, skipping tick")
		return
	}
	c.scans.Add(1)
	go func() {
		defer c.scans.Done()
		defer c.scanning.Store(false)
		if _, err := c.scan(ctx); err != nil {
			c.logger.Warn("Deadlock scan failed", zap.Error(err))
		}
	}()
}

// ScanOnce runs one scan synchronously. It fails with ErrScanInProgress if a
// scan is already running.
func (c *Coordinator) ScanOnce(ctx context.Context) (Report, error) {
	if !c.scanning.CompareAndSwap(false, true) {
		return Report{}, ErrScanInProgress
	}
	defer c.scanning.Store(false)
	return c.scan(ctx)
}

func (c *Coordinator) scan(ctx context.Context) (report Report, err error) {
	report = Report{ScanID: uuid.NewString(), StartedAt: c.cfg.Clock.Now()}
	logger := c.logger.With(zap.String("scan_id", report.ScanID))

	ctx, span := c.cfg.Tracer.Start(ctx, "deadlock.Scan", trace.WithAttributes(attribute.String("scan.id", report.ScanID)))
	c.state.Store(int32(StateScanning))
	defer func() {
		c.state.Store(int32(StateIdle))
		report.Duration = c.cfg.Clock.Since(report.StartedAt)
		c.cfg.Metrics.ScansCounter.Add(ctx, 1)
		c.cfg.Metrics.ScanDuration.Record(ctx, float64(report.Duration.Microseconds())/1000)
		span.SetAttributes(
			attribute.Int("scan.cycles", len(report.Cycles)),
			attribute.Int("scan.victims", len(report.Victims)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	locks, err := c.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("snapshot lock table: %w", err)
	}
	report.Locks = len(locks)

	healthy := make([]*lockstore.ResourceLock, 0, len(locks))
	for _, l := range locks {
		if verr := l.Validate(); verr != nil || l.Idle() {
			c.repair(ctx, logger, &report, l, verr)
			continue
		}
		healthy = append(healthy, l)
	}

	g := waitgraph.Build(healthy)
	cycles := g.FindCycles()
	report.Cycles = cycles
	if len(cycles) == 0 {
		logger.Debug("Deadlock scan found no cycles", zap.Int("locks", report.Locks), zap.Int("edges", g.EdgeCount()))
		return report, nil
	}

	c.state.Store(int32(StateResolving))
	logger.Warn("Deadlocks detected", zap.Int("cycles", len(cycles)))
	c.cfg.Metrics.DeadlocksCounter.Add(ctx, int64(len(cycles)))

	rolledBack := make(map[string]bool)
	for _, cycle := range cycles {
		c.resolve(ctx, logger, &report, g, healthy, cycle, rolledBack)
	}
	return report, nil
}

// repair removes a malformed or idle record unless a concurrent writer has
// already made it healthy again.
func (c *Coordinator) repair(ctx context.Context, logger *zap.Logger, report *Report, l *lockstore.ResourceLock, verr error) {
	err := c.store.Update(ctx, l.ResourceID, func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		if cur.Validate() == nil && !cur.Idle() {
			return nil, lockstore.ErrNoop
		}
		return nil, nil
	})
	if err != nil {
		logger.Warn("Failed to remove malformed lock record", zap.String("resource_id", l.ResourceID), zap.Error(err))
		return
	}
	report.Repaired = append(report.Repaired, l.ResourceID)
	if verr == nil {
		logger.Debug("Removed idle lock record", zap.String("resource_id", l.ResourceID))
		return
	}
	c.cfg.Metrics.InvalidRecordCounter.Add(ctx, 1)
	logger.Warn("Removed malformed lock record", zap.String("resource_id", l.ResourceID), zap.Error(verr))
	c.emit(ctx, logger, Event{
		Kind:       EventInvalidState,
		ScanID:     report.ScanID,
		ResourceID: l.ResourceID,
		Error:      verr.Error(),
	})
}

func (c *Coordinator) resolve(ctx context.Context, logger *zap.Logger, report *Report, g *waitgraph.Graph, locks []*lockstore.ResourceLock, cycle []string, rolledBack map[string]bool) {
	c.emit(ctx, logger, Event{Kind: EventDeadlockDetected, ScanID: report.ScanID, Cycle: cycle})

	live, err := c.stillDeadlocked(ctx, g, cycle, rolledBack)
	if err != nil {
		logger.Warn("Failed to re-validate deadlock cycle", zap.Strings("cycle", cycle), zap.Error(err))
		return
	}
	if !live {
		report.StaleCycles++
		c.cfg.Metrics.StaleCyclesCounter.Add(ctx, 1)
		logger.Info("Deadlock cycle dissolved before resolution", zap.Strings("cycle", cycle))
		c.emit(ctx, logger, Event{Kind: EventStaleCycle, ScanID: report.ScanID, Cycle: cycle})
		return
	}

	txn := c.cfg.Selector.Select(cycle, locks)
	if !c.limiter.Allow() {
		report.Deferred++
		logger.Warn("Rollback rate limit reached, deferring victim", zap.String("victim", txn), zap.Strings("cycle", cycle))
		c.emit(ctx, logger, Event{Kind: EventRollbackDeferred, ScanID: report.ScanID, Cycle: cycle, Victim: txn})
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RollbackTimeout)
	err = c.rollbacker.Rollback(rctx, txn)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrRollbackFailed, txn, err)
		report.FailedRollbacks = append(report.FailedRollbacks, txn)
		c.cfg.Metrics.RollbackFailures.Add(ctx, 1)
		logger.Error("Failed to roll back deadlock victim", zap.String("victim", txn), zap.Strings("cycle", cycle), zap.Error(err))
		c.emit(ctx, logger, Event{Kind: EventRollbackFailed, ScanID: report.ScanID, Cycle: cycle, Victim: txn, Error: err.Error()})
		return
	}
	rolledBack[txn] = true
	report.Victims = append(report.Victims, txn)
	c.cfg.Metrics.VictimsCounter.Add(ctx, 1)
	logger.Info("Rolled back deadlock victim", zap.String("victim", txn), zap.Strings("cycle", cycle))
	c.emit(ctx, logger, Event{Kind: EventVictimRolledBack, ScanID: report.ScanID, Cycle: cycle, Victim: txn})
}

// stillDeadlocked re-reads every resource behind the cycle's edges and
// reports whether each edge still holds: some resource is still held by the
// edge's target while the source waits on it.
func (c *Coordinator) stillDeadlocked(ctx context.Context, g *waitgraph.Graph, cycle []string, rolledBack map[string]bool) (bool, error) {
	for _, txn := range cycle {
		if rolledBack[txn] {
			return false, nil
		}
	}
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		held := false
		for _, res := range g.Resources(from, to) {
			l, err := c.store.Get(ctx, res)
			if errors.Is(err, lockstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return false, err
			}
			if l.Holder == to && l.IsWaiting(from) {
				held = true
				break
			}
		}
		if !held {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) emit(ctx context.Context, logger *zap.Logger, ev Event) {
	ev.Timestamp = c.cfg.Clock.Now()
	if err := c.events.Log(ctx, ev); err != nil {
		logger.Warn("Failed to log resolution event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
