// Package lockmanager is the public lock API used by agent transactions.
// Every operation is a single atomic read-modify-write of one resource's
// record in the shared lockstore.Store, so concurrent managers in different
// processes can safely share one store.
package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sushant-115/gojolock/core/lockstore"
	internaltelemetry "github.com/sushant-115/gojolock/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrInvalidArgument is returned for empty transaction or resource ids.
var ErrInvalidArgument = errors.New("lockmanager: invalid argument")

// Options carries the optional collaborators of a Manager.
type Options struct {
	Clock   clock.Clock
	Tracer  trace.Tracer
	Metrics *internaltelemetry.LockMetrics
}

// Manager grants exclusive locks on resources to transactions.
type Manager struct {
	store   lockstore.Store
	logger  *zap.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *internaltelemetry.LockMetrics
}

// New creates a Manager over store.
func New(store lockstore.Store, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if opts.Metrics == nil {
		// Instruments from a no-op meter never fail.
		opts.Metrics, _ = internaltelemetry.NewLockMetrics(noop.NewMeterProvider().Meter(""))
	}
	return &Manager{
		store:   store,
		logger:  logger,
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
}

// Store returns the lock table the manager operates on.
func (m *Manager) Store() lockstore.Store {
	return m.store
}

func checkIDs(txnID, resourceID string) error {
	if txnID == "" {
		return fmt.Errorf("%w: empty transaction id", ErrInvalidArgument)
	}
	if resourceID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidArgument)
	}
	return nil
}

func (m *Manager) start(ctx context.Context, op, txnID, resourceID string) (context.Context, trace.Span, time.Time) {
	ctx, span := m.tracer.Start(ctx, "lockmanager."+op, trace.WithAttributes(
		attribute.String("txn.id", txnID),
		attribute.String("resource.id", resourceID),
	))
	return ctx, span, m.clock.Now()
}

func (m *Manager) finish(ctx context.Context, span trace.Span, op string, began time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	m.metrics.OperationLatency.Record(ctx, float64(m.clock.Since(began).Microseconds())/1000,
		metric.WithAttributes(attribute.String("op", op)))
}

// Acquire tries to take the lock on resourceID for txnID. It returns true if
// txnID holds the lock afterwards. Otherwise txnID is appended to the wait
// queue (once) and false is returned; the caller is expected to retry later
// or call CancelWait. Acquiring a lock already held by txnID succeeds without
// changes and is not reference counted.
func (m *Manager) Acquire(ctx context.Context, txnID, resourceID string) (granted bool, err error) {
	if err := checkIDs(txnID, resourceID); err != nil {
		return false, err
	}
	ctx, span, began := m.start(ctx, "Acquire", txnID, resourceID)
	defer func() { m.finish(ctx, span, "Acquire", began, err) }()

	var queued bool
	err = m.store.Update(ctx, resourceID, func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		granted, queued = false, false
		switch {
		case cur == nil || cur.Holder == "":
			granted = true
			return lockstore.NewResourceLock(resourceID, txnID, m.clock.Now()), nil
		case cur.Holder == txnID:
			granted = true
			return nil, lockstore.ErrNoop
		case cur.Enqueue(txnID):
			queued = true
			return cur, nil
		default:
			return nil, lockstore.ErrNoop
		}
	})
	if err != nil {
		m.metrics.AcquireCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		m.logger.Error("Failed to acquire lock", zap.String("txn_id", txnID), zap.String("resource_id", resourceID), zap.Error(err))
		return false, fmt.Errorf("acquire %s for %s: %w", resourceID, txnID, err)
	}

	outcome := "granted"
	if !granted {
		outcome = "queued"
	}
	m.metrics.AcquireCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.Bool("lock.granted", granted))
	if granted {
		m.logger.Debug("Lock granted", zap.String("txn_id", txnID), zap.String("resource_id", resourceID))
	} else if queued {
		m.logger.Debug("Transaction queued for lock", zap.String("txn_id", txnID), zap.String("resource_id", resourceID))
	}
	return granted, nil
}

// Release gives up txnID's lock on resourceID. The first waiter, if any,
// becomes the holder; otherwise the record is removed. Releasing a lock that
// txnID does not hold changes nothing and logs a warning.
func (m *Manager) Release(ctx context.Context, txnID, resourceID string) (err error) {
	if err := checkIDs(txnID, resourceID); err != nil {
		return err
	}
	ctx, span, began := m.start(ctx, "Release", txnID, resourceID)
	defer func() { m.finish(ctx, span, "Release", began, err) }()

	var (
		released bool
		holder   string
		promoted string
	)
	err = m.store.Update(ctx, resourceID, func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		released, holder, promoted = false, "", ""
		if cur == nil || cur.Holder != txnID {
			if cur != nil {
				holder = cur.Holder
			}
			return nil, lockstore.ErrNoop
		}
		released = true
		promoted = cur.PromoteNext(m.clock.Now())
		return cur, nil
	})
	if err != nil {
		m.metrics.ReleaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		m.logger.Error("Failed to release lock", zap.String("txn_id", txnID), zap.String("resource_id", resourceID), zap.Error(err))
		return fmt.Errorf("release %s for %s: %w", resourceID, txnID, err)
	}
	if !released {
		m.metrics.ReleaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "not_holder")))
		m.logger.Warn("Release by a transaction that does not hold the lock",
			zap.String("txn_id", txnID), zap.String("resource_id", resourceID), zap.String("holder", holder))
		return nil
	}
	m.metrics.ReleaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "released")))
	if promoted != "" {
		m.logger.Debug("Lock handed to next waiter",
			zap.String("resource_id", resourceID), zap.String("from", txnID), zap.String("to", promoted))
	} else {
		m.logger.Debug("Lock released", zap.String("txn_id", txnID), zap.String("resource_id", resourceID))
	}
	return nil
}

// CancelWait withdraws txnID from the wait queue of resourceID. It is a no-op
// when txnID is not waiting there.
func (m *Manager) CancelWait(ctx context.Context, txnID, resourceID string) (err error) {
	if err := checkIDs(txnID, resourceID); err != nil {
		return err
	}
	ctx, span, began := m.start(ctx, "CancelWait", txnID, resourceID)
	defer func() { m.finish(ctx, span, "CancelWait", began, err) }()

	var withdrawn bool
	err = m.store.Update(ctx, resourceID, func(cur *lockstore.ResourceLock) (*lockstore.ResourceLock, error) {
		withdrawn = false
		if cur == nil || !cur.Dequeue(txnID) {
			return nil, lockstore.ErrNoop
		}
		withdrawn = true
		return cur, nil
	})
	if err != nil {
		m.logger.Error("Failed to cancel wait", zap.String("txn_id", txnID), zap.String("resource_id", resourceID), zap.Error(err))
		return fmt.Errorf("cancel wait on %s for %s: %w", resourceID, txnID, err)
	}
	if withdrawn {
		m.metrics.CancelWaitCounter.Add(ctx, 1)
		m.logger.Debug("Transaction stopped waiting", zap.String("txn_id", txnID), zap.String("resource_id", resourceID))
	}
	return nil
}

// ReleaseAll releases every lock held by txnID and withdraws it from every
// wait queue. It returns the resources it released. Failures on individual
// resources do not stop the others and are joined into the returned error.
func (m *Manager) ReleaseAll(ctx context.Context, txnID string) ([]string, error) {
	if txnID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrInvalidArgument)
	}
	locks, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("release all for %s: %w", txnID, err)
	}

	var released []string
	var errs []error
	for _, l := range locks {
		switch {
		case l.Holder == txnID:
			if err := m.Release(ctx, txnID, l.ResourceID); err != nil {
				errs = append(errs, err)
				continue
			}
			released = append(released, l.ResourceID)
		case l.IsWaiting(txnID):
			if err := m.CancelWait(ctx, txnID, l.ResourceID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.logger.Info("Released all locks of transaction", zap.String("txn_id", txnID), zap.Strings("resources", released))
	return released, errors.Join(errs...)
}

// Locks returns a snapshot of the lock table.
func (m *Manager) Locks(ctx context.Context) ([]*lockstore.ResourceLock, error) {
	locks, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}

// HeldBy returns the sorted resources currently held by txnID.
func (m *Manager) HeldBy(ctx context.Context, txnID string) ([]string, error) {
	locks, err := m.Locks(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range locks {
		if l.Holder == txnID {
			out = append(out, l.ResourceID)
		}
	}
	sort.Strings(out)
	return out, nil
}
