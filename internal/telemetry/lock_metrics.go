package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// LockMetrics holds the instruments of the lock manager and the deadlock
// detector.
type LockMetrics struct {
	AcquireCounter       metric.Int64Counter // attribute "outcome": granted, queued, error
	ReleaseCounter       metric.Int64Counter // attribute "outcome": released, not_holder, error
	CancelWaitCounter    metric.Int64Counter
	OperationLatency     metric.Float64Histogram // attribute "op"
	ScansCounter         metric.Int64Counter
	SkippedTicksCounter  metric.Int64Counter
	ScanDuration         metric.Float64Histogram
	DeadlocksCounter     metric.Int64Counter
	VictimsCounter       metric.Int64Counter
	RollbackFailures     metric.Int64Counter
	StaleCyclesCounter   metric.Int64Counter
	InvalidRecordCounter metric.Int64Counter
}

type int64CounterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewLockMetrics creates and registers the lock and detector instruments.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	m := &LockMetrics{}
	counters := []int64CounterSpec{
		{&m.AcquireCounter, "gojolock.lock.acquire_total", "Acquire calls by outcome."},
		{&m.ReleaseCounter, "gojolock.lock.release_total", "Release calls by outcome."},
		{&m.CancelWaitCounter, "gojolock.lock.cancel_wait_total", "CancelWait calls that withdrew a waiter."},
		{&m.ScansCounter, "gojolock.deadlock.scans_total", "Deadlock detection passes run."},
		{&m.SkippedTicksCounter, "gojolock.deadlock.skipped_ticks_total", "Ticks skipped because a scan was still running."},
		{&m.DeadlocksCounter, "gojolock.deadlock.cycles_total", "Wait-for cycles found."},
		{&m.VictimsCounter, "gojolock.deadlock.victims_total", "Transactions rolled back to break a deadlock."},
		{&m.RollbackFailures, "gojolock.deadlock.rollback_failures_total", "Victim rollbacks that failed."},
		{&m.StaleCyclesCounter, "gojolock.deadlock.stale_cycles_total", "Cycles that dissolved before resolution."},
		{&m.InvalidRecordCounter, "gojolock.deadlock.invalid_records_total", "Malformed lock records removed."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.OperationLatency, err = meter.Float64Histogram(
		"gojolock.lock.operation.duration",
		metric.WithDescription("Latency of lock manager operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.ScanDuration, err = meter.Float64Histogram(
		"gojolock.deadlock.scan.duration",
		metric.WithDescription("Duration of a deadlock detection pass."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
