// Package eventlog holds the sinks that record deadlock resolution events:
// structured logs, a SQLite journal, a Redis pub/sub bridge and an HTTP/3
// shipper feeding a remote collector.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojolock/core/deadlock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger writes every event as one structured log line.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger returns a sink logging to logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("events")}
}

func (z *ZapLogger) Log(_ context.Context, ev deadlock.Event) error {
	level := zapcore.InfoLevel
	switch ev.Kind {
	case deadlock.EventRollbackFailed, deadlock.EventInvalidState:
		level = zapcore.WarnLevel
	case deadlock.EventStaleCycle, deadlock.EventRollbackDeferred:
		level = zapcore.DebugLevel
	}
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("scan_id", ev.ScanID),
		zap.Time("event_time", ev.Timestamp),
	}
	if len(ev.Cycle) > 0 {
		fields = append(fields, zap.Strings("cycle", ev.Cycle))
	}
	if ev.Victim != "" {
		fields = append(fields, zap.String("victim", ev.Victim))
	}
	if ev.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", ev.ResourceID))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	if ce := z.logger.Check(level, "Resolution event"); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// Multi forwards each event to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []deadlock.EventLogger

func (m Multi) Log(ctx context.Context, ev deadlock.Event) error {
	var errs []error
	for i, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Log(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
