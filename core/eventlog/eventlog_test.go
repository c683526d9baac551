package eventlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/core/deadlock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder is an in-memory sink.
type recorder struct {
	mu     sync.Mutex
	events []deadlock.Event
}

func (r *recorder) Log(_ context.Context, ev deadlock.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []deadlock.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadlock.Event(nil), r.events...)
}

func sampleEvents() []deadlock.Event {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []deadlock.Event{
		{Kind: deadlock.EventDeadlockDetected, ScanID: "scan-1", Cycle: []string{"T1", "T2"}, Timestamp: ts},
		{Kind: deadlock.EventVictimRolledBack, ScanID: "scan-1", Cycle: []string{"T1", "T2"}, Victim: "T1", Timestamp: ts.Add(time.Millisecond)},
		{Kind: deadlock.EventInvalidState, ScanID: "scan-2", ResourceID: "R9", Error: "lock record has waiters but no holder", Timestamp: ts.Add(time.Second)},
	}
}

func TestZapLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapLogger(zap.New(core))
	for _, ev := range sampleEvents() {
		require.NoError(t, sink.Log(context.Background(), ev))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "deadlock_detected", entries[0].ContextMap()["kind"])
	assert.Equal(t, "T1", entries[1].ContextMap()["victim"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "R9", entries[2].ContextMap()["resource_id"])
}

func TestMulti_IsolatesFailures(t *testing.T) {
	boom := errors.New("disk full")
	a, b := &recorder{}, &recorder{}
	m := Multi{a, deadlock.EventLoggerFunc(func(context.Context, deadlock.Event) error { return boom }), nil, b}

	err := m.Log(context.Background(), sampleEvents()[0])
	require.ErrorIs(t, err, boom)
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)

	require.NoError(t, Multi{a}.Log(context.Background(), sampleEvents()[1]))
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	frameAppend(&buf, []byte("alpha"))
	frameAppend(&buf, nil)
	frameAppend(&buf, []byte("omega"))

	r := bytes.NewReader(buf.Bytes())
	f, err := readFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(f))
	f, err = readFrame(r, 0)
	require.NoError(t, err)
	assert.Empty(t, f)
	f, err = readFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "omega", string(f))
	_, err = readFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)

	// Truncated payload.
	_, err = readFrame(bytes.NewReader(buf.Bytes()[:6]), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Header announcing more than the limit.
	_, err = readFrame(bytes.NewReader(buf.Bytes()), 3)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
