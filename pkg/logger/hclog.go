package logger

import (
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

var (
	hclogToZap = map[hclog.Level]zapcore.Level{
		hclog.Trace: zapcore.DebugLevel,
		hclog.Debug: zapcore.DebugLevel,
		hclog.Info:  zapcore.InfoLevel,
		hclog.Warn:  zapcore.WarnLevel,
		hclog.Error: zapcore.ErrorLevel,
	}
	zapToHclog = map[zapcore.Level]hclog.Level{
		zapcore.DebugLevel: hclog.Debug,
		zapcore.InfoLevel:  hclog.Info,
		zapcore.WarnLevel:  hclog.Warn,
		zapcore.ErrorLevel: hclog.Error,
	}
)

func zapLevel(l hclog.Level) zapcore.Level {
	if zl, ok := hclogToZap[l]; ok {
		return zl
	}
	return zapcore.InfoLevel
}

// HCLog routes the output of hashicorp libraries (raft, raft-boltdb) into l.
// Messages containing any of the muted substrings are discarded. Sub-loggers
// share one level, so SetLevel on any of them applies to all.
func HCLog(l *zap.Logger, muted ...string) hclog.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l.Core().Enabled(zapcore.DebugLevel) {
		level.SetLevel(zapcore.DebugLevel)
	}
	return &hcLogger{z: l, level: level, muted: muted}
}

var _ hclog.Logger = (*hcLogger)(nil)

type hcLogger struct {
	z       *zap.Logger
	name    string
	implied []interface{}
	level   zap.AtomicLevel
	muted   []string
}

func (h *hcLogger) derive(z *zap.Logger, name string, implied []interface{}) *hcLogger {
	return &hcLogger{z: z, name: name, implied: implied, level: h.level, muted: h.muted}
}

func (h *hcLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	zl := zapLevel(level)
	if !h.level.Enabled(zl) {
		return
	}
	for _, m := range h.muted {
		if strings.Contains(msg, m) {
			return
		}
	}
	if ce := h.z.Check(zl, msg); ce != nil {
		ce.Write(kvFields(args)...)
	}
}

func (h *hcLogger) Trace(msg string, args ...interface{}) { h.Log(hclog.Trace, msg, args...) }
func (h *hcLogger) Debug(msg string, args ...interface{}) { h.Log(hclog.Debug, msg, args...) }
func (h *hcLogger) Info(msg string, args ...interface{})  { h.Log(hclog.Info, msg, args...) }
func (h *hcLogger) Warn(msg string, args ...interface{})  { h.Log(hclog.Warn, msg, args...) }
func (h *hcLogger) Error(msg string, args ...interface{}) { h.Log(hclog.Error, msg, args...) }

func (h *hcLogger) IsTrace() bool { return h.level.Enabled(zapLevel(hclog.Trace)) }
func (h *hcLogger) IsDebug() bool { return h.level.Enabled(zapLevel(hclog.Debug)) }
func (h *hcLogger) IsInfo() bool  { return h.level.Enabled(zapLevel(hclog.Info)) }
func (h *hcLogger) IsWarn() bool  { return h.level.Enabled(zapLevel(hclog.Warn)) }
func (h *hcLogger) IsError() bool { return h.level.Enabled(zapLevel(hclog.Error)) }

func (h *hcLogger) ImpliedArgs() []interface{} { return h.implied }

func (h *hcLogger) With(args ...interface{}) hclog.Logger {
	implied := append(append([]interface{}(nil), h.implied...), args...)
	return h.derive(h.z.With(kvFields(args)...), h.name, implied)
}

func (h *hcLogger) Name() string { return h.name }

func (h *hcLogger) Named(name string) hclog.Logger {
	full := name
	if h.name != "" {
		full = h.name + "." + name
	}
	return h.derive(h.z.Named(name), full, h.implied)
}

// ResetNamed cannot drop the names already on the zap logger; it only resets
// the name reported by Name.
func (h *hcLogger) ResetNamed(name string) hclog.Logger {
	return h.derive(h.z.Named(name), name, h.implied)
}

func (h *hcLogger) SetLevel(level hclog.Level) { h.level.SetLevel(zapLevel(level)) }

func (h *hcLogger) GetLevel() hclog.Level {
	if l, ok := zapToHclog[h.level.Level()]; ok {
		return l
	}
	return hclog.NoLevel
}

func (h *hcLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(h.StandardWriter(opts), "", 0)
}

func (h *hcLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	level := zapcore.InfoLevel
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		level = zapLevel(opts.ForceLevel)
	}
	return &zapio.Writer{Log: h.z, Level: level}
}

// kvFields turns hclog's alternating key/value arguments into zap fields.
// A trailing key without value is reported the way hclog itself does.
func kvFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields = append(fields, zap.Any(hclog.MissingKey, args[i]))
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = hclog.MissingKey
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
