// Package logger builds the zap loggers used by every gojolock binary.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is attached to every entry unless Config.Service is set.
const DefaultService = "gojolock"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service and NodeID are added to every entry.
	Service string `yaml:"service"`
	NodeID  string `yaml:"-"`
}

// Default logs info and above as JSON to stderr.
func Default() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stderr", Service: DefaultService}
}

// Validate rejects unknown levels and formats.
func (c Config) Validate() error {
	if c.Level != "" {
		if _, err := zapcore.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logger: unknown format %q", c.Format)
	}
	return nil
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	return build(config, writeSyncer), nil
}

// NewWithWriter builds a logger writing to w, ignoring OutputFile.
func NewWithWriter(config Config, w io.Writer) (*zap.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return build(config, zapcore.AddSync(w)), nil
}

func build(config Config, ws zapcore.WriteSyncer) *zap.Logger {
	// Defaults to "info".
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		_ = logLevel.UnmarshalText([]byte(config.Level))
	}

	core := zapcore.NewCore(getEncoder(config.Format), ws, logLevel)

	service := config.Service
	if service == "" {
		service = DefaultService
	}
	fields := []zap.Field{zap.String("service", service)}
	if config.NodeID != "" {
		fields = append(fields, zap.String("node_id", config.NodeID))
	}
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		WithOptions(zap.Fields(fields...))
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
