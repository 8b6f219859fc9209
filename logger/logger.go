// Package logger builds the zap-backed common.Logger handles passed into
// every migration component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	common "github.com/Ants24/data-tunnel-common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	File    string
	Console bool
	// rotation limits for File
	MaxSizeMB  int
	MaxBackups int
}

func NewConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		MaxSizeMB:  100,
		MaxBackups: 5,
	}
}

func encoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return config
}

func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	// WARNING and CRITICAL appear in older config files
	switch strings.ToUpper(level) {
	case "WARNING":
		return zapcore.WarnLevel, nil
	case "CRITICAL":
		return zapcore.FatalLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}

// NewWriter logs to w at level. Used by tests and by tools that capture
// output.
func NewWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// New builds the job logger named jobCode. With neither console nor file
// output configured it falls back to stderr.
func New(jobCode string, config Config) (*common.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	var cores []zapcore.Core
	if config.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(rotator), level))
	}
	if config.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), level))
	}
	z := zap.New(zapcore.NewTee(cores...)).Named(jobCode)
	return &common.Logger{Logger: z}, nil
}
