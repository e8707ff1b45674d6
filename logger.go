package main

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	zapLogger  *zap.Logger
)

// getLogger returns the process logger, info to stdout and warnings to stderr.
func getLogger(debug bool) *zap.Logger {
	loggerOnce.Do(func() {
		zapLogger = newLogger(debug)
	})
	return zapLogger
}

func newLogger(debug bool) *zap.Logger {
	// info, and debug when asked
	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		return level == zapcore.InfoLevel
	})

	// warn, error and fatal
	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), lowLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), highLevel),
	)
	return zap.New(core)
}
