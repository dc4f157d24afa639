package conf

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a logger writing to output at the given level. A
// console logger is used unless json is set.
func NewLogger(json bool, level zapcore.Level, output zapcore.WriteSyncer) *zap.Logger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var core zapcore.Core

	if json {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(econf), output, level)
	} else {
		econf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		econf.EncodeTime = shortTimeEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(econf), output, level)
	}
	return zap.New(core)
}

// Logger returns the logger set up by log_level and log_format
func (c *Config) Logger(output zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewLogger(c.LogFormat == "json", lvl, output), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(s)
}

// shortTimeEncoder encodes time as HH:MM:SS for the console
func shortTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05"))
}
