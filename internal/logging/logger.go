// Package logging provides the structured logger shared across the
// messaging server. The interface shape follows the teacher's
// device.Logger (Debugf/Infof/Errorf); the implementation is backed by
// zap instead of the stdlib log package.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the logging surface every package in this module depends
// on. Components take a Logger at construction time rather than
// reaching for a global, so tests can inject a no-op or observed one.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Debugf(format string, args ...interface{})
	Info(msg string, fields ...zap.Field)
	Infof(format string, args ...interface{})
	Error(msg string, fields ...zap.Field)
	Errorf(format string, args ...interface{})
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
	l *zap.Logger
}

// New builds a production zap logger at the given level ("debug",
// "info", "error"). An empty level defaults to "info".
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		var lvl zap.AtomicLevel
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar(), l: l}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	l := zap.NewNop()
	return &zapLogger{s: l.Sugar(), l: l}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Debugf(format string, args ...interface{}) { z.s.Debugf(format, args...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)   { z.l.Info(msg, fields...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field)  { z.l.Error(msg, fields...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{s: z.l.With(fields...).Sugar(), l: z.l.With(fields...)}
}
