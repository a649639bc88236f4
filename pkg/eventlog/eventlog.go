// Package eventlog implements the "event push channel" design note from
// spec.md §9: an injected sink for structured anomaly events, decoupled
// from the regular zap service logs so that operators (or tests) can
// route it elsewhere.
package eventlog

import "go.uber.org/zap"

// Sink receives structured operational events. Implementations may route
// to logs, a message bus, or nowhere at all.
type Sink interface {
	Info(tag, description string, fields ...zap.Field)
	Warn(tag, description string, fields ...zap.Field)
	Error(tag, description string, fields ...zap.Field)
}

// ZapSink routes events to a zap.Logger, tagging every entry with its
// event tag so operators can filter on it.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink returns a Sink backed by log.
func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

// Info logs an informational event.
func (s *ZapSink) Info(tag, description string, fields ...zap.Field) {
	s.log.Info(description, append([]zap.Field{zap.String("event", tag)}, fields...)...)
}

// Warn logs a warning event.
func (s *ZapSink) Warn(tag, description string, fields ...zap.Field) {
	s.log.Warn(description, append([]zap.Field{zap.String("event", tag)}, fields...)...)
}

// Error logs an error event.
func (s *ZapSink) Error(tag, description string, fields ...zap.Field) {
	s.log.Error(description, append([]zap.Field{zap.String("event", tag)}, fields...)...)
}

// Noop discards every event. Used by tests and by components that do
// not want the side channel.
type Noop struct{}

// Info discards the event.
func (Noop) Info(string, string, ...zap.Field) {}

// Warn discards the event.
func (Noop) Warn(string, string, ...zap.Field) {}

// Error discards the event.
func (Noop) Error(string, string, ...zap.Field) {}
