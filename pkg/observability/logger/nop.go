package logger

import "context"

// NopLogger discards all log output. Useful in tests and as a safe default.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() *NopLogger {
	return &NopLogger{}
}

func (n *NopLogger) Debug(msg string, args ...any)          {}
func (n *NopLogger) Info(msg string, args ...any)           {}
func (n *NopLogger) Warn(msg string, args ...any)           {}
func (n *NopLogger) Error(msg string, args ...any)          {}
func (n *NopLogger) With(args ...any) Logger                { return n }
func (n *NopLogger) WithContext(ctx context.Context) Logger { return n }
