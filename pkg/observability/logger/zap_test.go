package logger

import (
	"context"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLogLevel(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): unexpected error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLogLevel(%q): got %q want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    LogFormat
		wantErr bool
	}{
		{"json", JSONFormat, false},
		{"text", TextFormat, false},
		{"console", TextFormat, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLogFormat(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLogFormat(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLogFormat(%q): unexpected error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLogFormat(%q): got %q want %q", tt.input, got, tt.want)
		}
	}
}

func TestNewZapLoggerDefaults(t *testing.T) {
	log, err := NewZapLogger(DefaultConfig())
	if err != nil {
		t.Fatalf("NewZapLogger failed: %v", err)
	}

	// Child loggers must not panic and must preserve the interface.
	child := log.With("component", "test")
	if child == nil {
		t.Fatal("With returned nil logger")
	}
	child.Info("child logger message", "key", "value")
}

func TestWithContextCorrelationID(t *testing.T) {
	log, err := NewZapLogger(Config{Level: ErrorLevel, Format: JSONFormat})
	if err != nil {
		t.Fatalf("NewZapLogger failed: %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "corr-42")
	if got := CorrelationIDFromContext(ctx); got != "corr-42" {
		t.Fatalf("CorrelationIDFromContext: got %q want %q", got, "corr-42")
	}

	if child := log.WithContext(ctx); child == nil {
		t.Fatal("WithContext returned nil logger")
	}
	if same := log.WithContext(context.Background()); same != log {
		t.Fatal("WithContext without correlation ID should return the same logger")
	}
}

func TestNopLogger(t *testing.T) {
	n := NewNop()
	n.Debug("a")
	n.Info("b", "k", "v")
	n.Warn("c")
	n.Error("d")
	if n.With("x", 1) != n {
		t.Fatal("NopLogger.With should return itself")
	}
	if n.WithContext(context.Background()) != n {
		t.Fatal("NopLogger.WithContext should return itself")
	}
}
