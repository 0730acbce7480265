// Package notification provides the user-facing notification sink used by
// the sync core to surface toasts, with a zerolog-backed implementation for
// headless runs and a recording test double.
package notification

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

// Severity classifies how prominently a notification should be shown.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps a free-form string onto a Severity. Unknown values
// become SeverityInfo.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

// Sink surfaces a human-readable message. Calls are fire-and-forget.
type Sink interface {
	Notify(text string, severity Severity)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(text string, severity Severity)

// Notify implements Sink.
func (f SinkFunc) Notify(text string, severity Severity) { f(text, severity) }

// LogSink writes notifications to a zerolog logger. It is the sink used
// when no UI is attached.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(text string, severity Severity) {
	var evt *zerolog.Event
	switch severity {
	case SeverityError:
		evt = s.logger.Error()
	case SeverityWarning:
		evt = s.logger.Warn()
	default:
		evt = s.logger.Info()
	}
	evt.Str("severity", string(severity)).Str("text", text).Msg("notification")
}

// ---------------------------------------------------------------------------
// Mock Sink (test double)
// ---------------------------------------------------------------------------

// Call records a single Notify invocation.
type Call struct {
	Text     string
	Severity Severity
}

// MockSink is a test double for Sink.
type MockSink struct {
	mu          sync.Mutex
	calls       []Call
	ShouldPanic bool
}

// Notify records the call and optionally panics.
func (m *MockSink) Notify(text string, severity Severity) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Text: text, Severity: severity})
	m.mu.Unlock()
	if m.ShouldPanic {
		panic(fmt.Sprintf("mock sink failure: %s", text))
	}
}

// Calls returns a copy of recorded calls.
func (m *MockSink) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls.
func (m *MockSink) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
