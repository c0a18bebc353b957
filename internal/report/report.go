// Package report ships structured errors to the error-reporting backend and
// holds the domain/id blocklists. The default backend just logs; the firehose
// subscribers depend only on the Reporter interface so tests can record what
// was reported.
package report

import (
	"log/slog"
	"sync"
)

// Reporter receives errors that should not halt processing: poisoned events,
// oracle failures, programmer bugs caught by recover.
type Reporter interface {
	// Error reports a handled error with identifying context.
	Error(msg string, err error, attrs ...any)
}

// Logger is the default Reporter, backed by slog.
type Logger struct{}

func (Logger) Error(msg string, err error, attrs ...any) {
	slog.Error(msg, append([]any{"error", err}, attrs...)...)
}

// Recorder is a Reporter for tests: it remembers everything reported.
type Recorder struct {
	mu      sync.Mutex
	Reports []string
}

func (r *Recorder) Error(msg string, err error, attrs ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := msg
	if err != nil {
		entry += ": " + err.Error()
	}
	r.Reports = append(r.Reports, entry)
}
