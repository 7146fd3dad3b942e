// Package notify publishes session-lifecycle events to an optional
// external channel (SPEC_FULL.md §2 "Notifier", §9 ADDED). Publication
// is purely observational: it never gates a session's actual lifecycle,
// and a notifier failure is logged and swallowed rather than
// propagated.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened during a session or auth lifecycle.
type EventType string

const (
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"
	EventSessionReaped EventType = "session_reaped"
	EventLoginSuccess  EventType = "login_success"
	EventLoginFailure  EventType = "login_failure"
	EventEnrollBegin   EventType = "enroll_begin"
	EventEnrollConfirm EventType = "enroll_confirm"
)

// Event represents a notification event.
type Event struct {
	Type      EventType `json:"type"`
	Username  string    `json:"username,omitempty"`
	Node      string    `json:"node,omitempty"`
	VMID      string    `json:"vmid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging
// package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. It never returns
// errors — failures are logged but never block the session lifecycle
// that produced the event.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers. Returns true if at
// least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"session_id", event.SessionID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
