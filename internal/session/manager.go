package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/zerospice/broker/internal/audit"
	"github.com/zerospice/broker/internal/auth"
	"github.com/zerospice/broker/internal/clock"
	"github.com/zerospice/broker/internal/metrics"
	"github.com/zerospice/broker/internal/notify"
)

const portAllocationRetries = 100

// ErrPortsExhausted is returned when portAllocationRetries random picks
// from the configured range all hit a port that is in use or cannot be
// bound (spec.md §5 "Resource caps": the Gateway maps this to 503).
var ErrPortsExhausted = errors.New("ephemeral port range exhausted")

// Session is the Session Manager's record of one open SPICE relay
// (spec.md §3 "Session").
type Session struct {
	ID            string
	Node          string
	VMID          string
	Username      string
	CreatedAt     time.Time
	EphemeralPort int

	forwarder *Forwarder
}

// Snapshot is the observability-safe copy returned by ListSessions; it
// omits the Forwarder reference.
type Snapshot struct {
	ID            string    `json:"session_id"`
	Node          string    `json:"node"`
	VMID          string    `json:"vmid"`
	Username      string    `json:"username"`
	CreatedAt     time.Time `json:"created_at"`
	EphemeralPort int       `json:"ephemeral_port"`
}

// Manager implements the Session Manager component (spec.md §4.4): port
// allocation, session bookkeeping, and the background TTL reaper. The
// session table is protected by a single mutex per spec.md §5.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	bindHost       string
	portMin        int
	portMax        int
	hypervisorAddr string
	sessionTimeout func() time.Duration
	log            *slog.Logger
	audit          *audit.Store
	notifier       *notify.Multi
	clk            clock.Clock
}

// SetAuditStore attaches the non-authoritative audit trail; nil is safe
// and simply disables recording (used by tests that don't need it).
func (m *Manager) SetAuditStore(store *audit.Store) {
	m.audit = store
}

// SetClock overrides the Manager's (and every Forwarder it starts) time
// source; used by tests to exercise TTL expiry and reaping without
// sleeping.
func (m *Manager) SetClock(clk clock.Clock) {
	m.clk = clk
}

// SetNotifier attaches the session-lifecycle event publisher; nil is safe
// and simply disables publishing (spec.md §9: notifications are
// observational and never gate a session's actual lifecycle).
func (m *Manager) SetNotifier(notifier *notify.Multi) {
	m.notifier = notifier
}

func (m *Manager) notify(eventType notify.EventType, sess *Session, reason string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(context.Background(), notify.Event{
		Type: eventType, Username: sess.Username, Node: sess.Node, VMID: sess.VMID,
		SessionID: sess.ID, Reason: reason,
	})
}

func (m *Manager) recordAudit(ev audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ev); err != nil {
		m.log.Warn("audit record failed", "kind", ev.Kind, "error", err)
	}
}

// NewManager constructs a Manager. sessionTimeout is a getter rather
// than a fixed value so an operator can adjust ZS_SESSION_TIMEOUT at
// runtime (internal/config's mutable-subset pattern) without restarting
// in-flight session accounting.
func NewManager(bindHost string, portMin, portMax int, hypervisorAddr string, sessionTimeout func() time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		bindHost:       bindHost,
		portMin:        portMin,
		portMax:        portMax,
		hypervisorAddr: hypervisorAddr,
		sessionTimeout: sessionTimeout,
		log:            log,
		clk:            clock.Real{},
	}
}

// OpenSession implements spec.md §4.4 open_session: allocate an
// ephemeral port, start a Forwarder bound to it, and insert the session
// record, all within the table's single critical section so port
// uniqueness holds even under concurrent requests (spec.md §5
// "Ordering guarantees").
func (m *Manager) OpenSession(node, vmid, username string) (*Session, error) {
	sessionID, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	port, fwd, err := m.allocatePortLocked()
	if err != nil {
		metrics.PortAllocationFailures.Inc()
		return nil, err
	}

	sess := &Session{
		ID:            sessionID,
		Node:          node,
		VMID:          vmid,
		Username:      username,
		CreatedAt:     m.clk.Now(),
		EphemeralPort: port,
		forwarder:     fwd,
	}
	m.sessions[sessionID] = sess

	metrics.SessionsOpened.Inc()
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.log.Info("session opened", "session_id", sessionID, "node", node, "vmid", vmid, "username", username, "port", port)
	return sess, nil
}

// allocatePortLocked must be called with mu held. It samples candidate
// ports uniformly from [portMin, portMax), skipping ports already held
// by a live session, and attempts to bind a Forwarder to the first free
// one. A bind failure (another process holds the port at the OS level)
// counts as a failed attempt and is retried like a table collision.
func (m *Manager) allocatePortLocked() (int, *Forwarder, error) {
	span := m.portMax - m.portMin
	if span <= 0 {
		return 0, nil, ErrPortsExhausted
	}

	taken := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		taken[s.EphemeralPort] = true
	}

	for attempt := 0; attempt < portAllocationRetries; attempt++ {
		port := m.portMin + rand.IntN(span)
		if taken[port] {
			continue
		}

		localAddr := net.JoinHostPort(m.bindHost, fmt.Sprintf("%d", port))
		fwd := NewForwarder(localAddr, m.hypervisorAddr, m.sessionTimeout(), m.log)
		fwd.SetClock(m.clk)
		bound, err := fwd.Start()
		if err != nil {
			// Likely an OS-level bind collision outside our own table;
			// treat it the same as an in-table collision and retry.
			continue
		}
		return bound, fwd, nil
	}
	return 0, nil, ErrPortsExhausted
}

// CloseSession stops the session's Forwarder and removes it from the
// table, recording reason for observability (spec.md §4.4 reaper,
// §8 testable properties).
func (m *Manager) CloseSession(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.forwarder.Stop()
	metrics.SessionsReaped.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(count))
	m.log.Info("session closed", "session_id", sessionID, "reason", reason)
	m.recordAudit(audit.Event{
		Kind: audit.KindSessionClosed, Username: sess.Username, Node: sess.Node, VMID: sess.VMID,
		SessionID: sessionID, Detail: reason,
	})

	eventType := notify.EventSessionClosed
	if reason == "ttl" {
		eventType = notify.EventSessionReaped
	}
	m.notify(eventType, sess, reason)
}

// ListSessions returns a non-blocking snapshot copy for observability
// (spec.md §4.4 list_sessions).
func (m *Manager) ListSessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			ID:            s.ID,
			Node:          s.Node,
			VMID:          s.VMID,
			Username:      s.Username,
			CreatedAt:     s.CreatedAt,
			EphemeralPort: s.EphemeralPort,
		})
	}
	return out
}

// ReapExpired scans the session table for entries older than the
// current session timeout and closes them. Invoked by the 60-second
// reaper tick (spec.md §4.4); Forwarders also self-terminate on TTL
// from inside their own accept loop, and the two mechanisms are
// idempotent with each other (spec.md §5 "Cancellation").
func (m *Manager) ReapExpired() {
	timeout := m.sessionTimeout()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if m.clk.Since(s.CreatedAt) > timeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.CloseSession(id, "ttl")
	}
}

// RunReaper blocks, ticking ReapExpired every interval, until the stop
// channel is closed. Callers typically run this in its own goroutine
// from cmd/spiced/main.go.
func (m *Manager) RunReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ReapExpired()
		case <-stop:
			return
		}
	}
}

// Shutdown stops every open session's Forwarder; called on server
// shutdown (spec.md §5 "Cancellation").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseSession(id, "shutdown")
	}
}
