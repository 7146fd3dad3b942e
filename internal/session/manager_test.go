package session

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/zerospice/broker/internal/clock"
)

// fakeClock is an injectable clock.Clock for deterministic TTL tests,
// grounded on internal/clock.Clock (see DESIGN.md's Clock entry).
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                        { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ clock.Clock = (*fakeClock)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream starts a TCP echo server and returns its address.
func fakeUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestOpenSessionAllocatesUniquePort(t *testing.T) {
	upstream := fakeUpstream(t)
	mgr := NewManager("127.0.0.1", 40000, 40010, upstream, func() time.Duration { return time.Minute }, testLogger())

	sess, err := mgr.OpenSession("pve1", "100", "alice")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if sess.EphemeralPort < 40000 || sess.EphemeralPort >= 40010 {
		t.Errorf("port %d out of range", sess.EphemeralPort)
	}

	sessions := mgr.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	mgr.CloseSession(sess.ID, "test")
	if len(mgr.ListSessions()) != 0 {
		t.Error("expected session table empty after close")
	}
}

func TestOpenSessionExhaustsPortRange(t *testing.T) {
	upstream := fakeUpstream(t)
	mgr := NewManager("127.0.0.1", 40100, 40101, upstream, func() time.Duration { return time.Minute }, testLogger())

	if _, err := mgr.OpenSession("pve1", "100", "alice"); err != nil {
		t.Fatalf("first OpenSession: %v", err)
	}
	if _, err := mgr.OpenSession("pve1", "101", "bob"); err == nil {
		t.Fatal("expected ErrPortsExhausted on second allocation from single-port range")
	} else if err != ErrPortsExhausted {
		t.Errorf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestReapExpiredClosesOldSessions(t *testing.T) {
	upstream := fakeUpstream(t)
	mgr := NewManager("127.0.0.1", 40200, 40210, upstream, func() time.Duration { return 10 * time.Millisecond }, testLogger())

	sess, err := mgr.OpenSession("pve1", "100", "alice")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mgr.ReapExpired()

	if len(mgr.ListSessions()) != 0 {
		t.Error("expected expired session reaped")
	}
	_ = sess
}

func TestReapExpiredUsesInjectedClock(t *testing.T) {
	upstream := fakeUpstream(t)
	mgr := NewManager("127.0.0.1", 40300, 40310, upstream, func() time.Duration { return time.Minute }, testLogger())

	fc := &fakeClock{now: time.Now()}
	mgr.SetClock(fc)

	if _, err := mgr.OpenSession("pve1", "100", "alice"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	mgr.ReapExpired()
	if len(mgr.ListSessions()) != 1 {
		t.Fatal("expected session to survive before TTL elapses on the fake clock")
	}

	fc.now = fc.now.Add(2 * time.Minute)
	mgr.ReapExpired()
	if len(mgr.ListSessions()) != 0 {
		t.Error("expected session reaped once the injected clock advances past the TTL")
	}
}

func TestRelayForwardsBytesBothDirections(t *testing.T) {
	upstream := fakeUpstream(t)
	fwd := NewForwarder("127.0.0.1:0", upstream, time.Minute, testLogger())
	port, err := fwd.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fwd.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello spice")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != string(payload) {
		t.Errorf("echoed %q, want %q", buf, payload)
	}
}

func TestForwarderSelfTerminatesOnTTL(t *testing.T) {
	upstream := fakeUpstream(t)
	fwd := NewForwarder("127.0.0.1:0", upstream, 20*time.Millisecond, testLogger())
	port, err := fwd.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)

	_, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err == nil {
		t.Error("expected connection refused after forwarder TTL self-termination")
	}
}
