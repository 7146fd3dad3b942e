// Package session implements the Session Manager and Forwarder
// components (spec.md §4.4, §4.5): ephemeral-port-per-session TCP
// relays to the hypervisor's SPICE port, reaped on a fixed TTL.
package session

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerospice/broker/internal/clock"
	"github.com/zerospice/broker/internal/metrics"
)

const relayBufferSize = 32 * 1024 // >= 4 KiB floor required by spec.md §4.5

// Forwarder owns one listening socket on a single ephemeral port and an
// arbitrary number of in-flight relayed connection pairs (spec.md §4.5,
// §3 "Forwarder"). Grounded on the accept-loop/per-connection-relay
// shape of original_source/Proxy/port_forwarder.py, adapted from
// goroutines-with-daemon-threads to a deadline-polling accept loop so
// Stop and TTL expiry can interrupt it without relying on socket-close
// races.
type Forwarder struct {
	localAddr  string
	remoteAddr string
	ttl        time.Duration
	startedAt  time.Time
	log        *slog.Logger
	clk        clock.Clock

	mu       sync.Mutex
	listener *net.TCPListener
	stopped  bool

	activeConns atomic.Int64
	wg          sync.WaitGroup
}

// NewForwarder constructs a Forwarder bound to localAddr, relaying to
// remoteAddr, self-terminating after ttl.
func NewForwarder(localAddr, remoteAddr string, ttl time.Duration, log *slog.Logger) *Forwarder {
	return &Forwarder{
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		ttl:        ttl,
		log:        log,
		clk:        clock.Real{},
	}
}

// SetClock overrides the Forwarder's time source; used by tests to
// exercise TTL expiry without sleeping.
func (f *Forwarder) SetClock(clk clock.Clock) {
	f.clk = clk
}

// Start binds the listening socket and launches the accept loop in a
// background goroutine. Returns the bound port so callers that asked
// for port 0 can discover what was allocated; this Forwarder always
// receives an explicit port from the Session Manager, so in practice it
// echoes that same port back.
func (f *Forwarder) Start() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", f.localAddr)
	if err != nil {
		return 0, err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.listener = ln
	f.startedAt = f.clk.Now()
	f.mu.Unlock()

	f.wg.Add(1)
	go f.acceptLoop(ln)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop is idempotent and non-blocking: it marks the Forwarder stopped
// and closes the listener, which unblocks the accept loop with a socket
// error (spec.md §5 "Cancellation"). It does not wait for in-flight
// relayed connections to finish.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	if f.listener != nil {
		f.listener.Close()
	}
}

func (f *Forwarder) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// expired reports whether the Forwarder has outlived its TTL.
func (f *Forwarder) expired() bool {
	f.mu.Lock()
	started := f.startedAt
	f.mu.Unlock()
	return f.clk.Since(started) > f.ttl
}

// ActiveConnections returns the current relayed-connection count, for
// observability only; it never gates TTL-driven shutdown (spec.md
// §4.5).
func (f *Forwarder) ActiveConnections() int64 {
	return f.activeConns.Load()
}

func (f *Forwarder) acceptLoop(ln *net.TCPListener) {
	defer f.wg.Done()
	for {
		if f.isStopped() || f.expired() {
			f.Stop()
			return
		}
		ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Any non-timeout error (including the close triggered by
			// Stop) ends the loop.
			return
		}
		f.wg.Add(1)
		go f.handleConnection(conn)
	}
}

func (f *Forwarder) handleConnection(client net.Conn) {
	defer f.wg.Done()

	upstream, err := net.DialTimeout("tcp", f.remoteAddr, 5*time.Second)
	if err != nil {
		f.log.Warn("forwarder upstream dial failed", "remote", f.remoteAddr, "error", err)
		metrics.RelayErrors.Inc()
		client.Close()
		return
	}

	f.activeConns.Add(1)
	metrics.RelayConnections.Inc()
	defer func() {
		f.activeConns.Add(-1)
		metrics.RelayConnections.Dec()
	}()

	var relayWG sync.WaitGroup
	relayWG.Add(2)
	go relay(&relayWG, client, upstream, "upstream")
	go relay(&relayWG, upstream, client, "downstream")
	relayWG.Wait()
}

// relay copies from src to dst until EOF or error, then closes both
// ends so the peer relay direction unblocks too (spec.md §4.5's
// half-close-tolerant fan-in, required because SPICE opens several TCP
// channels per session in quick succession).
func relay(wg *sync.WaitGroup, src, dst net.Conn, direction string) {
	defer wg.Done()
	defer src.Close()
	defer dst.Close()

	buf := make([]byte, relayBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	metrics.RelayBytes.WithLabelValues(direction).Add(float64(n))
	if err != nil {
		metrics.RelayErrors.Inc()
	}
}
