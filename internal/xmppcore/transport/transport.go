// Package transport provides the byte-oriented, TLS-capable connection to a
// single host:port described in the component specification §4.1: open,
// send, in-place TLS upgrade, close, with an idle-timeout watchdog.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

const (
	idleCheckInterval = 30 * time.Second
	idleTimeout       = 300 * time.Second
	maxOutboundQueue  = 256 // bounded outbound buffer; Send blocks rather than drops
)

// EventKind tags the variants a Transport emits.
type EventKind int

const (
	EventConnected EventKind = iota
	EventBytes
	EventTLSReady
	EventDisconnected
)

// Event is one Transport output.
type Event struct {
	Kind   EventKind
	Bytes  []byte // EventBytes
	Reason error  // EventDisconnected, nil if the peer closed the connection cleanly (EOF)
}

// Transport owns one live TCP (optionally TLS) connection.
type Transport struct {
	Emit func(Event)

	host string
	port int

	mu          sync.Mutex
	conn        net.Conn
	tlsConn     *tls.Conn
	closed      bool
	lastActive  time.Time
	outbound    chan []byte
	stopIdle    chan struct{}
	readDoneCh  chan struct{}
}

// New creates an unconnected Transport bound to host:port. The host is also
// used as the TLS verify/SNI hostname for both Open(directTLS=true) and a
// later Upgrade.
func New(host string, port int) *Transport {
	return &Transport{
		host:     host,
		port:     port,
		outbound: make(chan []byte, maxOutboundQueue),
	}
}

// Open dials host:port, optionally wrapping the connection in TLS
// immediately (DirectTLS security mode), and emits EventConnected once the
// connection is fully writable.
func (t *Transport) Open(ctx context.Context, directTLS bool) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return xmpperr.Wrap(xmpperr.ConnectionFailed, "dial failed", err)
	}

	if directTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: t.host,
			MinVersion: tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return xmpperr.Wrap(xmpperr.TlsHandshakeFailed, "direct TLS handshake failed", err)
		}
		t.mu.Lock()
		t.conn = tlsConn
		t.tlsConn = tlsConn
		t.mu.Unlock()
	} else {
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.lastActive = time.Now()
	t.closed = false
	t.stopIdle = make(chan struct{})
	t.readDoneCh = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop()
	go t.writeLoop()
	go t.idleWatch()

	t.Emit(Event{Kind: EventConnected})
	return nil
}

// Send enqueues bytes for transmission, preserving order. It blocks while
// the outbound queue is full rather than drop bytes, and returns ctx.Err()
// if ctx is done first.
func (t *Transport) Send(ctx context.Context, b []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return xmpperr.New(xmpperr.NotConnected, "send on closed transport")
	}

	select {
	case t.outbound <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) writeLoop() {
	for b := range t.outbound {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed || conn == nil {
			return
		}

		remaining := b
		for len(remaining) > 0 {
			n, err := conn.Write(remaining)
			if err != nil {
				t.fail(xmpperr.Wrap(xmpperr.ConnectionFailed, "write failed", err))
				return
			}
			remaining = remaining[n:]
		}

		t.mu.Lock()
		t.lastActive = time.Now()
		t.mu.Unlock()
	}
}

func (t *Transport) readLoop() {
	defer close(t.readDoneCh)

	buf := make([]byte, 8192)
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.lastActive = time.Now()
			t.mu.Unlock()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.Emit(Event{Kind: EventBytes, Bytes: chunk})
		}
		if err != nil {
			if err == io.EOF {
				t.fail(nil)
			} else {
				t.fail(xmpperr.Wrap(xmpperr.ConnectionFailed, "read failed", err))
			}
			return
		}
	}
}

func (t *Transport) idleWatch() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopIdle:
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastActive)
			t.mu.Unlock()
			if idle > idleTimeout {
				t.fail(xmpperr.New(xmpperr.IdleTimeout, "no activity for 300s"))
				return
			}
		}
	}
}

// fail tears the connection down and emits EventDisconnected, unless the
// Transport is already closed (by Close or an earlier fail), in which case
// it does nothing.
func (t *Transport) fail(reason error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	stopIdle := t.stopIdle
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if stopIdle != nil {
		close(stopIdle)
	}

	t.Emit(Event{Kind: EventDisconnected, Reason: reason})
}

// Upgrade negotiates TLS over the existing plaintext socket after the peer
// has sent <proceed/> in response to STARTTLS. It emits EventTLSReady on
// success.
func (t *Transport) Upgrade(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return xmpperr.New(xmpperr.NotConnected, "upgrade on closed transport")
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: t.host,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return xmpperr.Wrap(xmpperr.TlsHandshakeFailed, "STARTTLS handshake failed", err)
	}

	t.mu.Lock()
	t.conn = tlsConn
	t.tlsConn = tlsConn
	t.mu.Unlock()

	t.Emit(Event{Kind: EventTLSReady})
	return nil
}

// Close shuts down the connection without flushing: bytes still waiting in
// the outbound queue are not written. It is cooperative: it sets the closed
// flag and closes the socket, which causes readLoop to observe EOF/error and
// exit on its own. No EventDisconnected is emitted for this close, since
// readLoop's teardown finds the Transport already closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	stopIdle := t.stopIdle
	t.mu.Unlock()

	if stopIdle != nil {
		close(stopIdle)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the Transport currently believes it has a live
// connection.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn != nil
}

// TLSActive reports whether the current connection is TLS-wrapped.
func (t *Transport) TLSActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tlsConn != nil
}
