package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// fakeServerConn accepts one connection on a loopback listener so a scenario
// test can script a server side without a real XMPP implementation:
// scripting at the TCP boundary exercises the real Transport instead of
// bypassing it.
type fakeServerConn struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
}

func newFakeServer(t *testing.T) (*fakeServerConn, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return &fakeServerConn{t: t, ln: ln}, port
}

// waitAccept blocks until the client has dialed in. Scenario tests call
// this right after Connect.
func (f *fakeServerConn) waitAccept() {
	conn, err := f.ln.Accept()
	if err != nil {
		f.t.Fatalf("accept: %v", err)
	}
	f.conn = conn
}

func (f *fakeServerConn) send(s string) {
	if _, err := f.conn.Write([]byte(s)); err != nil {
		f.t.Fatalf("server write: %v", err)
	}
}

// readUntil accumulates bytes from the client until substr has been seen,
// returning everything read so far. Used to wait for the client's stream
// header or an <auth> element without assuming exact framing.
func (f *fakeServerConn) readUntil(substr string, timeout time.Duration) string {
	f.conn.SetReadDeadline(time.Now().Add(timeout))
	var buf strings.Builder
	tmp := make([]byte, 4096)
	for {
		n, err := f.conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if strings.Contains(buf.String(), substr) {
				return buf.String()
			}
		}
		if err != nil {
			return buf.String()
		}
	}
}

func (f *fakeServerConn) close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.ln.Close()
}

// TestScenarioB_OpportunisticPlainWithoutTLS exercises spec scenario B: a
// server that offers only PLAIN with no starttls feature. The client must
// never send <auth> and must report AuthenticationRequiresTLS. Not
// reconnecting is the Supervisor's call: AuthenticationRequiresTLS is a
// permanent Kind (xmpperr.Kind.Permanent), and
// TestDispatchErrorTracksPermanence checks how the Supervisor records a
// permanent kind, using AuthenticationFailed.
func TestScenarioB_OpportunisticPlainWithoutTLS(t *testing.T) {
	srv, port := newFakeServer(t)
	defer srv.close()

	jid, _ := stanza.Parse("alice@example.org")
	c := New(Config{
		Host:     "127.0.0.1",
		Port:     port,
		Domain:   "example.org",
		JID:      jid,
		Password: "hunter2",
		Resource: "XMPBee",
		Security: OpportunisticTLS,
	})

	events := make(chan Event, 16)
	c.Emit = func(ev Event) { events <- ev }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.waitAccept()

	srv.readUntil("stream:stream", 2*time.Second)
	srv.send("<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' from='example.org' id='1' version='1.0'>")
	srv.send(`<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)

	var gotError *xmpperr.Error
	deadline := time.After(3 * time.Second)
	for gotError == nil {
		select {
		case ev := <-events:
			if ev.Kind == EventError {
				if xerr, ok := ev.Reason.(*xmpperr.Error); ok {
					gotError = xerr
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for EventError")
		}
	}

	if gotError.Kind != xmpperr.AuthenticationRequiresTLS {
		t.Fatalf("error kind = %v, want AuthenticationRequiresTLS", gotError.Kind)
	}

	// Give the client a moment to (not) send anything further, then confirm
	// no <auth> ever reached the server.
	srv.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	tmp := make([]byte, 4096)
	n, _ := srv.conn.Read(tmp)
	if strings.Contains(string(tmp[:n]), "<auth") {
		t.Fatalf("client sent <auth> despite no TLS channel: %q", tmp[:n])
	}
}
