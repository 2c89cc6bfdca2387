package client

import (
	"strings"
	"testing"
)

func TestTryFastPathPongBasic(t *testing.T) {
	in := []byte(`<iq from='example.com' to='user@example.com/res' id='s2c1' type='get'><ping xmlns='urn:xmpp:ping'/></iq>`)
	pong, ok := tryFastPathPong(in)
	if !ok {
		t.Fatal("expected fast path to handle a well-formed ping")
	}
	got := string(pong)
	if !strings.Contains(got, "id='s2c1'") {
		t.Errorf("pong missing id: %s", got)
	}
	if !strings.Contains(got, "to='example.com'") {
		t.Errorf("pong missing to=from-of-request: %s", got)
	}
	if !strings.Contains(got, "type='result'") {
		t.Errorf("pong missing type='result': %s", got)
	}
}

func TestTryFastPathPongSelfClosingIQ(t *testing.T) {
	// Not realistic for a ping (it has a child) but exercises the
	// self-closing detection path without a following </iq>.
	in := []byte(`<iq id='a1' type='get' xmlns='urn:xmpp:ping'/>`)
	_, ok := tryFastPathPong(in)
	if !ok {
		t.Fatal("expected self-closing iq tag to be accepted")
	}
}

func TestTryFastPathPongRejectsNonPing(t *testing.T) {
	in := []byte(`<iq id='a1' type='get'><query xmlns='http://jabber.org/protocol/disco#items'/></iq>`)
	if _, ok := tryFastPathPong(in); ok {
		t.Fatal("expected non-ping iq to be rejected by fast path")
	}
}

func TestTryFastPathPongRejectsOversizedInput(t *testing.T) {
	in := make([]byte, fastPingMaxInput+1)
	for i := range in {
		in[i] = 'x'
	}
	if _, ok := tryFastPathPong(in); ok {
		t.Fatal("expected oversized input to be rejected")
	}
}

func TestTryFastPathPongRejectsAngleBracketInAttr(t *testing.T) {
	in := []byte(`<iq from='evil<script>' id='a1' type='get'><ping xmlns='urn:xmpp:ping'/></iq>`)
	if _, ok := tryFastPathPong(in); ok {
		t.Fatal("expected attribute containing '<' to be rejected")
	}
}

func TestTryFastPathPongEscapesRawAmpersand(t *testing.T) {
	in := []byte(`<iq from='a&b' id='id1' type='get'><ping xmlns='urn:xmpp:ping'/></iq>`)
	pong, ok := tryFastPathPong(in)
	if !ok {
		t.Fatal("expected fast path to accept a raw ampersand in an attribute value")
	}
	got := string(pong)
	if !strings.Contains(got, "to='a&amp;b'") {
		t.Errorf("expected raw '&' to be escaped on output: %s", got)
	}
}

func TestTryFastPathPongRejectsMissingID(t *testing.T) {
	in := []byte(`<iq type='get'><ping xmlns='urn:xmpp:ping'/></iq>`)
	if _, ok := tryFastPathPong(in); ok {
		t.Fatal("expected missing id to be rejected")
	}
}
