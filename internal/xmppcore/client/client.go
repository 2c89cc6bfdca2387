// Package client drives the XMPP protocol state machine described in the
// Protocol Client component: stream open/reopen, STARTTLS, SASL, resource
// binding, session establishment, keepalive, and stanza dispatch. It sits
// directly on top of a Transport and an xmlstream.Parser and knows nothing
// about reconnection policy, room bookkeeping, or persistence — that is the
// Session Supervisor's job.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xmpbee/xmpbee/internal/xmppcore/disco"
	"github.com/xmpbee/xmpbee/internal/xmppcore/muc"
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/transport"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmlstream"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

const (
	nsStartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	nsSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession  = "urn:ietf:params:xml:ns:xmpp-session"
	nsPing     = "urn:xmpp:ping"
	nsDelay    = "urn:xmpp:delay"

	pingInterval   = 60 * time.Second
	pingTimeout    = 15 * time.Second
	pendingIQTTL   = 5 * time.Minute
	defaultMaxHist = muc.DefaultHistoryMaxStanzas
)

// SecurityMode is the per-account TLS policy (§4.3).
type SecurityMode int

const (
	RequireTLS SecurityMode = iota
	OpportunisticTLS
	DirectTLS
)

// State is one node of the Protocol Client's state machine.
type State int

const (
	StateDisconnected State = iota
	StateTCPOpen
	StateStreamOpen
	StateTLSNegotiating
	StateSASLNegotiating
	StateAuthenticated
	StateResourceBinding
	StateSessionStarting
	StateReady
	StateClosing
)

// Config describes one connection attempt.
type Config struct {
	Host     string
	Port     int
	Domain   string
	JID      stanza.JID
	Password string
	Resource string
	Security SecurityMode
}

// EventKind tags the variants a Client emits.
type EventKind int

const (
	EventConnected EventKind = iota
	EventAuthenticated
	EventDisconnected
	EventMessage
	EventPresence
	EventRoomSubject
	EventRoomList
	EventError
)

// ChatMessage is an incoming <message/> carrying a body.
type ChatMessage struct {
	From      stanza.JID
	Body      string
	Type      string // "groupchat", "chat", or "normal"
	Timestamp time.Time
	IsDelayed bool
}

// PresenceUpdate is a parsed incoming <presence/>.
type PresenceUpdate struct {
	From           stanza.JID
	Unavailable    bool
	Show           string
	Status         string
	HasMUCInfo     bool
	MUCInfo        muc.UserInfo
	RoomJID        string
	Nick           string
}

// Event is one Client output, delivered synchronously on the goroutine that
// produced it: usually the one driving the underlying Transport's byte
// events, but EventConnected comes from the goroutine calling Connect and a
// keepalive ping timeout from the ping timer's own goroutine.
type Event struct {
	Kind        EventKind
	BoundJID    stanza.JID
	Reason      error
	Message     *ChatMessage
	Presence    *PresenceUpdate
	RoomJID     string
	SubjectText string
	Service     string
	Items       []disco.Item
	IQID        string
}

type pendingIQ struct {
	kind      string // "bind", "session", "ping", "disco", "generic"
	service   string
	createdAt time.Time
}

// Client is one XMPP connection's protocol state machine.
type Client struct {
	Emit func(Event)

	cfg Config

	tr     *transport.Transport
	parser *xmlstream.Parser

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	tlsActive     bool
	authenticated bool
	scram         *scramClient
	boundJID      stanza.JID

	pendingMu sync.Mutex
	pending   map[string]pendingIQ

	keepaliveMu      sync.Mutex
	pingTimer        *time.Timer
	pingTimeoutTimer *time.Timer
	pendingPingID    string
}

// New creates a Client ready to Connect.
func New(cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		pending: make(map[string]pendingIQ),
	}
	c.parser = xmlstream.New()
	c.parser.Emit = c.onParserEvent
	return c
}

func (c *Client) emit(ev Event) {
	if c.Emit != nil {
		c.Emit(ev)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the configured host:port and begins the handshake. It
// returns once the TCP/TLS connection is open; Ready is reached
// asynchronously, signaled by an EventAuthenticated.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.tr = transport.New(c.cfg.Host, c.cfg.Port)
	c.tr.Emit = c.onTransportEvent

	directTLS := c.cfg.Security == DirectTLS
	if err := c.tr.Open(c.ctx, directTLS); err != nil {
		return err
	}
	c.mu.Lock()
	c.tlsActive = directTLS
	c.mu.Unlock()
	return nil
}

// Disconnect cooperatively tears the connection down. It emits no
// EventDisconnected: the Transport reports no event for a close it was
// asked to make.
func (c *Client) Disconnect() {
	c.setState(StateClosing)
	c.stopKeepalive()
	if c.cancel != nil {
		c.cancel()
	}
	if c.tr != nil {
		c.tr.Close()
	}
	c.parser.Close()
}

func (c *Client) send(raw string) error {
	return c.tr.Send(c.ctx, []byte(raw))
}

func (c *Client) sendStanza(s *stanza.Stanza) error {
	return c.send(stanza.Render(s))
}

func (c *Client) sendStreamHeader() error {
	hdr := fmt.Sprintf(
		"<?xml version='1.0'?><stream:stream to='%s' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>",
		xmlEscapeAttr(c.cfg.Domain))
	return c.send(hdr)
}

// onTransportEvent is the Transport's byte/connected/disconnected callback.
func (c *Client) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		c.setState(StateTCPOpen)
		c.emit(Event{Kind: EventConnected})
		if err := c.sendStreamHeader(); err != nil {
			c.fail(xmpperr.Wrap(xmpperr.ConnectionFailed, "failed to send stream header", err))
			return
		}
		c.setState(StateStreamOpen)

	case transport.EventBytes:
		if pong, ok := tryFastPathPong(ev.Bytes); ok {
			_ = c.send(string(pong))
		}
		c.parser.Feed(ev.Bytes)

	case transport.EventTLSReady:
		c.mu.Lock()
		c.tlsActive = true
		c.mu.Unlock()
		c.parser.ResetForNewStream()
		if err := c.sendStreamHeader(); err != nil {
			c.fail(xmpperr.Wrap(xmpperr.ConnectionFailed, "failed to resend stream header after STARTTLS", err))
			return
		}
		c.setState(StateStreamOpen)

	case transport.EventDisconnected:
		c.stopKeepalive()
		c.setState(StateDisconnected)
		c.emit(Event{Kind: EventDisconnected, Reason: ev.Reason})
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.scram != nil {
		c.scram.wipe()
		c.scram = nil
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventError, Reason: err})
	c.Disconnect()
}

// onParserEvent is the xmlstream.Parser's stanza callback.
func (c *Client) onParserEvent(ev xmlstream.Event) {
	switch ev.Kind {
	case xmlstream.EventStreamOpened:
		// Nothing to do: the stream header is already on its way out by
		// the time we'd see the peer's own open tag.

	case xmlstream.EventFeatures:
		c.handleFeatures(ev.Stanza)

	case xmlstream.EventStanza:
		c.handleStanza(ev.Stanza)

	case xmlstream.EventStreamClosed:
		c.fail(xmpperr.New(xmpperr.StreamError, "stream closed by peer or recovery exhausted"))

	case xmlstream.EventFatalParseError:
		c.fail(ev.Err)
	}
}

func (c *Client) handleFeatures(feat *stanza.Stanza) {
	c.mu.Lock()
	tlsActive := c.tlsActive
	authenticated := c.authenticated
	c.mu.Unlock()

	if !tlsActive {
		hasStartTLS := feat.Child("starttls") != nil
		switch c.cfg.Security {
		case RequireTLS:
			if !hasStartTLS {
				c.fail(xmpperr.New(xmpperr.TlsRequired, "server did not offer STARTTLS"))
				return
			}
			c.setState(StateTLSNegotiating)
			_ = c.sendStanza(stanzaWithNS("starttls", nsStartTLS))
			return
		case OpportunisticTLS:
			if hasStartTLS {
				c.setState(StateTLSNegotiating)
				_ = c.sendStanza(stanzaWithNS("starttls", nsStartTLS))
				return
			}
			// fall through unencrypted
		case DirectTLS:
			// tlsActive should already be true; nothing to negotiate.
		}
	}

	if !authenticated {
		mechs := feat.Child("mechanisms")
		if mechs != nil {
			c.startSASL(mechs)
			return
		}
		return
	}

	if feat.Child("bind") != nil {
		c.setState(StateResourceBinding)
		c.sendBind()
	}
}

func (c *Client) startSASL(mechs *stanza.Stanza) {
	var offered []string
	for _, m := range mechs.ChildrenNamed("mechanism") {
		offered = append(offered, strings.TrimSpace(m.Text))
	}

	hasSCRAM := containsStr(offered, "SCRAM-SHA-1")
	hasPlain := containsStr(offered, "PLAIN")

	c.mu.Lock()
	tlsActive := c.tlsActive
	c.mu.Unlock()

	c.setState(StateSASLNegotiating)

	switch {
	case hasSCRAM:
		sc, err := newScramClient(c.cfg.JID.Local, []byte(c.cfg.Password))
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		c.scram = sc
		c.mu.Unlock()
		first := sc.FirstMessage()
		_ = c.sendStanza(saslAuthStanza("SCRAM-SHA-1", first))

	case hasPlain && tlsActive:
		payload := "\x00" + c.cfg.JID.Local + "\x00" + c.cfg.Password
		_ = c.sendStanza(saslAuthStanza("PLAIN", payload))

	case hasPlain && !tlsActive:
		c.fail(xmpperr.New(xmpperr.AuthenticationRequiresTLS, "server offers only PLAIN without an active TLS channel"))

	default:
		c.fail(xmpperr.Wrap(xmpperr.NoSupportedMechanism, strings.Join(offered, ","), nil))
	}
}

func saslAuthStanza(mechanism, plaintext string) *stanza.Stanza {
	s := stanza.New("auth")
	s.Attrs["xmlns"] = nsSASL
	s.Attrs["mechanism"] = mechanism
	s.Text = base64.StdEncoding.EncodeToString([]byte(plaintext))
	return s
}

func stanzaWithNS(name, ns string) *stanza.Stanza {
	s := stanza.New(name)
	s.Attrs["xmlns"] = ns
	return s
}

func containsStr(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func (c *Client) handleStanza(s *stanza.Stanza) {
	switch s.Name {
	case "proceed":
		if s.Space == nsStartTLS && c.getState() == StateTLSNegotiating {
			if err := c.tr.Upgrade(c.ctx); err != nil {
				c.fail(err)
			}
		}

	case "challenge":
		c.handleChallenge(s)

	case "success":
		c.handleSASLSuccess(s)

	case "failure":
		c.handleSASLFailure(s)

	case "iq":
		c.handleIQ(s)

	case "message":
		c.handleMessage(s)

	case "presence":
		c.handlePresence(s)
	}
}

func (c *Client) handleChallenge(s *stanza.Stanza) {
	c.mu.Lock()
	sc := c.scram
	c.mu.Unlock()
	if sc == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(s.TrimmedText())
	if err != nil {
		c.fail(xmpperr.Wrap(xmpperr.ScramInvalidServerResponse, "challenge is not valid base64", err))
		return
	}

	final, err := sc.FinalMessage(string(raw))
	if err != nil {
		c.fail(err)
		return
	}

	resp := stanza.New("response")
	resp.Attrs["xmlns"] = nsSASL
	resp.Text = base64.StdEncoding.EncodeToString([]byte(final))
	_ = c.sendStanza(resp)
}

func (c *Client) handleSASLSuccess(s *stanza.Stanza) {
	c.mu.Lock()
	sc := c.scram
	c.mu.Unlock()

	if sc != nil {
		if text := s.TrimmedText(); text != "" {
			raw, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				c.fail(xmpperr.Wrap(xmpperr.ScramInvalidServerResponse, "success payload is not valid base64", err))
				return
			}
			if err := sc.VerifyServerSignature(string(raw)); err != nil {
				c.fail(err)
				return
			}
		}
		sc.wipe()
	}

	c.mu.Lock()
	c.scram = nil
	c.authenticated = true
	c.mu.Unlock()
	c.cfg.Password = ""

	c.parser.ResetForNewStream()
	if err := c.sendStreamHeader(); err != nil {
		c.fail(xmpperr.Wrap(xmpperr.ConnectionFailed, "failed to resend stream header after SASL", err))
		return
	}
	c.setState(StateAuthenticated)
}

func (c *Client) handleSASLFailure(s *stanza.Stanza) {
	reason := "unknown"
	if len(s.Children) > 0 {
		reason = s.Children[0].Name
	}
	c.mu.Lock()
	if c.scram != nil {
		c.scram.wipe()
		c.scram = nil
	}
	c.mu.Unlock()
	c.cfg.Password = ""
	c.fail(xmpperr.New(xmpperr.AuthenticationFailed, reason))
}

func (c *Client) sendBind() {
	id := "bind_1"
	c.registerPending(id, pendingIQ{kind: "bind", createdAt: time.Now()})

	iq := stanza.New("iq")
	iq.Attrs["type"] = "set"
	iq.Attrs["id"] = id
	bind := stanzaWithNS("bind", nsBind)
	if c.cfg.Resource != "" {
		res := stanza.New("resource")
		res.Text = c.cfg.Resource
		bind.Children = append(bind.Children, res)
	}
	iq.Children = append(iq.Children, bind)
	_ = c.sendStanza(iq)
}

func (c *Client) sendSession() {
	id := "session_1"
	c.registerPending(id, pendingIQ{kind: "session", createdAt: time.Now()})

	iq := stanza.New("iq")
	iq.Attrs["type"] = "set"
	iq.Attrs["id"] = id
	iq.Children = append(iq.Children, stanzaWithNS("session", nsSession))
	_ = c.sendStanza(iq)
}

func (c *Client) registerPending(id string, p pendingIQ) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.sweepExpiredPending()
	c.pending[id] = p
}

func (c *Client) sweepExpiredPending() {
	now := time.Now()
	for id, p := range c.pending {
		if now.Sub(p.createdAt) > pendingIQTTL {
			delete(c.pending, id)
		}
	}
}

func (c *Client) takePending(id string) (pendingIQ, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Client) handleIQ(iq *stanza.Stanza) {
	id := iq.Attr("id")
	typ := iq.Attr("type")

	if typ == "get" {
		if ping := iq.Child("ping"); ping != nil && ping.Space == nsPing {
			result := stanza.New("iq")
			result.Attrs["type"] = "result"
			result.Attrs["id"] = id
			if from := iq.Attr("from"); from != "" {
				result.Attrs["to"] = from
			}
			_ = c.sendStanza(result)
			return
		}
	}

	p, ok := c.takePending(id)
	if !ok {
		return
	}

	switch p.kind {
	case "bind":
		c.onBindResult(iq, typ)
	case "session":
		c.onSessionResult(typ)
	case "ping":
		c.cancelPingTimeout(id)
	case "disco":
		if typ == "result" {
			items := disco.ParseItems(iq)
			c.emit(Event{Kind: EventRoomList, Service: p.service, Items: items})
		}
	case "generic":
		c.emit(Event{Kind: EventError, IQID: id})
	}
}

func (c *Client) onBindResult(iq *stanza.Stanza, typ string) {
	if typ != "result" {
		c.fail(xmpperr.New(xmpperr.AuthenticationFailed, "resource bind rejected by server"))
		return
	}
	bind := iq.Child("bind")
	var j stanza.JID
	if bind != nil {
		if jidText := bind.ChildText("jid"); jidText != "" {
			if parsed, err := stanza.Parse(jidText); err == nil {
				j = parsed
			}
		}
	}
	c.mu.Lock()
	c.boundJID = j
	c.mu.Unlock()

	c.setState(StateSessionStarting)
	c.sendSession()
}

func (c *Client) onSessionResult(typ string) {
	if typ != "result" {
		c.fail(xmpperr.New(xmpperr.AuthenticationFailed, "session establishment rejected by server"))
		return
	}
	_ = c.sendStanza(stanza.New("presence"))

	c.setState(StateReady)
	c.startKeepalive()

	c.mu.Lock()
	bound := c.boundJID
	c.mu.Unlock()
	c.emit(Event{Kind: EventAuthenticated, BoundJID: bound})
}

func (c *Client) startKeepalive() {
	c.scheduleNextPing()
}

func (c *Client) scheduleNextPing() {
	t := time.AfterFunc(pingInterval, c.sendPing)
	c.keepaliveMu.Lock()
	c.pingTimer = t
	c.keepaliveMu.Unlock()
}

func (c *Client) sendPing() {
	if c.getState() != StateReady {
		return
	}
	id := uuid.New().String()
	c.registerPending(id, pendingIQ{kind: "ping", createdAt: time.Now()})

	iq := stanza.New("iq")
	iq.Attrs["type"] = "get"
	iq.Attrs["id"] = id
	iq.Children = append(iq.Children, stanzaWithNS("ping", nsPing))
	_ = c.sendStanza(iq)

	t := time.AfterFunc(pingTimeout, func() {
		c.fail(xmpperr.New(xmpperr.PingTimeout, "no response to keepalive ping within 15s"))
	})
	c.keepaliveMu.Lock()
	c.pendingPingID = id
	c.pingTimeoutTimer = t
	c.keepaliveMu.Unlock()
}

func (c *Client) cancelPingTimeout(id string) {
	c.keepaliveMu.Lock()
	if id != c.pendingPingID {
		c.keepaliveMu.Unlock()
		return
	}
	if c.pingTimeoutTimer != nil {
		c.pingTimeoutTimer.Stop()
	}
	c.keepaliveMu.Unlock()
	c.scheduleNextPing()
}

func (c *Client) stopKeepalive() {
	c.keepaliveMu.Lock()
	defer c.keepaliveMu.Unlock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if c.pingTimeoutTimer != nil {
		c.pingTimeoutTimer.Stop()
	}
}

var delayFormats = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"20060102T15:04:05",
}

func parseDelay(s *stanza.Stanza) (time.Time, bool) {
	var delay *stanza.Stanza
	for _, c := range s.ChildrenNamed("delay") {
		if c.Space == nsDelay {
			delay = c
			break
		}
	}
	if delay == nil {
		return time.Time{}, false
	}
	stamp := delay.Attr("stamp")
	for _, layout := range delayFormats {
		if t, err := time.ParseInLocation(layout, stamp, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c *Client) handleMessage(s *stanza.Stanza) {
	from, _ := stanza.Parse(s.Attr("from"))

	if subject := s.ChildText("subject"); subject != "" {
		c.emit(Event{Kind: EventRoomSubject, RoomJID: from.BareString(), SubjectText: subject})
	}

	body := s.ChildText("body")
	if body == "" {
		return
	}

	typ := s.Attr("type")
	if typ == "" {
		typ = "normal"
	}

	ts, delayed := parseDelay(s)
	if !delayed {
		ts = time.Now().UTC()
	}

	c.emit(Event{
		Kind: EventMessage,
		Message: &ChatMessage{
			From:      from,
			Body:      body,
			Type:      typ,
			Timestamp: ts,
			IsDelayed: delayed,
		},
	})
}

func (c *Client) handlePresence(s *stanza.Stanza) {
	from, _ := stanza.Parse(s.Attr("from"))

	pu := &PresenceUpdate{
		From:        from,
		Unavailable: s.Attr("type") == "unavailable",
		Show:        s.ChildText("show"),
		Status:      s.ChildText("status"),
	}

	if info, ok := muc.ParseUserInfo(s); ok {
		pu.HasMUCInfo = true
		pu.MUCInfo = info
		pu.RoomJID = from.BareString()
		pu.Nick = from.Resource
	}

	c.emit(Event{Kind: EventPresence, Presence: pu})
}

// SendGroupchat sends a MUC message to roomJID.
func (c *Client) SendGroupchat(roomJID, body string) error {
	m := stanza.New("message")
	m.Attrs["to"] = roomJID
	m.Attrs["type"] = "groupchat"
	m.Attrs["id"] = uuid.New().String()
	b := stanza.New("body")
	b.Text = body
	m.Children = append(m.Children, b)
	return c.sendStanza(m)
}

// SendDM sends a one-to-one chat message to bareJID.
func (c *Client) SendDM(bareJID, body string) error {
	m := stanza.New("message")
	m.Attrs["to"] = bareJID
	m.Attrs["type"] = "chat"
	m.Attrs["id"] = uuid.New().String()
	b := stanza.New("body")
	b.Text = body
	m.Children = append(m.Children, b)
	return c.sendStanza(m)
}

// JoinRoom sends a MUC join presence for roomJID under nick.
func (c *Client) JoinRoom(roomJID, nick string) error {
	return c.sendStanza(muc.JoinPresence(roomJID, nick, defaultMaxHist))
}

// LeaveRoom sends a MUC leave presence for roomJID under nick.
func (c *Client) LeaveRoom(roomJID, nick string) error {
	return c.sendStanza(muc.LeavePresence(roomJID, nick))
}

// BrowseRooms sends a disco#items query to service; the result arrives
// later as an EventRoomList.
func (c *Client) BrowseRooms(service string) error {
	id := uuid.New().String()
	c.registerPending(id, pendingIQ{kind: "disco", service: service, createdAt: time.Now()})
	return c.sendStanza(disco.ItemsQuery(id, service))
}

// BoundJID returns the resource-bound JID, valid once StateReady is
// reached.
func (c *Client) BoundJID() stanza.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundJID
}

// State returns the current state machine node.
func (c *Client) State() State {
	return c.getState()
}
