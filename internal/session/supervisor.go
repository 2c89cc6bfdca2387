// Package session implements the Session Supervisor: it owns Accounts,
// Connections (one Protocol Client each), and Rooms, applies dedup and
// flood-batching rules, drives reconnection with exponential backoff, and
// persists credentials and settings through the interfaces in stores.go.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xmpbee/xmpbee/internal/config"
	"github.com/xmpbee/xmpbee/internal/logging"
	"github.com/xmpbee/xmpbee/internal/xmppcore/client"
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

const maxReconnectAttempts = 5

func securityFromConfig(mode config.SecurityMode) client.SecurityMode {
	switch mode {
	case config.SecurityOpportunistic:
		return client.OpportunisticTLS
	case config.SecurityDirectTLS:
		return client.DirectTLS
	default:
		return client.RequireTLS
	}
}

func backoffDelay(attempt int) time.Duration {
	secs := 1 << uint(attempt)
	if secs > 32 {
		secs = 32
	}
	return time.Duration(secs) * time.Second
}

// accountState is the Supervisor's per-account bookkeeping: the live
// Protocol Client (if connected), Room set keyed by bare JID, and the
// reconnect ladder's attempt counter.
type accountState struct {
	cfg      config.Account
	security client.SecurityMode

	cl *client.Client

	rooms map[string]*Room

	attempts             int
	reconnectTimer       *time.Timer
	manuallyDisconnected bool
	lastErrorPermanent   bool
}

// Supervisor owns 0..N Accounts and their Protocol Clients, and is the
// single-threaded event consumer per spec.md §5: every Client event, and
// every state change a background task (history load, reconnect timer
// fire) makes, is funnelled through the tasks channel and executed
// serially by run. The dial in connectAccount itself runs off run.
type Supervisor struct {
	Observer Observer
	Secrets  SecretStore
	Logs     LogStore
	Log      *logging.Logger // diagnostic logging; nil disables it

	tasks chan func()
	done  chan struct{}

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewSupervisor creates a Supervisor and starts its event-consumer
// goroutine. Call Close to stop it. log may be nil to disable diagnostic
// logging entirely.
func NewSupervisor(observer Observer, secrets SecretStore, logs LogStore, log *logging.Logger) *Supervisor {
	s := &Supervisor{
		Observer: observer,
		Secrets:  secrets,
		Logs:     logs,
		Log:      log,
		tasks:    make(chan func(), 128),
		done:     make(chan struct{}),
		accounts: make(map[string]*accountState),
	}
	go s.run()
	return s
}

// accountLog returns a Logger tagged with bareJID, or nil if diagnostic
// logging is disabled.
func (s *Supervisor) accountLog(bareJID string) *logging.Logger {
	if s.Log == nil {
		return nil
	}
	return s.Log.WithAccount(bareJID)
}

func (s *Supervisor) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// postWait posts fn onto run and blocks until it has executed, serializing
// fn against dispatch. Callers must never themselves be running on the
// event-consumer goroutine (dispatch and anything it calls) or this
// deadlocks; AddAccount, RemoveAccount, Reconnect, Disconnect and the
// outbound command methods below all call from some other goroutine, so
// this is safe there.
func (s *Supervisor) postWait(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.done:
	}
}

// mutate runs fn against bareJID's accountState on run, serializing it
// against dispatch, and reports whether the account still exists.
func (s *Supervisor) mutate(bareJID string, fn func(*accountState)) bool {
	st, ok := s.account(bareJID)
	if !ok {
		return false
	}
	s.postWait(func() { fn(st) })
	return true
}

// Close stops the event-consumer goroutine. In-flight accounts are not
// disconnected; call RemoveAccount for each first if that's wanted.
func (s *Supervisor) Close() {
	close(s.done)
}

func (s *Supervisor) account(bareJID string) (*accountState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[bareJID]
	return st, ok
}

func (s *Supervisor) loadPassword(bareJID string, cfgPassword string) string {
	if cfgPassword != "" {
		return cfgPassword
	}
	if s.Secrets == nil {
		return ""
	}
	secret, ok, err := s.Secrets.Get(bareJID)
	if err != nil || !ok {
		return ""
	}
	return string(secret)
}

// AddAccount registers acct and immediately begins connecting. A plaintext
// password in acct is migrated into the secret store and scrubbed from the
// in-memory config copy (spec.md §3's "migrations scrub legacy plaintext").
func (s *Supervisor) AddAccount(acct config.Account) error {
	j, err := stanza.ParseAccountJID(acct.JID)
	if err != nil {
		return xmpperr.Wrap(xmpperr.InvalidJID, acct.JID, err)
	}
	bareJID := j.BareString()

	password := acct.Password
	if password != "" && s.Secrets != nil {
		_ = s.Secrets.Put(bareJID, []byte(password))
		acct.Password = ""
	} else {
		password = s.loadPassword(bareJID, password)
	}

	st := &accountState{
		cfg:      acct,
		security: securityFromConfig(acct.Security),
		rooms:    make(map[string]*Room),
	}

	s.mu.Lock()
	s.accounts[bareJID] = st
	s.mu.Unlock()

	return s.connectAccount(bareJID, password)
}

// RemoveAccount tears down bareJID's connection (if any) and forgets it.
func (s *Supervisor) RemoveAccount(bareJID string) error {
	s.mu.Lock()
	st, ok := s.accounts[bareJID]
	if ok {
		delete(s.accounts, bareJID)
	}
	s.mu.Unlock()
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}

	s.postWait(func() {
		st.manuallyDisconnected = true
		if st.reconnectTimer != nil {
			st.reconnectTimer.Stop()
		}
		if st.cl != nil {
			st.cl.Disconnect()
		}
	})
	return nil
}

func (s *Supervisor) connectAccount(bareJID, password string) error {
	st, ok := s.account(bareJID)
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}

	j, err := stanza.Parse(bareJID)
	if err != nil {
		return xmpperr.Wrap(xmpperr.InvalidJID, bareJID, err)
	}

	s.postWait(func() { s.systemMessage(bareJID, "Connecting…") })
	if log := s.accountLog(bareJID); log != nil {
		log.Info("dialing %s:%d", st.cfg.Server, st.cfg.Port)
	}

	cfg := client.Config{
		Host:     st.cfg.Server,
		Port:     st.cfg.Port,
		Domain:   j.Domain,
		JID:      j,
		Password: password,
		Resource: st.cfg.Resource,
		Security: st.security,
	}

	cl := client.New(cfg)
	cl.Emit = func(ev client.Event) {
		s.post(func() { s.dispatch(bareJID, ev) })
	}

	s.postWait(func() {
		st.cl = cl
		st.manuallyDisconnected = false
	})

	// The dial below blocks for the TCP handshake (and TLS, for direct-TLS
	// accounts); it must run here, off run, so a slow or hung connect on
	// one account never stalls dispatch for the others.
	if err := cl.Connect(context.Background()); err != nil {
		return xmpperr.Wrap(xmpperr.ConnectionFailed, bareJID, err)
	}
	return nil
}

// Reconnect forces a fresh connection attempt for bareJID, resetting the
// backoff counter (spec.md §4.4: "on manual reconnect, counter resets to
// 0").
func (s *Supervisor) Reconnect(bareJID string) error {
	var password string
	ok := s.mutate(bareJID, func(st *accountState) {
		if st.reconnectTimer != nil {
			st.reconnectTimer.Stop()
		}
		st.attempts = 0
		st.manuallyDisconnected = false
		password = s.loadPassword(bareJID, st.cfg.Password)
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return s.connectAccount(bareJID, password)
}

// Disconnect marks bareJID as manually disconnected, suppressing
// auto-reconnect, and tears the connection down.
func (s *Supervisor) Disconnect(bareJID string) error {
	ok := s.mutate(bareJID, func(st *accountState) {
		st.manuallyDisconnected = true
		if st.cl != nil {
			st.cl.Disconnect()
		}
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return nil
}

func (s *Supervisor) scheduleReconnect(bareJID string) {
	st, ok := s.account(bareJID)
	if !ok {
		return
	}
	if st.attempts >= maxReconnectAttempts {
		s.systemMessage(bareJID, "Max reconnection attempts reached")
		return
	}
	st.attempts++
	delay := backoffDelay(st.attempts)
	s.systemMessage(bareJID, fmt.Sprintf("Reconnecting in %ds… (attempt %d/%d)", int(delay.Seconds()), st.attempts, maxReconnectAttempts))
	if log := s.accountLog(bareJID); log != nil {
		log.Info("reconnect attempt %d/%d scheduled in %s", st.attempts, maxReconnectAttempts, delay)
	}

	// AfterFunc already runs this on its own goroutine, not on run, so
	// connectAccount's blocking dial below never stalls dispatch.
	st.reconnectTimer = time.AfterFunc(delay, func() {
		password := s.loadPassword(bareJID, st.cfg.Password)
		_ = s.connectAccount(bareJID, password)
	})
}

// firstRoom returns the bare-JID-keyed Room the Supervisor writes
// connection-lifecycle system messages into: the account's first configured
// MUC room, or a console room named after the account itself if none are
// configured.
func (s *Supervisor) firstRoom(st *accountState, bareJID string) *Room {
	key := bareJID
	name := bareJID
	if len(st.cfg.Rooms) > 0 && st.cfg.Conference != "" {
		key = st.cfg.Rooms[0] + "@" + st.cfg.Conference
		name = st.cfg.Rooms[0]
	}
	return s.getOrCreateRoom(st, key, name, key == bareJID)
}

func (s *Supervisor) getOrCreateRoom(st *accountState, jid, name string, isDM bool) *Room {
	if r, ok := st.rooms[jid]; ok {
		return r
	}
	r := NewRoom(jid, name, isDM)
	st.rooms[jid] = r
	return r
}

func (s *Supervisor) systemMessage(bareJID, text string) {
	st, ok := s.account(bareJID)
	if !ok {
		return
	}
	room := s.firstRoom(st, bareJID)
	msg := ChatMessage{Timestamp: time.Now().UTC(), Body: text, Kind: KindSystem}
	room.AddMessage(msg, false)
	if s.Observer != nil {
		s.Observer.Message(bareJID, room.JID, msg, false)
	}
	if s.Logs != nil {
		_ = s.Logs.Append(bareJID, room.Name, msg)
	}
}

func (s *Supervisor) dispatch(bareJID string, ev client.Event) {
	st, ok := s.account(bareJID)
	if !ok {
		return
	}

	switch ev.Kind {
	case client.EventConnected:
		if s.Observer != nil {
			s.Observer.Connected(bareJID)
		}

	case client.EventAuthenticated:
		st.attempts = 0
		if s.Observer != nil {
			s.Observer.Authenticated(bareJID, ev.BoundJID)
		}
		s.joinConfiguredRooms(st, bareJID)

	case client.EventDisconnected:
		if log := s.accountLog(bareJID); log != nil {
			log.Warn("disconnected: %v", ev.Reason)
		}
		if s.Observer != nil {
			s.Observer.Disconnected(bareJID, ev.Reason)
		}
		s.systemMessage(bareJID, fmt.Sprintf("Disconnected: %v", ev.Reason))
		permanent := st.lastErrorPermanent
		st.lastErrorPermanent = false
		if !st.manuallyDisconnected && !permanent {
			s.scheduleReconnect(bareJID)
		}

	case client.EventError:
		kind := xmpperr.ConnectionFailed
		if xerr, ok := ev.Reason.(*xmpperr.Error); ok {
			kind = xerr.Kind
		}
		st.lastErrorPermanent = kind.Permanent()
		if log := s.accountLog(bareJID); log != nil {
			log.Error("%s: %v", kind, ev.Reason)
		}
		if s.Observer != nil {
			s.Observer.Error(bareJID, kind, fmt.Sprint(ev.Reason))
		}

	case client.EventMessage:
		s.dispatchMessage(st, bareJID, ev)

	case client.EventPresence:
		s.dispatchPresence(st, bareJID, ev)

	case client.EventRoomSubject:
		room := s.getOrCreateRoom(st, ev.RoomJID, ev.RoomJID, false)
		room.Topic = ev.SubjectText
		if s.Observer != nil {
			s.Observer.RoomSubject(bareJID, ev.RoomJID, ev.SubjectText)
		}

	case client.EventRoomList:
		if s.Observer != nil {
			s.Observer.RoomList(bareJID, ev.Service, ev.Items)
		}
	}
}

func (s *Supervisor) joinConfiguredRooms(st *accountState, bareJID string) {
	for _, name := range st.cfg.Rooms {
		roomJID := name + "@" + st.cfg.Conference
		room, existed := st.rooms[roomJID]
		if existed {
			room.ResetForRejoin()
		} else {
			room = s.getOrCreateRoom(st, roomJID, name, false)
		}
		_ = st.cl.JoinRoom(roomJID, st.cfg.Nickname)
	}
}

func (s *Supervisor) dispatchMessage(st *accountState, bareJID string, ev client.Event) {
	m := ev.Message
	var room *Room
	if m.Type == "groupchat" {
		room = s.getOrCreateRoom(st, m.From.BareString(), m.From.BareString(), false)
	} else {
		dmJID := m.From.BareString()
		room, _ = st.rooms[dmJID]
		if room == nil {
			room = s.getOrCreateRoom(st, dmJID, "DM-"+m.From.Local, true)
			s.loadDMHistoryAsync(bareJID, dmJID, room.Name)
		}
	}

	msg := ChatMessage{Timestamp: m.Timestamp, Sender: m.From.Resource, Body: m.Body, Kind: KindChat}
	if msg.Sender == "" {
		msg.Sender = m.From.Local
	}

	if !room.AddMessage(msg, m.IsDelayed) {
		return
	}
	if s.Observer != nil {
		s.Observer.Message(bareJID, room.JID, msg, m.IsDelayed)
	}
	if s.Logs != nil {
		_ = s.Logs.Append(bareJID, room.Name, msg)
	}
}

func (s *Supervisor) loadDMHistoryAsync(bareJID, roomJID, roomName string) {
	if s.Logs == nil {
		return
	}
	go func() {
		history, err := s.Logs.LoadRecentHistory(bareJID, roomName, 7, 100)
		if err != nil {
			return
		}
		s.post(func() {
			st, ok := s.account(bareJID)
			if !ok {
				return
			}
			room, ok := st.rooms[roomJID]
			if !ok {
				return
			}
			room.Messages = append(append([]ChatMessage(nil), history...), room.Messages...)
		})
	}()
}

func (s *Supervisor) dispatchPresence(st *accountState, bareJID string, ev client.Event) {
	p := ev.Presence
	if !p.HasMUCInfo {
		return
	}

	room, existed := st.rooms[p.RoomJID]
	if !existed {
		room = s.getOrCreateRoom(st, p.RoomJID, p.RoomJID, false)
	}
	isSelf := p.MUCInfo.IsSelfPresence

	if p.Unavailable {
		if room.RemoveOccupant(p.Nick) && room.InitialPresenceComplete {
			if s.Observer != nil {
				s.Observer.Presence(bareJID, p.RoomJID, OccupantDelta{Kind: OccupantLeft, Occupant: Occupant{Nick: p.Nick}})
			}
		}
		return
	}

	occ := Occupant{Nick: p.Nick, Affiliation: p.MUCInfo.Affiliation, Role: p.MUCInfo.Role}
	joined, floodCompleted, count := room.UpsertOccupant(occ, isSelf)

	switch {
	case floodCompleted:
		room.SelfNickname = p.Nick
		if s.Observer != nil {
			s.Observer.Presence(bareJID, p.RoomJID, OccupantDelta{Kind: OccupantFloodComplete, Snapshot: room.Occupants()})
		}
		var text string
		if room.Name != "" && room.Name != room.JID {
			text = fmt.Sprintf("Joined #%s (%d users)", room.Name, count)
		} else {
			text = fmt.Sprintf("Joined (%d users)", count)
		}
		s.roomSystemMessage(bareJID, room, text)

	case joined:
		if s.Observer != nil {
			s.Observer.Presence(bareJID, p.RoomJID, OccupantDelta{Kind: OccupantJoined, Occupant: occ})
		}

	default:
		if room.InitialPresenceComplete && s.Observer != nil {
			s.Observer.Presence(bareJID, p.RoomJID, OccupantDelta{Kind: OccupantUpdated, Occupant: occ})
		}
	}
}

func (s *Supervisor) roomSystemMessage(bareJID string, room *Room, text string) {
	msg := ChatMessage{Timestamp: time.Now().UTC(), Body: text, Kind: KindSystem}
	room.AddMessage(msg, false)
	if s.Observer != nil {
		s.Observer.Message(bareJID, room.JID, msg, false)
	}
}

// SendGroupchat sends body to roomJID under bareJID's account. The send
// itself runs on run, serialized against dispatch, same as the rest of the
// account's mutable state.
func (s *Supervisor) SendGroupchat(bareJID, roomJID, body string) error {
	var sendErr error
	ok := s.mutate(bareJID, func(st *accountState) {
		sendErr = st.cl.SendGroupchat(roomJID, body)
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return sendErr
}

// SendDM sends body to peerBareJID, locally echoing it into the DM room.
func (s *Supervisor) SendDM(bareJID, peerBareJID, body string) error {
	var sendErr error
	ok := s.mutate(bareJID, func(st *accountState) {
		if sendErr = st.cl.SendDM(peerBareJID, body); sendErr != nil {
			return
		}
		room, existed := st.rooms[peerBareJID]
		if !existed {
			room = s.getOrCreateRoom(st, peerBareJID, "DM-"+peerBareJID, true)
		}
		msg := ChatMessage{Timestamp: time.Now().UTC(), Sender: st.cfg.Nickname, Body: body, Kind: KindChat}
		room.AddMessage(msg, false)
		if s.Logs != nil {
			_ = s.Logs.Append(bareJID, room.Name, msg)
		}
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return sendErr
}

// JoinRoom joins roomName on bareJID's configured conference service,
// persisting it to the account's room list.
func (s *Supervisor) JoinRoom(bareJID, roomName string) error {
	var joinErr error
	ok := s.mutate(bareJID, func(st *accountState) {
		found := false
		for _, r := range st.cfg.Rooms {
			if r == roomName {
				found = true
				break
			}
		}
		if !found {
			st.cfg.Rooms = append(st.cfg.Rooms, roomName)
		}
		roomJID := roomName + "@" + st.cfg.Conference
		s.getOrCreateRoom(st, roomJID, roomName, false)
		joinErr = st.cl.JoinRoom(roomJID, st.cfg.Nickname)
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return joinErr
}

// LeaveRoom leaves roomJID and drops it from the account's room list.
func (s *Supervisor) LeaveRoom(bareJID, roomJID string) error {
	var leaveErr error
	ok := s.mutate(bareJID, func(st *accountState) {
		if room, ok := st.rooms[roomJID]; ok {
			for i, r := range st.cfg.Rooms {
				if r == room.Name {
					st.cfg.Rooms = append(st.cfg.Rooms[:i], st.cfg.Rooms[i+1:]...)
					break
				}
			}
			delete(st.rooms, roomJID)
		}
		leaveErr = st.cl.LeaveRoom(roomJID, st.cfg.Nickname)
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return leaveErr
}

// BrowseRooms requests the disco#items listing of bareJID's conference
// service; the result arrives as an Observer.RoomList call.
func (s *Supervisor) BrowseRooms(bareJID string) error {
	var browseErr error
	ok := s.mutate(bareJID, func(st *accountState) {
		browseErr = st.cl.BrowseRooms(st.cfg.Conference)
	})
	if !ok {
		return xmpperr.New(xmpperr.NotConnected, "unknown account "+bareJID)
	}
	return browseErr
}
