package session

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xmpbee/xmpbee/internal/config"
	"github.com/xmpbee/xmpbee/internal/xmppcore/client"
	"github.com/xmpbee/xmpbee/internal/xmppcore/disco"
	"github.com/xmpbee/xmpbee/internal/xmppcore/muc"
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// recordingObserver captures every callback for assertions.
type recordingObserver struct {
	NopObserver
	messages  []string
	presences []OccupantDelta
	errors    []xmpperr.Kind
	roomLists [][]disco.Item
}

func (r *recordingObserver) Message(account, room string, msg ChatMessage, isDelayed bool) {
	r.messages = append(r.messages, msg.Body)
}

func (r *recordingObserver) Presence(account, room string, delta OccupantDelta) {
	r.presences = append(r.presences, delta)
}

func (r *recordingObserver) Error(account string, kind xmpperr.Kind, message string) {
	r.errors = append(r.errors, kind)
}

func (r *recordingObserver) RoomList(account, service string, items []disco.Item) {
	r.roomLists = append(r.roomLists, items)
}

func newTestSupervisor(obs Observer) (*Supervisor, *accountState) {
	s := &Supervisor{
		Observer: obs,
		tasks:    make(chan func(), 16),
		done:     make(chan struct{}),
		accounts: make(map[string]*accountState),
	}
	st := &accountState{
		cfg:   config.Account{Nickname: "alice"},
		rooms: make(map[string]*Room),
	}
	s.accounts["alice@example.org"] = st
	return s, st
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 32 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSecurityFromConfig(t *testing.T) {
	cases := []struct {
		in   config.SecurityMode
		want client.SecurityMode
	}{
		{config.SecurityRequireTLS, client.RequireTLS},
		{config.SecurityOpportunistic, client.OpportunisticTLS},
		{config.SecurityDirectTLS, client.DirectTLS},
		{"", client.RequireTLS},
	}
	for _, tc := range cases {
		if got := securityFromConfig(tc.in); got != tc.want {
			t.Errorf("securityFromConfig(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAddAccountRejectsDomainOnlyJID(t *testing.T) {
	s := &Supervisor{}
	err := s.AddAccount(config.Account{JID: "example.org", Server: "example.org"})
	if err == nil {
		t.Fatal("expected AddAccount to reject a domain-only account JID")
	}
}

// TestJoinRoomSerializesAgainstDispatch exercises a real Supervisor (with
// its run goroutine started by NewSupervisor, not the bare-struct
// newTestSupervisor helper) and calls JoinRoom from many goroutines while
// dispatch is concurrently posted for the same account. JoinRoom and
// dispatch both touch accountState.rooms; under -race this only stays
// clean because both now run serialized through postWait/post rather than
// on whichever goroutine happened to call them.
func TestJoinRoomSerializesAgainstDispatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s := NewSupervisor(&recordingObserver{}, nil, nil, nil)
	defer s.Close()

	if err := s.AddAccount(config.Account{
		JID:        "alice@example.org",
		Server:     addr.IP.String(),
		Port:       addr.Port,
		Nickname:   "alice",
		Conference: "muc.example.org",
		Security:   config.SecurityOpportunistic,
	}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.JoinRoom("alice@example.org", fmt.Sprintf("room%d", i))
		}()
		go func() {
			defer wg.Done()
			s.post(func() {
				s.dispatch("alice@example.org", client.Event{
					Kind:        client.EventRoomSubject,
					RoomJID:     "room@muc.example.org",
					SubjectText: "topic",
				})
			})
		}()
	}
	wg.Wait()
}

func TestDispatchGroupchatMessageCreatesRoomAndNotifies(t *testing.T) {
	obs := &recordingObserver{}
	s, st := newTestSupervisor(obs)

	from, _ := stanza.Parse("room@muc.example.org/bob")
	s.dispatch("alice@example.org", client.Event{
		Kind: client.EventMessage,
		Message: &client.ChatMessage{
			From: from,
			Body: "hello room",
			Type: "groupchat",
		},
	})

	if len(obs.messages) != 1 || obs.messages[0] != "hello room" {
		t.Fatalf("messages = %v", obs.messages)
	}
	if _, ok := st.rooms["room@muc.example.org"]; !ok {
		t.Fatal("expected room to be created")
	}
}

func TestDispatchPresenceFloodCompletionEmitsSnapshot(t *testing.T) {
	obs := &recordingObserver{}
	s, st := newTestSupervisor(obs)
	// Mirrors joinConfiguredRooms, which is what gives a room its friendly
	// name ahead of any presence arriving for it.
	st.rooms["room@muc.example.org"] = NewRoom("room@muc.example.org", "room", false)

	selfPresence := &client.PresenceUpdate{
		HasMUCInfo: true,
		MUCInfo:    muc.UserInfo{Affiliation: muc.AffiliationOwner, Role: muc.RoleModerator, IsSelfPresence: true},
		RoomJID:    "room@muc.example.org",
		Nick:       "alice",
	}
	otherPresence := &client.PresenceUpdate{
		HasMUCInfo: true,
		MUCInfo:    muc.UserInfo{Affiliation: muc.AffiliationMember, Role: muc.RoleParticipant},
		RoomJID:    "room@muc.example.org",
		Nick:       "bob",
	}

	s.dispatch("alice@example.org", client.Event{Kind: client.EventPresence, Presence: otherPresence})
	if len(obs.presences) != 0 {
		t.Fatalf("expected no presence callbacks before flood completion, got %v", obs.presences)
	}

	s.dispatch("alice@example.org", client.Event{Kind: client.EventPresence, Presence: selfPresence})

	var sawFlood bool
	for _, d := range obs.presences {
		if d.Kind == OccupantFloodComplete {
			sawFlood = true
			if len(d.Snapshot) != 2 {
				t.Fatalf("flood snapshot has %d occupants, want 2", len(d.Snapshot))
			}
		}
	}
	if !sawFlood {
		t.Fatal("expected an OccupantFloodComplete delta")
	}

	var sawSystemMessage bool
	for _, m := range obs.messages {
		if m == "Joined #room (2 users)" {
			sawSystemMessage = true
		}
	}
	if !sawSystemMessage {
		t.Fatalf("expected a join system message, got %v", obs.messages)
	}
}

func TestDispatchErrorTracksPermanence(t *testing.T) {
	obs := &recordingObserver{}
	s, st := newTestSupervisor(obs)

	s.dispatch("alice@example.org", client.Event{
		Kind:   client.EventError,
		Reason: xmpperr.New(xmpperr.AuthenticationFailed, "bad password"),
	})

	if !st.lastErrorPermanent {
		t.Fatal("expected AuthenticationFailed to be tracked as permanent")
	}
	if len(obs.errors) != 1 || obs.errors[0] != xmpperr.AuthenticationFailed {
		t.Fatalf("errors = %v", obs.errors)
	}
}

func TestDispatchRoomSubjectUpdatesTopic(t *testing.T) {
	obs := &recordingObserver{}
	s, st := newTestSupervisor(obs)

	s.dispatch("alice@example.org", client.Event{
		Kind:        client.EventRoomSubject,
		RoomJID:     "room@muc.example.org",
		SubjectText: "new topic",
	})

	room, ok := st.rooms["room@muc.example.org"]
	if !ok || room.Topic != "new topic" {
		t.Fatalf("expected room topic to be set, rooms=%v", st.rooms)
	}
}

func TestDispatchRoomListForwardsItems(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := newTestSupervisor(obs)

	items := []disco.Item{{JID: "a@muc.example.org", Name: "A"}}
	s.dispatch("alice@example.org", client.Event{Kind: client.EventRoomList, Service: "muc.example.org", Items: items})

	if len(obs.roomLists) != 1 || len(obs.roomLists[0]) != 1 || obs.roomLists[0][0].JID != "a@muc.example.org" {
		t.Fatalf("roomLists = %v", obs.roomLists)
	}
}
