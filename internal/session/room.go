package session

import (
	"sort"
	"strings"
	"time"

	"github.com/xmpbee/xmpbee/internal/xmppcore/muc"
)

// ChatMessageKind classifies one rendered line in a Room, per spec.md §3.
type ChatMessageKind string

const (
	KindChat   ChatMessageKind = "chat"
	KindAction ChatMessageKind = "action"
	KindJoin   ChatMessageKind = "join"
	KindPart   ChatMessageKind = "part"
	KindQuit   ChatMessageKind = "quit"
	KindTopic  ChatMessageKind = "topic"
	KindSystem ChatMessageKind = "system"
)

// ChatMessage is one immutable rendered line, either received or locally
// echoed.
type ChatMessage struct {
	Timestamp time.Time
	Sender    string
	Body      string
	Kind      ChatMessageKind
}

// Occupant is a user present in a Room. Identity is the nick; ordering is
// (affiliation, role, lowercase nick).
type Occupant struct {
	Nick        string
	Affiliation muc.Affiliation
	Role        muc.Role
}

func sortOccupants(occs []Occupant) {
	sort.SliceStable(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		if ra, rb := muc.AffiliationRank(a.Affiliation), muc.AffiliationRank(b.Affiliation); ra != rb {
			return ra < rb
		}
		if ra, rb := muc.RoleRank(a.Role), muc.RoleRank(b.Role); ra != rb {
			return ra < rb
		}
		return strings.ToLower(a.Nick) < strings.ToLower(b.Nick)
	})
}

func insertSorted(occs []Occupant, o Occupant) []Occupant {
	occs = append(occs, o)
	sortOccupants(occs)
	return occs
}

// Room is a MUC conversation or a 1:1 DM.
type Room struct {
	JID          string // bare JID
	Name         string
	Topic        string
	IsDM         bool
	SelfNickname string
	Unread       int

	HasDisplayedTopic       bool
	InitialPresenceComplete bool

	Messages []ChatMessage

	occupants        []Occupant
	pendingOccupants []Occupant
}

// NewRoom creates a Room for jid. DM rooms start with InitialPresenceComplete
// true since there is no occupant flood to wait for.
func NewRoom(jid, name string, isDM bool) *Room {
	return &Room{
		JID:                     jid,
		Name:                    name,
		IsDM:                    isDM,
		InitialPresenceComplete: isDM,
	}
}

// Occupants returns the current sorted occupant snapshot. Empty while the
// initial presence flood is still in progress (invariant 4).
func (r *Room) Occupants() []Occupant {
	return r.occupants
}

// ResetForRejoin clears occupant state ahead of a rejoin presence, per
// spec.md §4.4's room-rejoin rule. Messages are preserved.
func (r *Room) ResetForRejoin() {
	r.InitialPresenceComplete = false
	r.occupants = nil
	r.pendingOccupants = nil
}

func (r *Room) findOccupant(nick string) int {
	for i, o := range r.occupants {
		if o.Nick == nick {
			return i
		}
	}
	return -1
}

func (r *Room) upsertPending(o Occupant) {
	for i, p := range r.pendingOccupants {
		if p.Nick == o.Nick {
			r.pendingOccupants[i] = o
			return
		}
	}
	r.pendingOccupants = append(r.pendingOccupants, o)
}

// UpsertOccupant records an available presence for o. While the initial
// presence flood is still in progress, the occupant accumulates silently in
// pendingOccupants (invariant 4) unless isSelf, which completes the flood.
// Returns (joined, floodJustCompleted, occupantCount).
func (r *Room) UpsertOccupant(o Occupant, isSelf bool) (joined, floodCompleted bool, count int) {
	if !r.InitialPresenceComplete {
		r.upsertPending(o)
		if !isSelf {
			return false, false, 0
		}
		r.occupants = append([]Occupant(nil), r.pendingOccupants...)
		sortOccupants(r.occupants)
		r.pendingOccupants = nil
		r.InitialPresenceComplete = true
		return false, true, len(r.occupants)
	}

	if i := r.findOccupant(o.Nick); i >= 0 {
		r.occupants[i] = o
		sortOccupants(r.occupants)
		return false, false, len(r.occupants)
	}
	r.occupants = insertSorted(r.occupants, o)
	return true, false, len(r.occupants)
}

// RemoveOccupant drops nick from the occupant set, reporting whether it was
// present (i.e. whether a part event should fire).
func (r *Room) RemoveOccupant(nick string) bool {
	if i := r.findOccupant(nick); i >= 0 {
		r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
		return true
	}
	return false
}

// AddMessage appends msg, applying the history-replay dedup rule
// (invariant 5): a delayed message is dropped if an existing message from
// the same sender with the same body already sits within 2 seconds of it.
// Reports whether the message was actually appended.
func (r *Room) AddMessage(msg ChatMessage, isDelayed bool) bool {
	if isDelayed && r.hasRecentDuplicate(msg) {
		return false
	}
	r.Messages = append(r.Messages, msg)
	return true
}

func (r *Room) hasRecentDuplicate(msg ChatMessage) bool {
	for _, m := range r.Messages {
		if m.Sender != msg.Sender || m.Body != msg.Body {
			continue
		}
		diff := msg.Timestamp.Sub(m.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff < 2*time.Second {
			return true
		}
	}
	return false
}
