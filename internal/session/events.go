package session

import (
	"github.com/xmpbee/xmpbee/internal/xmppcore/disco"
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// OccupantDeltaKind tags the variants of a presence change surfaced to an
// Observer, after initial-flood batching (spec.md §4.4).
type OccupantDeltaKind int

const (
	OccupantJoined OccupantDeltaKind = iota
	OccupantUpdated
	OccupantLeft
	OccupantFloodComplete
)

// OccupantDelta is one room-presence change. Snapshot is populated only on
// OccupantFloodComplete, carrying the atomic post-flood occupant list.
type OccupantDelta struct {
	Kind     OccupantDeltaKind
	Occupant Occupant
	Snapshot []Occupant
}

// Observer is the event interface the core surfaces to its GUI-shell
// collaborator (spec.md §6), one method per public event variant. A
// Supervisor drives exactly one Observer.
type Observer interface {
	Connected(account string)
	Authenticated(account string, boundJID stanza.JID)
	Disconnected(account string, reason error)
	Message(account, room string, msg ChatMessage, isDelayed bool)
	Presence(account, room string, delta OccupantDelta)
	RoomSubject(account, room, text string)
	RoomList(account, service string, items []disco.Item)
	Error(account string, kind xmpperr.Kind, message string)
}

// NopObserver implements Observer with no-op methods; embed it to implement
// only the variants a test or tool cares about.
type NopObserver struct{}

func (NopObserver) Connected(account string)                                     {}
func (NopObserver) Authenticated(account string, boundJID stanza.JID)            {}
func (NopObserver) Disconnected(account string, reason error)                    {}
func (NopObserver) Message(account, room string, msg ChatMessage, isDelayed bool) {}
func (NopObserver) Presence(account, room string, delta OccupantDelta)           {}
func (NopObserver) RoomSubject(account, room, text string)                       {}
func (NopObserver) RoomList(account, service string, items []disco.Item)         {}
func (NopObserver) Error(account string, kind xmpperr.Kind, message string)      {}
