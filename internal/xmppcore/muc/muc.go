// Package muc builds and parses the XEP-0045 presence stanzas the Protocol
// Client needs for joining/leaving a room and for extracting occupant
// affiliation/role from an incoming presence. Room/Occupant state itself
// lives in internal/session, which is the caller of these helpers.
package muc

import (
	"fmt"

	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
)

const (
	// NSMuc is the base MUC namespace used in a join presence's <x/> child.
	NSMuc = "http://jabber.org/protocol/muc"
	// NSMucUser is the namespace a MUC server uses to annotate presence
	// with affiliation/role/status-code information.
	NSMucUser = "http://jabber.org/protocol/muc#user"

	// DefaultHistoryMaxStanzas bounds the join-time history replay.
	DefaultHistoryMaxStanzas = 50

	// StatusCodeSelfPresence is the <status/> code a MUC service includes
	// on presence that reflects the requester's own occupancy.
	StatusCodeSelfPresence = "110"
)

// Affiliation is a MUC membership class, independent of current privilege.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationNone    Affiliation = "none"
	AffiliationOutcast Affiliation = "outcast"
)

// Role is a MUC occupant's current in-room privilege.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// affiliationRank and roleRank give the sort weight used by the occupant
// ordering invariant (affiliation, role, lowercase nick); lower sorts first,
// matching the display convention of listing owners/moderators ahead of
// plain members.
var affiliationRank = map[Affiliation]int{
	AffiliationOwner:   0,
	AffiliationAdmin:   1,
	AffiliationMember:  2,
	AffiliationNone:    3,
	AffiliationOutcast: 4,
}

var roleRank = map[Role]int{
	RoleModerator:   0,
	RoleParticipant: 1,
	RoleVisitor:     2,
	RoleNone:        3,
}

// AffiliationRank returns the sort weight for a, defaulting to the weight
// of AffiliationNone for anything unrecognized.
func AffiliationRank(a Affiliation) int {
	if r, ok := affiliationRank[a]; ok {
		return r
	}
	return affiliationRank[AffiliationNone]
}

// RoleRank returns the sort weight for r, defaulting to the weight of
// RoleNone for anything unrecognized.
func RoleRank(r Role) int {
	if v, ok := roleRank[r]; ok {
		return v
	}
	return roleRank[RoleNone]
}

// JoinPresence builds the presence stanza that requests entry to roomJID
// under nick, with up to maxHistory history stanzas replayed.
func JoinPresence(roomJID, nick string, maxHistory int) *stanza.Stanza {
	if maxHistory <= 0 {
		maxHistory = DefaultHistoryMaxStanzas
	}
	p := stanza.New("presence")
	p.Attrs["to"] = roomJID + "/" + nick

	x := stanza.New("x")
	x.Attrs["xmlns"] = NSMuc
	history := stanza.New("history")
	history.Attrs["maxstanzas"] = fmt.Sprintf("%d", maxHistory)
	x.Children = append(x.Children, history)

	p.Children = append(p.Children, x)
	return p
}

// LeavePresence builds the presence stanza that leaves roomJID.
func LeavePresence(roomJID, nick string) *stanza.Stanza {
	p := stanza.New("presence")
	p.Attrs["to"] = roomJID + "/" + nick
	p.Attrs["type"] = "unavailable"
	return p
}

// UserInfo is the parsed <x xmlns='...#user'> payload of a MUC presence.
type UserInfo struct {
	Affiliation    Affiliation
	Role           Role
	IsSelfPresence bool
}

// ParseUserInfo extracts affiliation/role/self-presence from a presence
// stanza's muc#user child, if present. ok is false if the stanza carries no
// such child at all (a plain, non-MUC presence).
func ParseUserInfo(p *stanza.Stanza) (UserInfo, bool) {
	var x *stanza.Stanza
	for _, c := range p.ChildrenNamed("x") {
		if c.Space == NSMucUser {
			x = c
			break
		}
	}
	if x == nil {
		return UserInfo{}, false
	}

	info := UserInfo{Role: RoleNone, Affiliation: AffiliationNone}
	if item := x.Child("item"); item != nil {
		if a := item.Attr("affiliation"); a != "" {
			info.Affiliation = Affiliation(a)
		}
		if r := item.Attr("role"); r != "" {
			info.Role = Role(r)
		}
	}
	for _, s := range x.ChildrenNamed("status") {
		if s.Attr("code") == StatusCodeSelfPresence {
			info.IsSelfPresence = true
		}
	}
	return info, true
}
