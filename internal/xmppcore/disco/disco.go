// Package disco builds and parses the XEP-0030 disco#items IQ the Protocol
// Client uses for room listing.
package disco

import (
	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
)

// NSItems is the disco#items query namespace.
const NSItems = "http://jabber.org/protocol/disco#items"

// Item is one (jid, name) pair from a disco#items result.
type Item struct {
	JID  string
	Name string
}

// ItemsQuery builds the <iq type='get'> requesting to's item list.
func ItemsQuery(id, to string) *stanza.Stanza {
	iq := stanza.New("iq")
	iq.Attrs["type"] = "get"
	iq.Attrs["id"] = id
	iq.Attrs["to"] = to

	query := stanza.New("query")
	query.Attrs["xmlns"] = NSItems
	iq.Children = append(iq.Children, query)
	return iq
}

// ParseItems extracts the (jid, name) pairs from a disco#items result IQ's
// <query/> child. It returns nil if the IQ carries no such query.
func ParseItems(iq *stanza.Stanza) []Item {
	query := iq.Child("query")
	if query == nil {
		return nil
	}
	var items []Item
	for _, it := range query.ChildrenNamed("item") {
		items = append(items, Item{JID: it.Attr("jid"), Name: it.Attr("name")})
	}
	return items
}
