package stanza

import (
	"strings"

	"golang.org/x/text/secure/precis"

	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// maxPartLen is the RFC 6122 length bound on each JID part.
const maxPartLen = 1023

// JID is a parsed XMPP address: localpart@domain/resource.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// String renders the JID back to its wire form.
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Bare returns the localpart@domain form with any resource stripped.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

// BareString is a convenience for Bare().String().
func (j JID) BareString() string {
	return j.Bare().String()
}

func hasControlOrAt(s string, allowAt bool) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
		if !allowAt && r == '@' {
			return true
		}
	}
	return false
}

// validDomain performs a conservative hostname syntax check: dot-separated
// labels of letters, digits and hyphens, no empty labels, no leading or
// trailing hyphen per label.
func validDomain(domain string) bool {
	if domain == "" || len(domain) > maxPartLen {
		return false
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if label == "" {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Parse validates and parses s as a JID per §3's RFC-6122-derived
// constraints, approximated on the localpart with precis.UsernameCaseMapped
// in place of full nodeprep (see DESIGN.md Open Question #1). A bare domain
// with no localpart is accepted, since this also parses stanza "from"/"to"
// addresses and a server or service may legitimately address stanzas from
// its bare domain; ParseAccountJID enforces the stricter Account-JID
// grammar where a localpart is mandatory (see DESIGN.md Open Question #10).
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, xmpperr.New(xmpperr.InvalidJID, "empty JID")
	}

	rest := s
	var resource string
	if idx := strings.Index(rest, "/"); idx >= 0 {
		resource = rest[idx+1:]
		rest = rest[:idx]
		if resource == "" {
			return JID{}, xmpperr.New(xmpperr.InvalidJID, "empty resource after '/'")
		}
		if len(resource) > maxPartLen || hasControlOrAt(resource, true) {
			return JID{}, xmpperr.New(xmpperr.InvalidJID, "invalid resource")
		}
	}

	var local, domain string
	atCount := strings.Count(rest, "@")
	switch atCount {
	case 0:
		domain = rest
	case 1:
		idx := strings.Index(rest, "@")
		local = rest[:idx]
		domain = rest[idx+1:]
		if local == "" {
			return JID{}, xmpperr.New(xmpperr.InvalidJID, "empty localpart before '@'")
		}
		if len(local) > maxPartLen || hasControlOrAt(local, false) {
			return JID{}, xmpperr.New(xmpperr.InvalidJID, "invalid localpart")
		}
		prepped, err := precis.UsernameCaseMapped.String(local)
		if err != nil {
			return JID{}, xmpperr.Wrap(xmpperr.InvalidJID, "localpart fails username profile", err)
		}
		local = prepped
	default:
		return JID{}, xmpperr.New(xmpperr.InvalidJID, "more than one '@'")
	}

	if !validDomain(domain) {
		return JID{}, xmpperr.New(xmpperr.InvalidJID, "invalid domain")
	}

	return JID{Local: local, Domain: domain, Resource: resource}, nil
}

// ParseAccountJID parses s like Parse, additionally requiring a localpart.
// Stanza "from"/"to" addresses may legitimately be a bare domain (a server
// or service speaking for itself), but an Account's configured JID never is
// — §3's Account invariant is "well-formed (localpart@domain...)" — so
// callers that parse a configured Account JID use this instead of Parse.
func ParseAccountJID(s string) (JID, error) {
	j, err := Parse(s)
	if err != nil {
		return JID{}, err
	}
	if j.Local == "" {
		return JID{}, xmpperr.New(xmpperr.InvalidJID, "account JID is missing a localpart")
	}
	return j, nil
}

// MustParse is for use with compile-time-known literals (tests, constants).
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// WithResource returns a copy of the bare JID with the given resource.
func (j JID) WithResource(resource string) JID {
	j.Resource = resource
	return j
}
