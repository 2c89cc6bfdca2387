package stanza

import "strings"

// Stanza is a parsed XML element at or below stream child depth 1. Children
// preserve document order; attribute keys are unique. A Stanza is a tree
// with no upward links — parent navigation is only needed during parsing,
// where the parser keeps the open parents on a stack.
type Stanza struct {
	Name     string
	Space    string
	Attrs    map[string]string
	Children []*Stanza
	Text     string
}

// New creates an empty Stanza for the given local name.
func New(name string) *Stanza {
	return &Stanza{Name: name, Attrs: map[string]string{}}
}

// Attr returns the named attribute value, or "" if absent.
func (s *Stanza) Attr(name string) string {
	if s == nil || s.Attrs == nil {
		return ""
	}
	return s.Attrs[name]
}

// Child returns the first direct child with the given local name, or nil.
func (s *Stanza) Child(name string) *Stanza {
	if s == nil {
		return nil
	}
	for _, c := range s.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all direct children with the given local name.
func (s *Stanza) ChildrenNamed(name string) []*Stanza {
	if s == nil {
		return nil
	}
	var out []*Stanza
	for _, c := range s.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the text of the first child with the given name, or ""
// if no such child exists.
func (s *Stanza) ChildText(name string) string {
	c := s.Child(name)
	if c == nil {
		return ""
	}
	return c.Text
}

// TrimmedText returns Text with surrounding whitespace trimmed.
func (s *Stanza) TrimmedText() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.Text)
}
