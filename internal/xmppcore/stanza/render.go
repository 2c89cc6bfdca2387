package stanza

import "strings"

// Render serializes s back to XML for transmission. Attribute order is not
// preserved (Attrs is a map); XMPP stanza semantics never depend on
// attribute order, only on the values themselves.
func Render(s *Stanza) string {
	var b strings.Builder
	renderInto(&b, s)
	return b.String()
}

func renderInto(b *strings.Builder, s *Stanza) {
	b.WriteByte('<')
	b.WriteString(s.Name)
	for k, v := range s.Attrs {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(escapeAttr(v))
		b.WriteByte('\'')
	}

	if len(s.Children) == 0 && s.Text == "" {
		b.WriteString("/>")
		return
	}

	b.WriteByte('>')
	if s.Text != "" {
		b.WriteString(escapeText(s.Text))
	}
	for _, c := range s.Children {
		renderInto(b, c)
	}
	b.WriteString("</")
	b.WriteString(s.Name)
	b.WriteByte('>')
}

func escapeAttr(v string) string {
	v = strings.ReplaceAll(v, "&", "&amp;")
	v = strings.ReplaceAll(v, "<", "&lt;")
	v = strings.ReplaceAll(v, "'", "&apos;")
	return v
}

func escapeText(v string) string {
	v = strings.ReplaceAll(v, "&", "&amp;")
	v = strings.ReplaceAll(v, "<", "&lt;")
	v = strings.ReplaceAll(v, ">", "&gt;")
	return v
}
