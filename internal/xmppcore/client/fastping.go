package client

import (
	"strings"
)

const (
	fastPingMaxInput    = 4096
	fastPingMaxAttrLen  = 512
)

// tryFastPathPong scans raw for a server-origin XEP-0199 ping
// (<iq type='get' ...><ping xmlns='urn:xmpp:ping'/></iq>) using only string
// scanning, no regex and no XML parsing, and if found returns the bytes of
// a <iq type='result'/> pong ready to write directly back to the socket.
// ok is false whenever the fast path can't confidently handle raw — too
// large, malformed, not a ping, or an attribute value containing '<'/'>' —
// in which case the caller must fall through to the normal parser so
// nothing is ever silently dropped.
func tryFastPathPong(raw []byte) (pong []byte, ok bool) {
	if len(raw) == 0 || len(raw) > fastPingMaxInput {
		return nil, false
	}
	s := string(raw)

	iqStart := strings.Index(s, "<iq")
	if iqStart < 0 {
		return nil, false
	}
	iqTagEnd := indexByteFrom(s, iqStart, '>')
	if iqTagEnd < 0 {
		return nil, false
	}
	iqTag := s[iqStart:iqTagEnd]

	if !strings.Contains(s, "xmlns='urn:xmpp:ping'") && !strings.Contains(s, `xmlns="urn:xmpp:ping"`) {
		return nil, false
	}

	typ, ok1 := scanAttr(iqTag, "type")
	if !ok1 || typ != "get" {
		return nil, false
	}

	id, idOK := scanAttr(iqTag, "id")
	if !idOK || id == "" {
		return nil, false
	}
	from, _ := scanAttr(iqTag, "from") // optional

	// A ping IQ has no meaningful content beyond the empty <ping/> child;
	// require the tag to close (self-closing or with a matching </iq>)
	// reasonably soon after, otherwise this might not be a simple ping.
	closeIdx := strings.Index(s[iqTagEnd:], "</iq>")
	selfClosing := strings.HasSuffix(strings.TrimSpace(iqTag), "/")
	if !selfClosing && closeIdx < 0 {
		return nil, false
	}

	var b strings.Builder
	b.WriteString(`<iq type='result' id='`)
	b.WriteString(xmlEscapeAttr(id))
	b.WriteString(`'`)
	if from != "" {
		b.WriteString(` to='`)
		b.WriteString(xmlEscapeAttr(from))
		b.WriteString(`'`)
	}
	b.WriteString(`/>`)
	return []byte(b.String()), true
}

// scanAttr extracts the value of attr='...' or attr="..." from within tag
// (the raw text between "<iq" and its closing '>', inclusive of "<iq").
// Returns ok=false if absent, unterminated, too long, or containing '<'/'>'.
func scanAttr(tag, attr string) (string, bool) {
	needle := attr + "="
	idx := strings.Index(tag, needle)
	if idx < 0 {
		return "", false
	}
	pos := idx + len(needle)
	if pos >= len(tag) {
		return "", false
	}
	quote := tag[pos]
	if quote != '\'' && quote != '"' {
		return "", false
	}
	pos++
	end := indexByteFrom(tag, pos, quote)
	if end < 0 {
		return "", false
	}
	val := tag[pos:end]
	if len(val) > fastPingMaxAttrLen {
		return "", false
	}
	if strings.ContainsAny(val, "<>") {
		return "", false
	}
	return val, true
}

func indexByteFrom(s string, from int, b byte) int {
	if from < 0 || from > len(s) {
		return -1
	}
	idx := strings.IndexByte(s[from:], b)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// xmlEscapeAttr escapes the minimum set of characters required inside a
// single-quoted XML attribute value. scanAttr has already rejected any
// value containing '<' or '>', so only '&' and '\'' remain to handle.
func xmlEscapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
