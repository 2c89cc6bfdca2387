// Package xmlstream implements the push-style incremental XML parser
// described in the Protocol Client's component design: it consumes bytes
// from the Transport and emits Stanzas delimited by document depth, with an
// in-place recovery policy for malformed fragments so a parse error never
// tears down the underlying TCP connection.
//
// encoding/xml.Decoder is pull-based and ties namespace scope to the whole
// decoder's lifetime, which doesn't compose directly with a connection that
// stays open for hours. Instead of keeping one long-lived Decoder, each Feed
// call re-decodes a small synthetic document: a constant stream-root header
// (the same one the mid-stream recovery procedure injects) followed by
// whatever bytes have arrived since the last fully-consumed top-level
// stanza. This keeps namespace prefixes ("stream:features" etc.) resolvable
// without retaining the connection's entire byte history, and it means the
// normal path and the recovery path share one mechanism.
package xmlstream

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"sync"

	"github.com/xmpbee/xmpbee/internal/xmppcore/stanza"
	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

const maxConsecutiveRecoveries = 3

const syntheticStreamHeader = `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`

// EventKind tags the variants the Parser emits.
type EventKind int

const (
	EventStreamOpened EventKind = iota
	EventFeatures
	EventStanza
	EventStreamClosed
	EventFatalParseError
)

// Event is one parser output. At most one of Attrs/Stanza/Err is populated,
// depending on Kind; an EventStreamClosed for the peer's own stream close
// carries none.
type Event struct {
	Kind   EventKind
	Attrs  map[string]string // EventStreamOpened
	Stanza *stanza.Stanza    // EventFeatures, EventStanza
	Err    error             // EventFatalParseError, EventStreamClosed (on recovery exhaustion)
}

// Parser consumes bytes fed via Feed and emits Events via the Emit callback,
// synchronously and in call order, from within the goroutine that calls
// Feed. Close and ResetForNewStream may be called from another goroutine; a
// mutex serializes all entry points.
type Parser struct {
	Emit func(Event)

	mu sync.Mutex

	bootstrapped bool   // true once the real <stream:stream> from the peer has been seen
	bootstrapBuf []byte // raw bytes accumulated before bootstrap completes
	tail         []byte // unconsumed bytes after the last fully-closed top-level stanza
	recoveries   int
	closed       bool
}

// New creates a Parser ready to receive the peer's opening <stream:stream>.
func New() *Parser {
	return &Parser{}
}

// ResetForNewStream discards all buffered state so the next Feed call
// expects a fresh <stream:stream> document — used after STARTTLS and after
// successful SASL, both of which restart the XML document on the same TCP
// connection (§4.3).
func (p *Parser) ResetForNewStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bootstrapped = false
	p.bootstrapBuf = nil
	p.tail = nil
	p.recoveries = 0
}

// stripXMLDeclarations removes any "<?xml ... ?>" processing instruction
// appearing anywhere in buf, not just at position 0 — servers legally emit
// a fresh declaration after STARTTLS, which is invalid mid-document XML but
// permitted by XMPP (§4.2, §8). An incomplete trailing declaration is left
// for the next Feed call to complete.
func stripXMLDeclarations(buf []byte) []byte {
	for {
		idx := bytes.Index(buf, []byte("<?xml"))
		if idx < 0 {
			return buf
		}
		end := bytes.Index(buf[idx:], []byte("?>"))
		if end < 0 {
			return buf[:idx]
		}
		out := make([]byte, 0, len(buf)-(end+2))
		out = append(out, buf[:idx]...)
		out = append(out, buf[idx+end+2:]...)
		buf = out
	}
}

// Feed delivers the next chunk of bytes read off the wire.
func (p *Parser) Feed(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	buf := stripXMLDeclarations(raw)
	if len(buf) == 0 {
		return
	}

	if !p.bootstrapped {
		p.feedBootstrap(buf)
		return
	}

	p.tail = append(p.tail, buf...)
	p.drainTail()
}

// feedBootstrap accumulates bytes until the peer's real <stream:stream ...>
// open tag can be fully parsed, then emits EventStreamOpened with its actual
// attributes and switches into steady-state (synthetic-rewrap) mode.
func (p *Parser) feedBootstrap(buf []byte) {
	p.bootstrapBuf = append(p.bootstrapBuf, buf...)

	dec := xml.NewDecoder(bytes.NewReader(p.bootstrapBuf))
	tok, err := dec.Token()
	if err != nil {
		if isIncompleteErr(err) {
			return // wait for more bytes
		}
		p.Emit(Event{Kind: EventFatalParseError, Err: xmpperr.Wrap(xmpperr.FatalParseError, "parse error before stream open", err)})
		return
	}

	start, ok := tok.(xml.StartElement)
	if !ok {
		// Leading char data/whitespace before the root element; drop it and
		// wait for the actual element.
		p.bootstrapBuf = p.bootstrapBuf[dec.InputOffset():]
		return
	}

	attrs := map[string]string{}
	for _, a := range start.Attr {
		attrs[a.Name.Local] = a.Value
	}

	p.bootstrapped = true
	offset := dec.InputOffset()
	p.tail = append([]byte{}, p.bootstrapBuf[offset:]...)
	p.bootstrapBuf = nil

	p.Emit(Event{Kind: EventStreamOpened, Attrs: attrs})

	p.drainTail()
}

// isIncompleteErr reports whether err means "not enough bytes yet" rather
// than a genuine syntax error. encoding/xml surfaces a mid-token EOF from
// its underlying reader either as io.EOF/io.ErrUnexpectedEOF directly or as
// an *xml.SyntaxError whose message mentions "unexpected EOF" depending on
// where in the grammar the cut happened, so both forms are checked.
func isIncompleteErr(err error) bool {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	return strings.Contains(err.Error(), "unexpected EOF")
}

// drainTail re-decodes syntheticStreamHeader+tail, emitting every top-level
// stanza it can fully parse, and leaves whatever remains unconsumed in tail.
func (p *Parser) drainTail() {
	for {
		if len(p.tail) == 0 {
			return
		}

		combined := make([]byte, 0, len(syntheticStreamHeader)+len(p.tail))
		combined = append(combined, syntheticStreamHeader...)
		combined = append(combined, p.tail...)

		consumed, stop := p.decodeOnce(combined, len(syntheticStreamHeader))
		p.tail = p.tail[consumed:]
		if stop {
			return
		}
	}
}

// decodeOnce decodes combined (header+tail) from the start, skipping the
// synthetic header's own StartElement, and returns how many bytes of the
// *tail* portion were consumed, plus whether drainTail should stop looping.
// stop is false after one complete top-level stanza was emitted or a
// malformed fragment was skipped (drainTail then decodes what is left of the
// tail); it is true when the tail holds only an incomplete fragment, the
// stream closed, or recovery discarded the buffer.
func (p *Parser) decodeOnce(combined []byte, headerLen int) (consumedTail int, stop bool) {
	dec := xml.NewDecoder(bytes.NewReader(combined))

	// Skip the synthetic header's StartElement.
	if _, err := dec.Token(); err != nil {
		return 0, true
	}

	depth := 1
	var stack []*stanza.Stanza
	lastConsumedOffset := int64(headerLen)

	for {
		tok, err := dec.Token()
		if err != nil {
			if isIncompleteErr(err) {
				return int(lastConsumedOffset) - headerLen, true
			}
			return p.recoverFromError(err, dec.InputOffset(), headerLen)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			node := &stanza.Stanza{Name: t.Name.Local, Space: t.Name.Space, Attrs: map[string]string{}}
			for _, a := range t.Attr {
				node.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)

		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Text += string(t)
			}

		case xml.EndElement:
			if depth == 1 {
				// </stream:stream> on the *synthetic* header never occurs
				// in real traffic at this level since the header has no
				// matching close in `combined` until the peer itself closes
				// the real stream; treat it as a genuine stream close.
				p.Emit(Event{Kind: EventStreamClosed})
				return len(combined) - headerLen, true
			}

			var finished *stanza.Stanza
			if len(stack) > 0 {
				finished = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
			depth--

			if depth == 1 && finished != nil {
				p.recoveries = 0
				lastConsumedOffset = dec.InputOffset()
				if finished.Name == "features" {
					p.Emit(Event{Kind: EventFeatures, Stanza: finished})
				} else {
					p.Emit(Event{Kind: EventStanza, Stanza: finished})
				}
				return int(lastConsumedOffset) - headerLen, false
			}
		}
	}
}

// recoverFromError implements the mid-stream recovery policy: tear down the
// malformed fragment only (per §4.2, "discarding whatever partial stanza
// was in flight"), keeping any well-formed bytes that happened to arrive
// right after it in the same chunk, and keep going — unless the recovery
// budget is exhausted, in which case everything buffered is dropped and the
// stream is treated as closed.
//
// errOffset is the decoder's InputOffset() at the moment Token() failed.
// Our own depth/stack tracking is never mutated by a token that errored
// before being returned, so resuming at errOffset with a fresh decode pass
// is always consistent with "we were at top level" — exactly where a
// recovery leaves us.
func (p *Parser) recoverFromError(cause error, errOffset int64, headerLen int) (consumedTail int, stop bool) {
	p.recoveries++
	if p.recoveries > maxConsecutiveRecoveries {
		p.Emit(Event{Kind: EventStreamClosed, Err: xmpperr.Wrap(xmpperr.StreamError, "parser recovery budget exhausted", cause)})
		p.tail = nil
		return 0, true
	}

	drop := int(errOffset) - headerLen
	if drop <= 0 {
		// Can't localize the bad fragment; discard everything buffered and
		// wait for more bytes rather than spin with no progress.
		p.tail = nil
		return 0, true
	}
	return drop, false
}

// Close tears down the parser. Subsequent Feed calls are no-ops.
func (p *Parser) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.bootstrapBuf = nil
	p.tail = nil
}
