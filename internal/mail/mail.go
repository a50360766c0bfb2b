/*
afterq - a framework for after-queue mail content filters.
Copyright © 2023 afterq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mail implements the representation of the one message a filter
// invocation processes.
//
// The message is kept as close to the received bytes as possible: the
// header is parsed into a textproto.Header which preserves the raw bytes
// of every field it does not touch, and the body is an opaque blob that is
// never re-parsed or re-encoded. Structured views (sender, recipients,
// subject) are computed lazily on first access and cached; replacing the
// recipient set invalidates the recipient caches only.
package mail

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/framework/buffer"
	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/framework/log"
	"github.com/afterq/afterq/internal/disclose"
)

// Mail is the single message processed by one filter invocation.
//
// It is constructed once from the input stream, mutated zero or more times
// by pipeline stages and consumed exactly once: either serialized for
// re-injection or discarded on reject. The pipeline owns the value
// exclusively for the duration of processing; Mail is not goroutine-safe.
type Mail struct {
	Log log.Logger

	header textproto.Header
	// Original header block bytes, including the blank separator line.
	// Emitted verbatim while no field was mutated (and always when the
	// header block could not be parsed), so an untouched message
	// round-trips byte-for-byte.
	rawHeader []byte
	headerOK  bool
	mutated   bool
	body      buffer.Buffer

	envFrom address.List
	envTo   address.List

	// Lazily computed views over the header.
	hdrTo     *address.List
	hdrCc     *address.List
	hdrBcc    *address.List
	hdrSender *address.List
	subject   *string
	userAgent *string
}

// Read consumes the whole input stream and constructs a Mail from it.
//
// envFrom and envTo are the envelope sender and recipients the MTA passed
// on the command line. A read failure is returned as-is (the caller treats
// it as unrecoverable); an input with no locatable header/body boundary
// fails with a MalformedMessage reject error.
func Read(r io.Reader, envFrom, envTo address.List) (*Mail, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("mail: read input: %w", err)
	}
	return FromBytes(blob, envFrom, envTo)
}

// FromBytes constructs a Mail from the complete raw message bytes.
//
// Header parsing is best-effort: a header block that does not parse leaves
// the structured views empty instead of failing, because a filter must
// still be able to reject or pass through a message it cannot fully
// understand. Only a byte stream with no header/body boundary at all is
// rejected as malformed.
func FromBytes(blob []byte, envFrom, envTo address.List) (*Mail, error) {
	headerBytes, bodyBytes, ok := splitMessage(blob)
	if !ok {
		return nil, exterrors.RejectMalformed(errors.New("mail: no header/body boundary"))
	}

	m := &Mail{
		rawHeader: headerBytes,
		body:      buffer.MemoryBuffer{Slice: bodyBytes},
		envFrom:   envFrom,
		envTo:     envTo,
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(headerBytes)))
	if err != nil && !errors.Is(err, io.EOF) {
		// Keep the message processable: the original header bytes are
		// serialized verbatim and all fields surface as absent.
		m.Log.Error("header parse failed, structured views disabled", err)
		return m, nil
	}
	m.header = hdr
	m.headerOK = true
	return m, nil
}

// splitMessage locates the header/body boundary: the first empty line,
// in either CRLF or bare-LF form. The boundary line belongs to the header
// part so that the header block stays parseable on its own.
func splitMessage(blob []byte) (header, body []byte, ok bool) {
	crlf := bytes.Index(blob, []byte("\r\n\r\n"))
	lf := bytes.Index(blob, []byte("\n\n"))

	switch {
	case crlf == -1 && lf == -1:
		return nil, nil, false
	case crlf == -1 || (lf != -1 && lf < crlf):
		return blob[:lf+2], blob[lf+2:], true
	default:
		return blob[:crlf+4], blob[crlf+4:], true
	}
}

func (m *Mail) parsed() bool {
	return m.headerOK
}

// Header exposes the parsed header for transform stages. The zero Header
// is returned when the header block could not be parsed.
func (m *Mail) Header() *textproto.Header {
	return &m.header
}

// Body returns the message body blob. Stages may read it; it is never
// modified.
func (m *Mail) Body() buffer.Buffer {
	return m.body
}

func (m *Mail) fieldValue(key string) string {
	if !m.parsed() {
		return ""
	}
	return m.header.Get(key)
}

func (m *Mail) addrField(cache **address.List, key string) address.List {
	if *cache != nil {
		m.Log.DebugMsg("cached header view", "field", key, "value", **cache)
		return **cache
	}

	list := address.ParseList(m.fieldValue(key))
	*cache = &list
	m.Log.DebugMsg("parsed header view", "field", key, "value", list)
	return list
}

// HeaderRecipients returns the header-visible recipients: the To and Cc
// fields concatenated, in field order. These are NOT necessarily the
// envelope recipients, see Recipients.
func (m *Mail) HeaderRecipients() address.List {
	to := m.addrField(&m.hdrTo, "To")
	cc := m.addrField(&m.hdrCc, "Cc")
	if len(cc) == 0 {
		return to
	}
	res := make(address.List, 0, len(to)+len(cc))
	res = append(res, to...)
	return append(res, cc...)
}

// Cc returns the addresses of the Cc field.
func (m *Mail) Cc() address.List {
	return m.addrField(&m.hdrCc, "Cc")
}

// Bcc returns the addresses of the Bcc field. Normally empty since the
// submission agent strips it, but a misbehaving one may leave it in.
func (m *Mail) Bcc() address.List {
	return m.addrField(&m.hdrBcc, "Bcc")
}

// Sender returns the addresses of the From field. Zero, one or several
// entries; use EnvelopeSender for the address the MTA reported.
func (m *Mail) Sender() address.List {
	return m.addrField(&m.hdrSender, "From")
}

// Subject returns the Subject field value or an empty string.
func (m *Mail) Subject() string {
	if m.subject == nil {
		v := m.fieldValue("Subject")
		m.subject = &v
	}
	return *m.subject
}

// UserAgent returns the User-Agent field value or an empty string.
func (m *Mail) UserAgent() string {
	if m.userAgent == nil {
		v := m.fieldValue("User-Agent")
		m.userAgent = &v
	}
	return *m.userAgent
}

// HeaderDomain returns the domain of the first header-visible recipient or
// an empty string if there is none.
func (m *Mail) HeaderDomain() string {
	rcpts := m.HeaderRecipients()
	if len(rcpts) == 0 {
		return ""
	}
	return rcpts[0].Domain()
}

// Recipients returns the envelope recipient list: who actually receives
// the message, regardless of what the header fields say.
func (m *Mail) Recipients() address.List {
	return m.envTo
}

// EnvelopeSender returns the envelope sender list as passed by the MTA.
func (m *Mail) EnvelopeSender() address.List {
	return m.envFrom
}

// Domain returns the domain of the first envelope recipient or an empty
// string if there is none.
func (m *Mail) Domain() string {
	if len(m.envTo) == 0 {
		return ""
	}
	return m.envTo[0].Domain()
}

// SetHeader replaces the value of a single header field, adding the field
// if it is not present. Cached views derived from that field are
// invalidated. No-op when the header block could not be parsed.
func (m *Mail) SetHeader(key, value string) {
	if !m.parsed() {
		m.Log.Msg("cannot rewrite field of unparseable header", "field", key)
		return
	}

	m.header.Set(key, value)
	m.mutated = true
	switch strings.ToLower(key) {
	case "to":
		m.hdrTo = nil
	case "cc":
		m.hdrCc = nil
	case "bcc":
		m.hdrBcc = nil
	case "from":
		m.hdrSender = nil
	case "subject":
		m.subject = nil
	case "user-agent":
		m.userAgent = nil
	}
}

// SetRecipients replaces both the envelope recipient list and the
// header-visible recipient set, the latter according to the disclosure
// policy. Previously cached recipient views are invalidated.
//
// An empty list is recorded but not written to the header; it surfaces as
// a NoRecipients reject when the envelope is resolved.
func (m *Mail) SetRecipients(list address.List, d disclose.Disclosure) {
	m.envTo = list
	m.hdrTo = nil
	m.hdrCc = nil
	m.hdrBcc = nil

	if len(list) == 0 {
		m.Log.Msg("recipient set emptied, will fail at envelope resolution")
		return
	}

	res, err := disclose.Resolve(d, list, m.senderAddress())
	if err != nil {
		// Unreachable for a non-empty list, but do not guess if the
		// engine refuses.
		m.Log.Error("disclosure resolution failed", err)
		return
	}
	m.envTo = res.Envelope

	if !res.ReplaceTo {
		return
	}
	if !m.parsed() {
		m.Log.Msg("cannot rewrite recipients of unparseable header, envelope replaced only")
		return
	}

	m.header.Set("To", res.ToValue)
	m.header.Del("Cc")
	m.header.Del("Bcc")
	m.mutated = true
	m.Log.DebugMsg("recipients replaced", "to", res.ToValue, "envelope", res.Envelope)
}

// senderAddress picks the address used by the Sender disclosure mode:
// the From field if usable, the envelope sender otherwise, with a noreply
// fallback so the rendered field is never empty.
func (m *Mail) senderAddress() string {
	if from := m.Sender(); len(from) != 0 {
		return from[0].Address
	}
	if len(m.envFrom) != 0 {
		return m.envFrom[0].Address
	}
	return "noreply@localhost"
}

// Envelope resolves the final envelope for re-injection. It fails with
// NoRecipients when the recipient set ended up empty.
func (m *Mail) Envelope() (from string, to []string, err error) {
	if len(m.envTo) == 0 {
		return "", nil, exterrors.RejectNoRecipients()
	}
	// An empty envelope sender is valid: it is the null reverse-path used
	// by bounces.
	if len(m.envFrom) != 0 {
		from = m.envFrom[0].Address
	}
	return from, m.envTo.Addresses(), nil
}

// WriteTo serializes the message: header fields not touched by any
// mutation are copied unchanged, including the original formatting;
// mutated fields are re-rendered; the body is copied byte-for-byte.
func (m *Mail) WriteTo(w io.Writer) error {
	if !m.parsed() || !m.mutated {
		if _, err := w.Write(m.rawHeader); err != nil {
			return fmt.Errorf("mail: write header: %w", err)
		}
	} else if err := textproto.WriteHeader(w, m.header); err != nil {
		return fmt.Errorf("mail: write header: %w", err)
	}

	body, err := m.body.Open()
	if err != nil {
		return fmt.Errorf("mail: open body: %w", err)
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("mail: write body: %w", err)
	}
	return nil
}

// Bytes serializes the message into a byte slice. See WriteTo.
func (m *Mail) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(m.body.Len() + 2048)
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
