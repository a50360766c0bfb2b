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

package address

import (
	"strings"

	emmail "github.com/emersion/go-message/mail"
)

// Address is a single mailbox specification with an optional display name.
//
// Address is an immutable value type. Two addresses are considered
// equivalent when Equal reports their mailbox specifications as
// equivalent, the display name does not participate in matching.
type Address struct {
	// Mailbox specification ("local@domain"). Original casing is
	// preserved, use Equal or ForLookup for comparisons.
	Address string
	// Display name as it should appear in the rewritten header field.
	// May be empty.
	Name string
}

// Domain returns the domain part of the mailbox specification or an empty
// string if there is none (e.g. for the special postmaster address).
func (a Address) Domain() string {
	_, domain, err := Split(a.Address)
	if err != nil {
		return ""
	}
	return domain
}

// Equal reports whether both addresses refer to the same mailbox.
// Display names are ignored.
func (a Address) Equal(other Address) bool {
	return Equal(a.Address, other.Address)
}

// String renders the address in the form used inside header fields:
// `"Display Name" <addr>` when a display name is present and bare addr
// otherwise. Display names containing specials are quoted, non-ASCII names
// are encoded per RFC 2047.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	em := emmail.Address{Name: a.Name, Address: a.Address}
	return em.String()
}

// List is an ordered sequence of addresses. The order is significant since
// it is preserved when the list is serialized back into a header field.
type List []Address

// FromStrings builds a List from bare mailbox specifications, e.g. from
// envelope recipient arguments. No parsing or validation is done.
func FromStrings(addrs ...string) List {
	if len(addrs) == 0 {
		return nil
	}
	l := make(List, 0, len(addrs))
	for _, a := range addrs {
		l = append(l, Address{Address: a})
	}
	return l
}

// ParseList parses a raw address-list header field value (To, Cc, Bcc, From,
// Reply-To).
//
// Parsing is deliberately permissive: the message was already accepted by
// the MTA and must not be dropped for parser strictness alone. Entries that
// cannot be parsed are skipped, a syntactically empty input yields an empty
// list. RFC 5322 groups are flattened into their member addresses, so an
// empty group ("undisclosed-recipients:;") contributes nothing.
func ParseList(raw string) List {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if parsed, err := parseEntry(raw); err == nil {
		return parsed
	}

	// The field as a whole does not parse. Retry entry-by-entry so that a
	// single malformed mailbox does not hide the valid ones.
	var list List
	for _, ent := range splitEntries(raw) {
		ent = strings.TrimSpace(ent)
		if ent == "" {
			continue
		}
		parsed, err := parseEntry(ent)
		if err != nil {
			continue
		}
		list = append(list, parsed...)
	}
	return list
}

func parseEntry(raw string) (List, error) {
	var h emmail.Header
	h.Set("To", raw)
	parsed, err := h.AddressList("To")
	if err != nil {
		return nil, err
	}

	list := make(List, 0, len(parsed))
	for _, em := range parsed {
		list = append(list, Address{Address: em.Address, Name: em.Name})
	}
	return list, nil
}

// splitEntries splits the field value on top-level commas, i.e. commas not
// inside a quoted string or an angle-addr.
func splitEntries(raw string) []string {
	var (
		entries []string
		cur     strings.Builder
		quoted  bool
		escaped bool
		inAddr  bool
	)
	for _, ch := range raw {
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && quoted:
			escaped = true
		case ch == '"':
			quoted = !quoted
		case quoted:
		case ch == '<':
			inAddr = true
		case ch == '>':
			inAddr = false
		case ch == ',' && !inAddr:
			entries = append(entries, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(ch)
	}
	entries = append(entries, cur.String())
	return entries
}

// Format renders the list as a header field value with entries joined by
// ", ". ParseList(l.Format()) is semantically equivalent to l for any list
// produced by this framework.
func (l List) Format() string {
	parts := make([]string, 0, len(l))
	for _, a := range l {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// Addresses returns the bare mailbox specifications, in order. This is the
// form the envelope recipient arguments are built from.
func (l List) Addresses() []string {
	addrs := make([]string, 0, len(l))
	for _, a := range l {
		addrs = append(addrs, a.Address)
	}
	return addrs
}

// Contains reports whether the list has an entry equivalent to addr.
func (l List) Contains(addr string) bool {
	for _, a := range l {
		if Equal(a.Address, addr) {
			return true
		}
	}
	return false
}

// Equal reports whether both lists contain equivalent addresses in the same
// order. Display names are ignored, as in Address.Equal.
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if !l[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// String implements log.LogFormatter-friendly output for diagnostics.
func (l List) String() string {
	return l.Format()
}
