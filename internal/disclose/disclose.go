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

// Package disclose implements the recipient disclosure engine: given the
// new recipient list and a disclosure policy it decides what the recipient
// header fields of the rendered message say versus what the SMTP envelope
// recipient list is.
//
// One filter invocation renders one message and injects it once with one
// envelope recipient list. Hiding recipients is therefore realized by
// making the header fields narrower than the envelope, not by generating
// one copy per recipient. Per-recipient fan-out is out of scope.
package disclose

import (
	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/framework/exterrors"
)

type Mode int8

const (
	// ModeOpen rewrites the To field to the full new recipient list.
	// Every recipient sees every other recipient and can reply-all.
	ModeOpen Mode = iota

	// ModeHidden rewrites the To field to an empty RFC 5322 group
	// ("Undisclosed recipients:;"). The actual recipients are present
	// only in the envelope, giving blind-copy semantics for all of them.
	ModeHidden

	// ModeKeep leaves the recipient header fields exactly as they were in
	// the incoming message while still replacing the envelope. Useful for
	// alias/forwarding stages that should be invisible to the reader.
	ModeKeep

	// ModeSender rewrites the To field to the message's own sender
	// address, the way newsletters commonly do.
	ModeSender
)

// DefaultHiddenName is the group display name used by Hidden when no
// name is configured.
const DefaultHiddenName = "Undisclosed recipients"

// Disclosure is the policy attached to a recipient set replacement.
type Disclosure struct {
	Mode Mode

	// Name is the display name shown in the To field for the Hidden and
	// Sender modes.
	Name string
}

func Open() Disclosure {
	return Disclosure{Mode: ModeOpen}
}

func Hidden() Disclosure {
	return Disclosure{Mode: ModeHidden, Name: DefaultHiddenName}
}

func HiddenAs(name string) Disclosure {
	return Disclosure{Mode: ModeHidden, Name: name}
}

func Keep() Disclosure {
	return Disclosure{Mode: ModeKeep}
}

func AsSender(name string) Disclosure {
	return Disclosure{Mode: ModeSender, Name: name}
}

// Resolution is the outcome of resolving a disclosure policy against a
// recipient list.
type Resolution struct {
	// ReplaceTo indicates that the To field must be rewritten to ToValue
	// and the Cc and Bcc fields dropped so that the header-visible
	// recipient set matches the policy exactly. When false the recipient
	// fields are left untouched (ModeKeep).
	ReplaceTo bool
	ToValue   string

	// Envelope is the SMTP envelope recipient list, i.e. who actually
	// receives the message.
	Envelope address.List
}

// Resolve computes the header/envelope split for the given policy.
//
// senderAddr is the address used by ModeSender; the caller is expected to
// pass its best guess (From field, envelope sender or a noreply fallback).
//
// An empty recipient list fails with a NoRecipients reject: a message
// cannot be delivered without at least one recipient, header-visible or
// not.
func Resolve(d Disclosure, rcpts address.List, senderAddr string) (Resolution, error) {
	if len(rcpts) == 0 {
		return Resolution{}, exterrors.RejectNoRecipients()
	}

	res := Resolution{Envelope: rcpts}
	switch d.Mode {
	case ModeOpen:
		res.ReplaceTo = true
		res.ToValue = rcpts.Format()
	case ModeHidden:
		name := d.Name
		if name == "" {
			name = DefaultHiddenName
		}
		res.ReplaceTo = true
		res.ToValue = name + ":;"
	case ModeKeep:
		// Header stays as-is, only the envelope changes.
	case ModeSender:
		res.ReplaceTo = true
		res.ToValue = address.Address{Name: d.Name, Address: senderAddr}.String()
	}
	return res, nil
}
