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

package filter

import (
	"strings"

	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/internal/disclose"
	"github.com/afterq/afterq/internal/mail"
)

// Stock stages covering the decisions most after-queue filters are built
// from. All of them are plain Predicate/Transform values, custom stages
// compose with them freely.

// SenderIs matches messages whose From field contains one of the given
// addresses. Matching is case-insensitive on both mailbox and domain.
func SenderIs(addrs ...string) Predicate {
	allowed := address.FromStrings(addrs...)
	return func(m *mail.Mail) bool {
		for _, from := range m.Sender() {
			if allowed.Contains(from.Address) {
				return true
			}
		}
		return false
	}
}

// EnvelopeSenderIs matches on the envelope sender the MTA reported instead
// of the From field. The From field is trivially forgeable; gates that
// guard a privileged action should prefer this predicate.
func EnvelopeSenderIs(addrs ...string) Predicate {
	allowed := address.FromStrings(addrs...)
	return func(m *mail.Mail) bool {
		for _, from := range m.EnvelopeSender() {
			if allowed.Contains(from.Address) {
				return true
			}
		}
		return false
	}
}

// HeaderDomainIs matches messages whose first header-visible recipient is
// in one of the given domains.
func HeaderDomainIs(domains ...string) Predicate {
	return func(m *mail.Mail) bool {
		d := m.HeaderDomain()
		if d == "" {
			return false
		}
		for _, want := range domains {
			if address.DomainEqual(d, want) {
				return true
			}
		}
		return false
	}
}

// RecipientIs matches messages with the given address among the envelope
// recipients.
func RecipientIs(addr string) Predicate {
	return func(m *mail.Mail) bool {
		return m.Recipients().Contains(addr)
	}
}

// SubjectContains matches messages whose Subject field contains the given
// substring, case-insensitively.
func SubjectContains(substr string) Predicate {
	substr = strings.ToLower(substr)
	return func(m *mail.Mail) bool {
		return strings.Contains(strings.ToLower(m.Subject()), substr)
	}
}

// RejectUnauthorized unconditionally rejects with the standard
// "530 5.7.0 Authentication required" reason. Chain it after a negated
// sender gate, or use it via OrElse on the gate's group.
func RejectUnauthorized() Transform {
	return func(*mail.Mail) error {
		return exterrors.RejectUnauthorized()
	}
}

// RequireSender rejects the message as unauthorized unless its From field
// contains one of the given addresses.
func RequireSender(addrs ...string) Transform {
	allowed := SenderIs(addrs...)
	return func(m *mail.Mail) error {
		if !allowed(m) {
			return exterrors.RejectUnauthorized()
		}
		return nil
	}
}

// SetRecipients replaces the recipient set with the given addresses using
// the given disclosure policy.
func SetRecipients(d disclose.Disclosure, addrs ...string) Transform {
	list := address.FromStrings(addrs...)
	return func(m *mail.Mail) error {
		m.SetRecipients(list, d)
		return nil
	}
}

// PrefixSubject prepends the given tag to the Subject field unless it is
// already present, so that a message passing through the filter twice is
// tagged once.
func PrefixSubject(tag string) Transform {
	return func(m *mail.Mail) error {
		subject := m.Subject()
		if strings.HasPrefix(subject, tag) {
			return nil
		}
		if subject == "" {
			m.SetHeader("Subject", tag)
			return nil
		}
		m.SetHeader("Subject", tag+" "+subject)
		return nil
	}
}

// StampHeader sets a fixed header field, typically used to mark processed
// messages (e.g. "X-Filtered-By").
func StampHeader(key, value string) Transform {
	return func(m *mail.Mail) error {
		m.SetHeader(key, value)
		return nil
	}
}
