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

package mail

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/internal/disclose"
	"github.com/afterq/afterq/internal/testutils"
)

const sampleMsg = "From: Sender Name <s@y.org>\r\n" +
	"To: a@x.org, b@x.org\r\n" +
	"Cc: Carbon Copy <c@z.org>\r\n" +
	"Subject: test   message\r\n" +
	"User-Agent: testclient/1.0\r\n" +
	"\r\n" +
	"Hello,\r\n" +
	"this is the body. It stays byte-for-byte.\r\n"

func sampleMail(t *testing.T) *Mail {
	t.Helper()

	m, err := FromBytes([]byte(sampleMsg),
		address.FromStrings("s@y.org"),
		address.FromStrings("a@x.org", "b@x.org", "c@z.org"))
	if err != nil {
		t.Fatal(err)
	}
	m.Log = testutils.Logger(t, "mail")
	return m
}

func TestViews(t *testing.T) {
	m := sampleMail(t)

	if from := m.Sender(); !from.Equal(address.FromStrings("s@y.org")) {
		t.Errorf("wrong sender: %v", from)
	}
	rcpts := m.HeaderRecipients()
	if !rcpts.Equal(address.FromStrings("a@x.org", "b@x.org", "c@z.org")) {
		t.Errorf("wrong header recipients: %v", rcpts)
	}
	if rcpts[2].Name != "Carbon Copy" {
		t.Errorf("display name lost: %+v", rcpts[2])
	}
	if d := m.HeaderDomain(); d != "x.org" {
		t.Errorf("wrong header domain: %s", d)
	}
	if d := m.Domain(); d != "x.org" {
		t.Errorf("wrong envelope domain: %s", d)
	}
	if s := m.Subject(); s != "test   message" {
		t.Errorf("wrong subject: %q", s)
	}
	if ua := m.UserAgent(); ua != "testclient/1.0" {
		t.Errorf("wrong user agent: %q", ua)
	}
	if bcc := m.Bcc(); len(bcc) != 0 {
		t.Errorf("unexpected bcc: %v", bcc)
	}
}

func TestUntouchedRoundTrip(t *testing.T) {
	m := sampleMail(t)

	// Force the lazy views to be computed, reading must not mutate.
	m.HeaderRecipients()
	m.Sender()
	m.Subject()

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(serialized, []byte(sampleMsg)) {
		t.Errorf("untouched message did not round-trip\n want %q\n got %q",
			sampleMsg, serialized)
	}
}

func TestMissingFields(t *testing.T) {
	m, err := FromBytes([]byte("X-Something: else\r\n\r\nbody\r\n"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Log = testutils.Logger(t, "mail")

	if from := m.Sender(); len(from) != 0 {
		t.Errorf("expected no sender, got %v", from)
	}
	if rcpts := m.HeaderRecipients(); len(rcpts) != 0 {
		t.Errorf("expected no recipients, got %v", rcpts)
	}
	if d := m.HeaderDomain(); d != "" {
		t.Errorf("expected no header domain, got %q", d)
	}
	if s := m.Subject(); s != "" {
		t.Errorf("expected empty subject, got %q", s)
	}
}

func TestMalformed(t *testing.T) {
	_, err := FromBytes([]byte("no boundary anywhere"), nil, nil)
	if err == nil {
		t.Fatal("expected a malformed-message error")
	}

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected *exterrors.SMTPError, got %T", err)
	}
	if smtpErr.Code != 554 {
		t.Errorf("want code 554, got %d", smtpErr.Code)
	}
}

func TestSetRecipientsOpen(t *testing.T) {
	m := sampleMail(t)
	m.HeaderRecipients() // populate the cache, it must be invalidated

	newRcpts := address.FromStrings("info@other.org", "accounting@mydomain.org")
	m.SetRecipients(newRcpts, disclose.Open())

	if rcpts := m.HeaderRecipients(); !rcpts.Equal(newRcpts) {
		t.Errorf("header recipients not replaced: %v", rcpts)
	}
	if !m.Recipients().Equal(newRcpts) {
		t.Errorf("envelope not replaced: %v", m.Recipients())
	}

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	s := string(serialized)
	if !strings.Contains(s, "To: info@other.org, accounting@mydomain.org") {
		t.Errorf("To field not rewritten:\n%s", s)
	}
	if strings.Contains(s, "Cc:") {
		t.Errorf("Cc field should have been dropped:\n%s", s)
	}
	if !strings.Contains(s, "this is the body. It stays byte-for-byte.") {
		t.Errorf("body lost:\n%s", s)
	}
	// Untouched fields keep their original formatting.
	if !strings.Contains(s, "Subject: test   message") {
		t.Errorf("untouched Subject field was reformatted:\n%s", s)
	}
}

func TestSetRecipientsHidden(t *testing.T) {
	m := sampleMail(t)

	newRcpts := address.FromStrings("a@x.org", "b@x.org")
	m.SetRecipients(newRcpts, disclose.Hidden())

	if rcpts := m.HeaderRecipients(); len(rcpts) != 0 {
		t.Errorf("hidden recipients leaked into the header: %v", rcpts)
	}
	if !m.Recipients().Equal(newRcpts) {
		t.Errorf("envelope not replaced: %v", m.Recipients())
	}

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(serialized), "To: Undisclosed recipients:;") {
		t.Errorf("To field not narrowed:\n%s", serialized)
	}
}

func TestSetRecipientsKeep(t *testing.T) {
	m := sampleMail(t)

	m.SetRecipients(address.FromStrings("archive@x.org"), disclose.Keep())

	if !m.Recipients().Equal(address.FromStrings("archive@x.org")) {
		t.Errorf("envelope not replaced: %v", m.Recipients())
	}

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(serialized, []byte(sampleMsg)) {
		t.Error("Keep disclosure should leave the message bytes untouched")
	}
}

func TestSetRecipientsEmpty(t *testing.T) {
	m := sampleMail(t)

	m.SetRecipients(nil, disclose.Open())

	_, _, err := m.Envelope()
	if err == nil {
		t.Fatal("expected NoRecipients error")
	}
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected *exterrors.SMTPError, got %T", err)
	}
}

func TestEnvelope(t *testing.T) {
	m := sampleMail(t)

	from, to, err := m.Envelope()
	if err != nil {
		t.Fatal(err)
	}
	if from != "s@y.org" {
		t.Errorf("wrong envelope sender: %s", from)
	}
	want := []string{"a@x.org", "b@x.org", "c@z.org"}
	if len(to) != len(want) {
		t.Fatalf("wrong envelope recipients: %v", to)
	}
	for i := range want {
		if to[i] != want[i] {
			t.Errorf("wrong envelope recipient %d: %s", i, to[i])
		}
	}
}

func TestSetHeader(t *testing.T) {
	m := sampleMail(t)
	m.Subject() // populate the cache

	m.SetHeader("Subject", "[filtered] test   message")
	if s := m.Subject(); s != "[filtered] test   message" {
		t.Errorf("subject cache not invalidated: %q", s)
	}

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(serialized), "Subject: [filtered] test   message") {
		t.Errorf("Subject not rewritten:\n%s", serialized)
	}
}

func TestBareLFMessage(t *testing.T) {
	raw := "From: s@y.org\nTo: r@x.org\n\nbody line\n"
	m, err := FromBytes([]byte(raw), nil, address.FromStrings("r@x.org"))
	if err != nil {
		t.Fatal(err)
	}
	m.Log = testutils.Logger(t, "mail")

	if !m.Sender().Equal(address.FromStrings("s@y.org")) {
		t.Errorf("wrong sender: %v", m.Sender())
	}

	serialized, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(serialized, []byte(raw)) {
		t.Errorf("untouched LF message did not round-trip: %q", serialized)
	}
}
