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
	"reflect"
	"testing"
)

func TestParseList(t *testing.T) {
	test := func(raw string, expected List) {
		t.Helper()

		actual := ParseList(raw)
		if len(actual) == 0 && len(expected) == 0 {
			return
		}
		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("%q: wrong result\n want %+v\n got %+v", raw, expected, actual)
		}
	}

	test("", nil)
	test("   ", nil)
	test("a@example.org", List{{Address: "a@example.org"}})
	test("<a@example.org>", List{{Address: "a@example.org"}})
	test("a@example.org, b@example.org", List{
		{Address: "a@example.org"},
		{Address: "b@example.org"},
	})
	test("A <a@example.org>, B <b@example.org>", List{
		{Address: "a@example.org", Name: "A"},
		{Address: "b@example.org", Name: "B"},
	})
	test(`"Last, First" <a@example.org>`, List{
		{Address: "a@example.org", Name: "Last, First"},
	})

	// Group syntax is flattened into member addresses.
	test("friends:a@example.org,b@example.org;", List{
		{Address: "a@example.org"},
		{Address: "b@example.org"},
	})
	test("undisclosed-recipients:;", nil)

	// Malformed entries are skipped, not fatal.
	test("a@example.org, <malformed", List{{Address: "a@example.org"}})
	test("not-an-address, b@example.org", List{{Address: "b@example.org"}})
	test("<totally broken", nil)
}

func TestListRoundTrip(t *testing.T) {
	test := func(l List) {
		t.Helper()

		reparsed := ParseList(l.Format())
		if !reflect.DeepEqual(reparsed, l) {
			t.Errorf("round-trip mismatch\n want %+v\n got %+v\n via %q", l, reparsed, l.Format())
		}
	}

	test(List{{Address: "a@example.org"}})
	test(List{{Address: "a@example.org", Name: "Plain Name"}})
	test(List{
		{Address: "a@example.org", Name: "Last, First"},
		{Address: "b@example.org"},
	})
	test(List{{Address: "a@example.org", Name: `Q"uote`}})
	test(List{
		{Address: "info@other.org"},
		{Address: "accounting@mydomain.org"},
	})
}

func TestListFormat(t *testing.T) {
	test := func(l List, expected string) {
		t.Helper()

		if actual := l.Format(); actual != expected {
			t.Errorf("want %q, got %q", expected, actual)
		}
	}

	test(nil, "")
	test(List{{Address: "a@example.org"}}, "a@example.org")
	test(List{
		{Address: "a@example.org", Name: "A Person"},
		{Address: "b@example.org"},
	}, `A Person <a@example.org>, b@example.org`)
	test(List{{Address: "a@example.org", Name: "Last, First"}},
		`"Last, First" <a@example.org>`)
}

func TestListContains(t *testing.T) {
	l := List{
		{Address: "a@example.org"},
		{Address: "B@example.org", Name: "B"},
	}

	if !l.Contains("a@example.org") {
		t.Error("Contains(a@example.org) == false")
	}
	if !l.Contains("b@EXAMPLE.org") {
		t.Error("Contains(b@EXAMPLE.org) == false, matching should be case-insensitive")
	}
	if l.Contains("c@example.org") {
		t.Error("Contains(c@example.org) == true")
	}
}

func TestListEqual(t *testing.T) {
	test := func(l1, l2 List, wantEq bool) {
		t.Helper()

		if eq := l1.Equal(l2); eq != wantEq {
			t.Errorf("Want %v.Equal(%v) == %v, got %v", l1, l2, wantEq, eq)
		}
	}

	test(nil, nil, true)
	test(FromStrings("a@example.org"), FromStrings("A@EXAMPLE.org"), true)
	test(FromStrings("a@example.org"), FromStrings("b@example.org"), false)
	test(FromStrings("a@example.org", "b@example.org"),
		FromStrings("b@example.org", "a@example.org"), false)
	test(List{{Address: "a@example.org", Name: "Name Here"}},
		FromStrings("a@example.org"), true)
}
