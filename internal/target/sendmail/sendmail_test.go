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

//go:build !windows

package sendmail

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/internal/testutils"
)

// fakeSendmail builds a script that records its arguments and stdin and
// exits with the given code.
func fakeSendmail(t *testing.T, exitCode int) (path, argsFile, stdinFile string) {
	t.Helper()

	dir := t.TempDir()
	path = filepath.Join(dir, "sendmail")
	argsFile = filepath.Join(dir, "args")
	stdinFile = filepath.Join(dir, "stdin")

	script := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		"cat > " + stdinFile + "\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, argsFile, stdinFile
}

func TestInject(t *testing.T) {
	path, argsFile, stdinFile := fakeSendmail(t, 0)

	tgt := Target{
		Log:  testutils.Logger(t, "sendmail"),
		Path: path,
	}

	msg := []byte("Subject: hi\r\n\r\nbody\r\n")
	code, err := tgt.Inject("s@y.org", []string{"a@x.org", "b@x.org"}, msg)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("want exit code 0, got %d", code)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := "-G -i -f s@y.org -- a@x.org b@x.org"
	if got := strings.TrimSpace(string(args)); got != want {
		t.Errorf("want args %q, got %q", want, got)
	}

	stdin, err := os.ReadFile(stdinFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(stdin) != string(msg) {
		t.Errorf("message bytes not passed through: %q", stdin)
	}
}

func TestInjectExitCodeForwarded(t *testing.T) {
	path, _, _ := fakeSendmail(t, 3)

	tgt := Target{
		Log:  testutils.Logger(t, "sendmail"),
		Path: path,
	}

	code, err := tgt.Inject("s@y.org", []string{"a@x.org"}, []byte("\r\nx"))
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
	if code != 3 {
		t.Errorf("want exit code 3, got %d", code)
	}
}

func TestInjectMissingBinary(t *testing.T) {
	tgt := Target{
		Log:  testutils.Logger(t, "sendmail"),
		Path: filepath.Join(t.TempDir(), "does-not-exist"),
	}

	code, err := tgt.Inject("s@y.org", []string{"a@x.org"}, []byte("\r\nx"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if code != -1 {
		t.Errorf("want exit code -1, got %d", code)
	}
	if !exterrors.IsTemporary(err) {
		t.Error("a missing binary should be a temporary failure")
	}
}
