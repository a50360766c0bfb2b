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

// Package sendmail re-injects the accepted message into the MTA by piping
// it to a sendmail-compatible binary.
package sendmail

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/framework/log"
)

// DefaultPath is where virtually every MTA installs its sendmail
// compatibility interface.
const DefaultPath = "/usr/sbin/sendmail"

type Target struct {
	Log log.Logger

	// Path of the sendmail binary. DefaultPath when empty.
	Path string

	// ExtraArgs are inserted before the envelope arguments, e.g. to select
	// a transport-specific option.
	ExtraArgs []string
}

// Inject hands the serialized message off for delivery.
//
// The binary is invoked as
//
//	sendmail -G -i -f <mailFrom> -- <rcptTo>...
//
// with the message on its stdin. -G marks the submission as a gateway
// relay (no rewriting of the message), -i keeps a lone dot line from
// terminating the input.
//
// The collaborator's exit code is returned so the caller can forward it
// as its own exit status. A failure to even start the binary is reported
// as a temporary error with exit code -1.
func (t *Target) Inject(mailFrom string, rcptTo []string, msg []byte) (int, error) {
	path := t.Path
	if path == "" {
		path = DefaultPath
	}

	args := make([]string, 0, len(t.ExtraArgs)+len(rcptTo)+5)
	args = append(args, "-G", "-i")
	args = append(args, t.ExtraArgs...)
	args = append(args, "-f", mailFrom, "--")
	args = append(args, rcptTo...)

	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewReader(msg)
	cmd.Stdout = t.Log.DebugWriter()
	cmd.Stderr = t.Log

	t.Log.DebugMsg("invoking MTA", "cmd", cmd.String())
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return -1, exterrors.WithTemporary(
				fmt.Errorf("sendmail: %w", err), true)
		}
		// Exit code is forwarded as-is; what it means is between the MTA
		// and its operator.
		return exitErr.ExitCode(), fmt.Errorf("sendmail: %w", err)
	}
	return 0, nil
}
