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

package exterrors

import (
	"fmt"
)

// EnhancedCode represents a single SMTP enhanced status code (RFC 3463).
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the reject reason produced by the filter pipeline.
//
// The filter runs after the message was accepted into the queue, so the code
// is never sent on an SMTP connection by this framework itself. It is kept
// in the SMTP numbering scheme because that is what MTA operators and
// bounce messages speak: 4xx rejects are mapped to a defer, 5xx rejects to
// a bounce.
type SMTPError struct {
	// Basic status code.
	Code int
	// Enhanced status code, first digit 4 or 5 matching Code.
	EnhancedCode EnhancedCode
	// Message that is included in the bounce sent to the sender.
	Message string

	// Name of the pipeline stage that produced the reject, for diagnostics.
	StageName string

	// Additional fields for the structured log output.
	Misc map[string]interface{}

	// Underlying error, if any. Not disclosed to the sender.
	Err error

	// Human-readable description of the actual error cause. Unlike Message
	// it is not included in the bounce, only logged.
	Reason string
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Temporary reports whether the reject should be treated as transient,
// making the MTA defer the message instead of bouncing it.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

// Response renders the reject the way it would appear in an SMTP reply,
// e.g. "530 5.7.0 Authentication required". This is the line written to the
// diagnostic stream on reject.
func (err *SMTPError) Response() string {
	return fmt.Sprintf("%d %s %s", err.Code, err.EnhancedCode, err.Message)
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+6)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_ench_code"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.StageName != "" {
		ctx["stage"] = err.StageName
	}
	if err.Err != nil {
		ctx["underlying_err"] = err.Err
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

// RejectUnauthorized is the standard "530 5.7.0 Authentication required"
// reject used by sender gate stages.
func RejectUnauthorized() *SMTPError {
	return &SMTPError{
		Code:         530,
		EnhancedCode: EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
}

// RejectNoRecipients is produced at disclosure-resolution time when the
// recipient set ends up empty. A message cannot be delivered without at
// least one recipient, header-visible or not.
func RejectNoRecipients() *SMTPError {
	return &SMTPError{
		Code:         554,
		EnhancedCode: EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
}

// RejectMalformed wraps a structural parse fault: the input byte stream has
// no locatable header/body boundary. It is still surfaced as a reject
// verdict, never as a crash, so that the MTA gets a defined delivery
// decision.
func RejectMalformed(err error) *SMTPError {
	return &SMTPError{
		Code:         554,
		EnhancedCode: EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
		Err:          err,
	}
}

// Reject builds a custom reject reason. The code should start with either
// 4 (defer) or 5 (bounce); the first digit of the enhanced code is filled
// in from the basic code when left zero.
func Reject(code int, enchCode EnhancedCode, message string) *SMTPError {
	if enchCode[0] == 0 {
		enchCode[0] = code / 100
	}
	return &SMTPError{
		Code:         code,
		EnhancedCode: enchCode,
		Message:      message,
	}
}
