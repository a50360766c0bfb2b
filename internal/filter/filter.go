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

// Package filter implements the decision pipeline a content filter is
// built from.
//
// A pipeline is an ordered sequence of stages chained at setup time.
// Predicate stages gate whether the transform stages of their conditional
// group run at all; transform stages mutate the message and may reject it.
// Execution is strictly sequential and single-pass: each stage observes
// exactly the message state the previous stage produced.
package filter

import (
	"errors"
	"strconv"

	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/framework/log"
	"github.com/afterq/afterq/internal/mail"
)

// Predicate inspects the message and decides whether the transform stages
// of its conditional group should run. It must not mutate the message.
type Predicate func(m *mail.Mail) bool

// Transform mutates the message. A non-nil error rejects the message
// immediately; no stage registered after it runs.
type Transform func(m *mail.Mail) error

type stageKind int8

const (
	stagePredicate stageKind = iota
	stageTransform
	stageOrElse
)

type stage struct {
	kind stageKind
	name string
	pred Predicate
	tr   Transform
}

// Filter is the pipeline definition. It is built once via the chaining
// combinators and may then be used for any number of independent Process
// calls; stages must not retain mutable state across runs.
type Filter struct {
	Log log.Logger

	stages []stage
}

func New() *Filter {
	return &Filter{Log: log.Logger{Name: "filter"}}
}

// Filter appends a predicate stage, starting a new conditional group.
//
// When the predicate returns false, the AndThen and Map stages chained
// after it are skipped up to the next Filter call, which starts a fresh
// group. A false predicate never alters the message and never rejects it
// on its own.
func (f *Filter) Filter(name string, p Predicate) *Filter {
	f.stages = append(f.stages, stage{kind: stagePredicate, name: name, pred: p})
	return f
}

// AndThen appends a transform stage to the current conditional group. It
// runs only if the group's predicate passed (or there is no predicate
// before it). A returned error rejects the message immediately.
func (f *Filter) AndThen(name string, t Transform) *Filter {
	f.stages = append(f.stages, stage{kind: stageTransform, name: name, tr: t})
	return f
}

// Map appends an infallible transform stage to the current conditional
// group.
func (f *Filter) Map(name string, fn func(m *mail.Mail)) *Filter {
	return f.AndThen(name, func(m *mail.Mail) error {
		fn(m)
		return nil
	})
}

// OrElse appends a transform stage that runs only when the current group's
// predicate failed. Like AndThen, a returned error rejects the message.
func (f *Filter) OrElse(name string, t Transform) *Filter {
	f.stages = append(f.stages, stage{kind: stageOrElse, name: name, tr: t})
	return f
}

// Result is the accept outcome of Process: the serialized message and the
// envelope to re-inject it with.
type Result struct {
	Body     []byte
	MailFrom string
	RcptTo   []string
}

// Process runs the pipeline against the message to a verdict.
//
// On accept it resolves the final envelope (failing with a NoRecipients
// reject when the recipient set ended up empty) and serializes the
// message. On reject it returns the *exterrors.SMTPError reject reason.
func (f *Filter) Process(m *mail.Mail) (*Result, error) {
	if err := f.run(m); err != nil {
		f.Log.Error("message rejected", err)
		return nil, err
	}

	from, to, err := m.Envelope()
	if err != nil {
		f.Log.Error("envelope resolution failed", err)
		return nil, err
	}

	body, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	f.Log.DebugMsg("message accepted", "mail_from", from, "rcpt_to", to)
	return &Result{Body: body, MailFrom: from, RcptTo: to}, nil
}

func (f *Filter) run(m *mail.Mail) error {
	groupFailed := false
	for i, st := range f.stages {
		switch st.kind {
		case stagePredicate:
			groupFailed = !st.pred(m)
			f.Log.DebugMsg("predicate evaluated",
				"stage", f.stageName(i, st), "passed", !groupFailed)
		case stageTransform:
			if groupFailed {
				f.Log.DebugMsg("stage skipped", "stage", f.stageName(i, st))
				continue
			}
			if err := st.tr(m); err != nil {
				return f.reject(i, st, err)
			}
			f.Log.DebugMsg("stage done", "stage", f.stageName(i, st))
		case stageOrElse:
			if !groupFailed {
				f.Log.DebugMsg("stage skipped", "stage", f.stageName(i, st))
				continue
			}
			if err := st.tr(m); err != nil {
				return f.reject(i, st, err)
			}
			f.Log.DebugMsg("stage done", "stage", f.stageName(i, st))
		}
	}
	return nil
}

func (f *Filter) stageName(i int, st stage) string {
	if st.name != "" {
		return st.name
	}
	return "stage " + strconv.Itoa(i+1)
}

// reject normalizes a transform error into a reject reason. Errors that
// are not already an SMTPError become a generic permanent reject with the
// original error attached for the log.
func (f *Filter) reject(i int, st stage, err error) error {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.StageName == "" {
			smtpErr.StageName = f.stageName(i, st)
		}
		return smtpErr
	}
	return &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "Rejected by content filter",
		StageName:    f.stageName(i, st),
		Err:          err,
	}
}
