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

// Package afterq ties a filter pipeline to the after-queue invocation
// convention: the MTA pipes one complete message to the filter's stdin and
// passes the envelope on the command line as
//
//	filter -f <sender> -- <recipient>...
//
// On accept the (possibly rewritten) message is re-injected via a
// sendmail-compatible binary; on reject the reason is logged and the
// process exits with a status the MTA maps to a bounce or defer.
package afterq

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/framework/exterrors"
	"github.com/afterq/afterq/framework/log"
	"github.com/afterq/afterq/internal/filter"
	"github.com/afterq/afterq/internal/mail"
	"github.com/afterq/afterq/internal/target/sendmail"
)

// Exit codes from sysexits.h, the convention Postfix documents for
// content_filter pipes. Any non-zero status prevents delivery; the split
// decides whether the MTA bounces (permanent) or defers (temporary).
const (
	ExitAccept      = 0
	ExitUnavailable = 69 // EX_UNAVAILABLE, permanent reject -> bounce
	ExitTempFail    = 75 // EX_TEMPFAIL, temporary reject -> defer
)

// Run executes the filter against the process's stdin and argv and returns
// the process exit code. The caller is expected to pass it straight to
// os.Exit:
//
//	func main() {
//		f := filter.New()
//		f.AndThen("gate", filter.RequireSender("robot@example.org"))
//		os.Exit(afterq.Run(f))
//	}
func Run(f *filter.Filter) int {
	return run(f, os.Args, os.Stdin)
}

func run(f *filter.Filter, argv []string, stdin io.Reader) int {
	code := ExitAccept

	app := &cli.App{
		Name:            argv[0],
		Usage:           "after-queue mail content filter",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "f",
				Usage:    "envelope sender, as passed by the MTA (may be empty for bounces)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "logging target(s): stderr, stderr_ts, syslog, off or a file path",
				Value: "stderr",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "sendmail",
				Usage: "path of the sendmail binary used for re-injection",
				Value: sendmail.DefaultPath,
			},
		},
		Action: func(c *cli.Context) error {
			code = process(f, c, stdin)
			return nil
		},
	}

	if err := app.Run(argv); err != nil {
		log.Println(err)
		// Never let an argv problem look like an acceptance.
		return ExitTempFail
	}
	return code
}

func process(f *filter.Filter, c *cli.Context, stdin io.Reader) int {
	out, err := LogOutputOption(strings.Split(c.String("log"), " "))
	if err != nil {
		log.Println(err)
		return ExitTempFail
	}
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = c.Bool("debug")

	// One message per invocation; the id correlates all log lines of this
	// run across concurrently running filter processes.
	msgID := uuid.New().String()
	logger := func(name string) log.Logger {
		return log.Logger{
			Out:    out,
			Name:   name,
			Debug:  c.Bool("debug"),
			Fields: map[string]interface{}{"msg_id": msgID},
		}
	}

	var envFrom address.List
	if sender := c.String("f"); sender != "" {
		envFrom = address.FromStrings(sender)
	}
	envTo := address.FromStrings(c.Args().Slice()...)

	m, err := mail.Read(stdin, envFrom, envTo)
	if err != nil {
		var smtpErr *exterrors.SMTPError
		if errors.As(err, &smtpErr) {
			return rejectExit(logger("afterq"), smtpErr)
		}
		// Could not read the input at all. Defer so the MTA retries
		// instead of treating the event as acceptance.
		logger("afterq").Error("unreadable input", err)
		return ExitTempFail
	}
	m.Log = logger("mail")

	f.Log = logger("filter")
	res, err := f.Process(m)
	if err != nil {
		var smtpErr *exterrors.SMTPError
		if !errors.As(err, &smtpErr) {
			smtpErr = exterrors.RejectMalformed(err)
		}
		return rejectExit(logger("afterq"), smtpErr)
	}

	tgt := sendmail.Target{
		Log:  logger("sendmail"),
		Path: c.String("sendmail"),
	}
	exitCode, err := tgt.Inject(res.MailFrom, res.RcptTo, res.Body)
	if err != nil {
		tgt.Log.Error("re-injection failed", err)
		if exitCode < 0 {
			return ExitTempFail
		}
	}
	// The MTA's own exit code is forwarded as ours.
	return exitCode
}

// rejectExit writes the reject reason to the diagnostic stream and picks
// the exit code: 4xx rejects defer, everything else bounces.
func rejectExit(l log.Logger, err *exterrors.SMTPError) int {
	fmt.Fprintln(os.Stderr, err.Response())
	l.Error("reject", err)
	if err.Temporary() {
		return ExitTempFail
	}
	return ExitUnavailable
}

// LogOutputOption builds a log.Output from target names: "stderr",
// "stderr_ts" (with timestamps), "syslog", "off" or a file path to append
// to. Several targets are combined into one output.
func LogOutputOption(targets []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "":
			continue
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			out, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, out)
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %w", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}
