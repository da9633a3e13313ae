// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"fmt"

	"github.com/creachadair/tern/peers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity is the importance of a Report.
type Severity int8

const (
	SeverityDebug Severity = iota // routine drops, e.g., sends to departed peers
	SeverityInfo                  // connection lifecycle
	SeverityWarn                  // rejected payloads
	SeverityError                 // failing listeners and handlers
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity:%d", int8(s))
	}
}

func (s Severity) level() zerolog.Level {
	switch s {
	case SeverityDebug:
		return zerolog.DebugLevel
	case SeverityInfo:
		return zerolog.InfoLevel
	case SeverityWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// A Report describes a dropped message, a rejected payload, or another
// condition that is not returned to any caller.
type Report struct {
	Severity Severity
	Channel  string   // the channel concerned, if any
	Peer     peers.ID // the remote peer concerned, if any
	Detail   string   // a human-readable summary
	Err      error    // the underlying error, if any
}

// A Reporter receives reports. Reporters are called synchronously from the
// goroutine that observed the condition, and must be safe for concurrent
// use.
type Reporter interface {
	Report(Report)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Report)

// Report implements the Reporter interface.
func (f ReporterFunc) Report(r Report) { f(r) }

// LogReporter returns a Reporter that writes reports to lg.
func LogReporter(lg zerolog.Logger) Reporter { return logReporter{lg: &lg} }

type logReporter struct {
	lg *zerolog.Logger // if nil, use the global logger
}

func (r logReporter) Report(rep Report) {
	lg := r.lg
	if lg == nil {
		lg = &log.Logger
	}
	ev := lg.WithLevel(rep.Severity.level())
	if rep.Channel != "" {
		ev = ev.Str("channel", rep.Channel)
	}
	if rep.Peer != "" {
		ev = ev.Str("peer", string(rep.Peer))
	}
	if rep.Err != nil {
		ev = ev.Err(rep.Err)
	}
	ev.Msg(rep.Detail)
}

// defaultReporter logs to the global zerolog logger.
var defaultReporter Reporter = logReporter{}
