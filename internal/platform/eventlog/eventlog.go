// Package eventlog carries the append-only audit trail of command outcomes to
// one or more sinks.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Event is one audited command outcome.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Outcome   string            `json:"outcome"`
	Actor     string            `json:"actor"`
	SessionID string            `json:"session_id,omitempty"`
	PatientID string            `json:"patient_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Error     string            `json:"error,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// Sink appends events. Implementations must not reorder events from a
// single caller.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggerSink writes events as structured log lines.
type LoggerSink struct {
	logger zerolog.Logger
}

func NewLoggerSink(logger zerolog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LoggerSink) Append(_ context.Context, e Event) error {
	ev := s.logger.Info().
		Str("event_id", e.ID).
		Str("type", e.Type).
		Str("outcome", e.Outcome).
		Str("actor", e.Actor).
		Time("at", e.At)
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	if e.PatientID != "" {
		ev = ev.Str("patient_id", e.PatientID)
	}
	if e.Subject != "" {
		ev = ev.Str("subject", e.Subject)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	for k, v := range e.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit")
	return nil
}
