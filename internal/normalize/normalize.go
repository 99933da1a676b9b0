// Package normalize converts provider-specific event records into the
// canonical model.NormalizedEvent shape and rejects malformed records at
// the boundary instead of coercing them.
package normalize

import (
	"fmt"
	"time"

	"calsync/internal/model"
)

// RawEvent is the provider-facing boundary type. Source adapters fill it
// from whatever wire shape their provider uses; only the normalizer turns
// it into a canonical event.
type RawEvent struct {
	// UID is the provider's identifier for this occurrence. For recurring
	// events it must already be instance-qualified by the adapter.
	UID string

	Summary string

	Start time.Time
	// End is required. A zero End means the provider gave no
	// distinguishable end time; such records are rejected, never defaulted
	// to a guessed duration.
	End time.Time

	// DateOnly is true when the provider marked the entry as a full-day /
	// date-only record (e.g. an ICS DTSTART with VALUE=DATE). It is the
	// only thing that makes an event all-day: duration is never used as a
	// heuristic.
	DateOnly bool
}

// MalformedEventError reports a raw record that violated the canonical
// event invariants and was rejected at normalization.
type MalformedEventError struct {
	UID    string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %s", e.UID, e.Reason)
}

// Normalize converts one raw provider record into a canonical event.
//
// Invariants enforced here, not downstream:
//   - Start and End must both be present (non-zero).
//   - Start < End (half-open interval of positive duration).
//
// Violations return *MalformedEventError; nothing is silently dropped or
// clamped.
func Normalize(raw RawEvent, origin model.Origin) (model.NormalizedEvent, error) {
	if raw.UID == "" {
		return model.NormalizedEvent{}, &MalformedEventError{UID: raw.UID, Reason: "missing source identifier"}
	}
	if raw.Start.IsZero() {
		return model.NormalizedEvent{}, &MalformedEventError{UID: raw.UID, Reason: "missing start time"}
	}
	if raw.End.IsZero() {
		return model.NormalizedEvent{}, &MalformedEventError{UID: raw.UID, Reason: "missing end time"}
	}
	if !raw.Start.Before(raw.End) {
		return model.NormalizedEvent{}, &MalformedEventError{UID: raw.UID, Reason: "start is not before end"}
	}

	return model.NormalizedEvent{
		SourceID: raw.UID,
		Origin:   origin,
		Title:    raw.Summary,
		Start:    raw.Start,
		End:      raw.End,
		AllDay:   raw.DateOnly,
	}, nil
}

// RedactTitle returns the generic label the portal receives in place of an
// event's real title. label comes from configuration; empty falls back to
// "Busy". Original titles exist only for the approval display.
func RedactTitle(label string) string {
	if label == "" {
		return "Busy"
	}
	return label
}
