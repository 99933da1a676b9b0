package model

import "time"

// Origin identifies which system produced an event.
type Origin string

const (
	OriginOutlook Origin = "outlook"
	OriginGoogle  Origin = "google"
	OriginPortal  Origin = "portal"
)

// NormalizedEvent is the canonical representation of one calendar
// occurrence, regardless of which provider it came from. Start/End form a
// half-open interval [Start, End) and always satisfy Start < End; records
// that cannot meet that are rejected at normalization and never constructed.
type NormalizedEvent struct {
	// SourceID is opaque and unique within the origin system; it is stable
	// across repeated fetches of the same occurrence.
	SourceID string

	Origin Origin

	// Title is the provider's summary. The portal only ever receives the
	// redacted label; Title is kept for display in the approval step.
	Title string

	Start time.Time
	End   time.Time

	// AllDay marks date-only entries. All-day events are filtered out
	// before resolution and never reach the resolver.
	AllDay bool
}

// SameInterval reports whether two events cover the identical interval.
// Interval equality is the only identity the engine uses: titles are
// unreliable because the portal stores redacted labels.
func (e NormalizedEvent) SameInterval(other NormalizedEvent) bool {
	return e.Start.Equal(other.Start) && e.End.Equal(other.End)
}

// Overlaps reports whether two half-open intervals intersect with non-zero
// duration.
func (e NormalizedEvent) Overlaps(other NormalizedEvent) bool {
	return e.Start.Before(other.End) && other.Start.Before(e.End)
}

// ChangeAction describes what kind of write a candidate proposes.
type ChangeAction string

const (
	ActionCreateInSecondary ChangeAction = "create_in_secondary"
	ActionBlockInPortal     ChangeAction = "block_in_portal"
)

// CandidateChange is one unit of work proposed to a human. Candidates are
// immutable once built; approval filters the list rather than flipping
// flags in place.
type CandidateChange struct {
	Event  NormalizedEvent
	Action ChangeAction

	// DuplicateOf points at an existing event in the target whose interval
	// overlaps (but does not equal) this one. It is set only when the
	// resolver found an overlap it deliberately left for human judgment.
	DuplicateOf *NormalizedEvent
}

// SyncResult classifies the outcome of applying one event.
type SyncResult string

const (
	ResultBlocked        SyncResult = "blocked"
	ResultAlreadyPresent SyncResult = "already_present"
	ResultFailed         SyncResult = "failed"
)

// SyncOutcome is the per-event result accumulated into a run report.
type SyncOutcome struct {
	// EventRef is the SourceID of the event attempted.
	EventRef string

	Result SyncResult

	// ErrorDetail is set iff Result is ResultFailed; it names the failing
	// step so a silent failure can never be mistaken for success.
	ErrorDetail string
}

// Window is the half-open time range a sync run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// RunReport aggregates the outcomes of one sync run.
type RunReport struct {
	RunID  string
	Window Window

	Blocked        int
	AlreadyPresent int
	Failed         int

	// Outcomes lists every attempted event, in apply order.
	Outcomes []SyncOutcome

	Started  time.Time
	Finished time.Time
}

// Add folds one outcome into the report counters.
func (r *RunReport) Add(o SyncOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Result {
	case ResultBlocked:
		r.Blocked++
	case ResultAlreadyPresent:
		r.AlreadyPresent++
	case ResultFailed:
		r.Failed++
	}
}
