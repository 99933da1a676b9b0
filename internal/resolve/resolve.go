// Package resolve computes the minimal set of changes needed to make the
// target calendar reflect the incoming events, skipping anything already
// represented. It is pure: no I/O, no errors, deterministic output.
package resolve

import (
	"sort"

	"calsync/internal/model"
)

// Resolve compares incoming events against what already exists in the
// target and returns the candidate changes a human must approve.
//
// Identity and overlap rules:
//   - Two events are the same occurrence iff their intervals are exactly
//     equal. Titles are never consulted: the portal stores redacted labels,
//     so title equality means nothing.
//   - An incoming event whose interval exactly matches an existing one is a
//     true duplicate and is excluded entirely.
//   - An incoming event that intersects an existing one with non-zero
//     duration, but is not identical, becomes a candidate with DuplicateOf
//     set. Overlap is not assumed to mean redundant; the human decides.
//
// Output is ordered chronologically by Start, ties broken by SourceID.
func Resolve(existing, incoming []model.NormalizedEvent) []model.CandidateChange {
	candidates := make([]model.CandidateChange, 0, len(incoming))

	for _, ev := range incoming {
		if exact := findSameInterval(existing, ev); exact != nil {
			continue
		}

		cand := model.CandidateChange{
			Event:  ev,
			Action: model.ActionBlockInPortal,
		}
		if overlapped := findOverlap(existing, ev); overlapped != nil {
			cand.DuplicateOf = overlapped
		}
		candidates = append(candidates, cand)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Event, candidates[j].Event
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.SourceID < b.SourceID
	})

	return candidates
}

func findSameInterval(existing []model.NormalizedEvent, ev model.NormalizedEvent) *model.NormalizedEvent {
	for i := range existing {
		if existing[i].SameInterval(ev) {
			return &existing[i]
		}
	}
	return nil
}

// findOverlap returns the first existing event (in existing order) whose
// interval intersects ev with positive duration. Exact matches are handled
// earlier, so a hit here is always a partial overlap.
func findOverlap(existing []model.NormalizedEvent, ev model.NormalizedEvent) *model.NormalizedEvent {
	for i := range existing {
		if existing[i].Overlaps(ev) {
			out := existing[i]
			return &out
		}
	}
	return nil
}
