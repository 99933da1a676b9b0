// Package sync sequences one reconciliation run: fetch both calendar
// sources, normalize, resolve candidates, park at the approval gate, and
// apply the approved subset against the portal. The approval step is the
// run's only suspension point: Begin returns once candidates are staged,
// and Complete resumes the run with the human's decision.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/approval"
	"calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/normalize"
	"calsync/internal/resolve"
	"calsync/internal/source"
)

// ErrInvalidWindow is returned for a non-positive sync horizon.
var ErrInvalidWindow = errors.New("sync: horizon must be positive")

// Applier applies approved events against the portal, one at a time, and
// reports a per-event outcome. *portal.Driver satisfies it.
type Applier interface {
	ApplyAll(ctx context.Context, events []model.NormalizedEvent) []model.SyncOutcome
}

// Orchestrator drives the fetch → normalize → resolve → approve → apply
// pipeline. One orchestrator serves one portal session; runs never overlap
// because the approval engine admits a single outstanding request.
type Orchestrator struct {
	primary   source.Source
	secondary source.Source
	engine    *approval.Engine
	applier   Applier
	now       func() time.Time

	mu      gosync.Mutex
	runID   string
	window  model.Window
	started time.Time
	last    *model.RunReport
}

// NewOrchestrator wires the pipeline. now may be nil (time.Now).
func NewOrchestrator(primary, secondary source.Source, engine *approval.Engine, applier Applier, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		primary:   primary,
		secondary: secondary,
		engine:    engine,
		applier:   applier,
		now:       now,
	}
}

// Begin runs the read-only half of a sync pass over [now, now+horizon) and
// stages the candidate changes for approval.
//
// It returns the pending approval request for presentation, or nil when
// reconciliation found nothing to do (in which case an empty report is
// recorded and no approval round happens).
//
// Fail-fast contract: any fetch or normalization problem aborts the run
// before a single write is attempted, and a run cannot begin while a prior
// approval is still awaiting a decision.
func (o *Orchestrator) Begin(ctx context.Context, horizon time.Duration) (*approval.Request, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWindow, horizon)
	}
	if _, pending := o.engine.Pending(); pending {
		return nil, approval.ErrApprovalInProgress
	}

	started := o.now()
	window := model.Window{Start: started, End: started.Add(horizon)}

	log.Info("sync begin",
		"from", window.Start.Format(time.RFC3339),
		"to", window.End.Format(time.RFC3339))

	rawIncoming, rawExisting, err := source.FetchBoth(ctx, o.primary, o.secondary, window)
	if err != nil {
		return nil, err
	}

	incoming, err := normalizeAll(rawIncoming, o.primary.Origin())
	if err != nil {
		return nil, err
	}
	existing, err := normalizeAll(rawExisting, o.secondary.Origin())
	if err != nil {
		return nil, err
	}

	// All-day events are out of scope for busy-blocking and must never
	// reach the resolver.
	incoming = dropAllDay(incoming)
	existing = dropAllDay(existing)

	candidates := resolve.Resolve(existing, incoming)

	runID := uuid.NewString()

	if len(candidates) == 0 {
		o.mu.Lock()
		// Another run may have staged an approval while this one was
		// fetching; its metadata must stay untouched.
		if _, pending := o.engine.Pending(); pending {
			o.mu.Unlock()
			return nil, approval.ErrApprovalInProgress
		}
		o.runID = runID
		o.window = window
		o.started = started
		o.finishReportLocked(nil)
		o.mu.Unlock()
		log.Info("nothing to sync", "run", runID)
		return nil, nil
	}

	// Stage the approval and commit the run metadata under the same lock:
	// a Begin that loses the approval gate must never clobber the winning
	// run's ID and window.
	o.mu.Lock()
	req, err := o.engine.RequestApproval(candidates)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.runID = runID
	o.window = window
	o.started = started
	o.mu.Unlock()

	log.Info("awaiting approval", "run", runID, "candidates", len(candidates))
	return req, nil
}

// Complete resumes the suspended run with the human's selector, applies
// the approved events in candidate order and returns the run report.
// Errors from the approval engine (no pending request, invalid selection)
// pass through unchanged; an invalid selection leaves the run suspended.
func (o *Orchestrator) Complete(ctx context.Context, selector string) (model.RunReport, error) {
	approved, err := o.engine.SubmitSelection(selector)
	if err != nil {
		return model.RunReport{}, err
	}

	outcomes := o.applier.ApplyAll(ctx, approved)
	report := o.finishReport(outcomes)

	log.Info("sync complete",
		"run", report.RunID,
		"blocked", report.Blocked,
		"already_present", report.AlreadyPresent,
		"failed", report.Failed)
	return report, nil
}

// Abandon discards the suspended run without applying anything.
func (o *Orchestrator) Abandon() error {
	if err := o.engine.Abandon(); err != nil {
		return err
	}
	log.Info("sync abandoned")
	return nil
}

// Pending exposes the outstanding approval request, if any.
func (o *Orchestrator) Pending() (*approval.Request, bool) {
	return o.engine.Pending()
}

// LastReport returns the most recent completed run's report.
func (o *Orchestrator) LastReport() (model.RunReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return model.RunReport{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) finishReport(outcomes []model.SyncOutcome) model.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finishReportLocked(outcomes)
}

// finishReportLocked requires o.mu to be held.
func (o *Orchestrator) finishReportLocked(outcomes []model.SyncOutcome) model.RunReport {
	report := model.RunReport{
		RunID:    o.runID,
		Window:   o.window,
		Started:  o.started,
		Finished: o.now(),
	}
	for _, out := range outcomes {
		report.Add(out)
	}
	o.last = &report
	return report
}

// normalizeAll converts raw provider records, failing fast on the first
// malformed one: the run must not proceed on a partial or dubious view.
func normalizeAll(raws []normalize.RawEvent, origin model.Origin) ([]model.NormalizedEvent, error) {
	events := make([]model.NormalizedEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := normalize.Normalize(raw, origin)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func dropAllDay(events []model.NormalizedEvent) []model.NormalizedEvent {
	out := events[:0]
	for _, ev := range events {
		if ev.AllDay {
			log.Debug("skipping all-day event", "event", ev.SourceID)
			continue
		}
		out = append(out, ev)
	}
	return out
}
