// Package portal applies approved busy blocks against the write-only
// scheduling portal. The portal has no API, no idempotency keys and no
// transactional guarantees; everything goes through a simulated browser
// session, and a presence check before each write is the substitute
// idempotency mechanism.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/log"
	"calsync/internal/model"
)

// ErrLoginFailed marks a failed portal authentication.
var ErrLoginFailed = errors.New("portal: login failed")

// Interval is one blocked time range scraped from the portal's schedule
// surface.
type Interval struct {
	Start time.Time
	End   time.Time
}

// StepError names the UI step that failed so an outcome's ErrorDetail can
// say more than "it broke".
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("portal: step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Browser is the simulated UI session the driver operates. Implementations
// own selector discovery and page-load waiting; the driver owns retry,
// timeouts and outcome classification.
type Browser interface {
	IsAuthenticated() bool
	// Authenticate logs the session in. Called lazily, at most once per
	// run, on the first write attempt.
	Authenticate(ctx context.Context) error
	// BlockedIntervals scrapes the busy intervals the portal already shows
	// for the day containing the given time.
	BlockedIntervals(ctx context.Context, day time.Time) ([]Interval, error)
	// CreateBlock walks the portal's out-of-office flow to write one busy
	// interval under the given (already redacted) label.
	CreateBlock(ctx context.Context, start, end time.Time, label string) error
}

// Driver applies one event at a time against the portal. It is not safe
// for concurrent use: a simulated UI session cannot be multiplexed, and
// the orchestrator owns it exclusively for the run.
type Driver struct {
	browser     Browser
	label       string
	stepTimeout time.Duration

	authTried bool
	authErr   error
}

// NewDriver builds a driver writing blocks labeled label (the redacted
// title). stepTimeout bounds each individual UI step; zero means 30s.
func NewDriver(browser Browser, label string, stepTimeout time.Duration) *Driver {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	return &Driver{
		browser:     browser,
		label:       label,
		stepTimeout: stepTimeout,
	}
}

// Apply writes one approved event as a busy block.
//
//   - If the portal already shows a blocked interval identical to the
//     event's, it returns already_present without writing. This is what
//     makes re-running a sync after a partial failure safe.
//   - A failing step gets exactly one retry, to absorb a transient
//     rendering delay; the retry budget is one per event, so structural
//     failures (changed page layout) surface instead of looping.
//   - Once Apply starts it runs to completion; there is no mid-write
//     cancellation beyond the per-step timeout.
func (d *Driver) Apply(ctx context.Context, event model.NormalizedEvent) model.SyncOutcome {
	outcome := model.SyncOutcome{EventRef: event.SourceID}

	if err := d.ensureAuthenticated(ctx); err != nil {
		outcome.Result = model.ResultFailed
		outcome.ErrorDetail = err.Error()
		return outcome
	}

	retryBudget := 1

	var blocked []Interval
	err := d.runStep(ctx, "presence check", &retryBudget, func(ctx context.Context) error {
		var err error
		blocked, err = d.browser.BlockedIntervals(ctx, event.Start)
		return err
	})
	if err != nil {
		outcome.Result = model.ResultFailed
		outcome.ErrorDetail = err.Error()
		return outcome
	}

	for _, iv := range blocked {
		if iv.Start.Equal(event.Start) && iv.End.Equal(event.End) {
			log.Info("block already present, skipping write",
				"event", event.SourceID, "start", event.Start.Format(time.RFC3339))
			outcome.Result = model.ResultAlreadyPresent
			return outcome
		}
	}

	err = d.runStep(ctx, "create block", &retryBudget, func(ctx context.Context) error {
		return d.browser.CreateBlock(ctx, event.Start, event.End, d.label)
	})
	if err != nil {
		outcome.Result = model.ResultFailed
		outcome.ErrorDetail = err.Error()
		return outcome
	}

	log.Info("blocked interval in portal",
		"event", event.SourceID,
		"start", event.Start.Format(time.RFC3339),
		"end", event.End.Format(time.RFC3339))
	outcome.Result = model.ResultBlocked
	return outcome
}

// ApplyAll applies events sequentially in the given order. A failure on
// one event never aborts the rest; every event gets an outcome.
func (d *Driver) ApplyAll(ctx context.Context, events []model.NormalizedEvent) []model.SyncOutcome {
	// A new apply phase is a new run: the cached login attempt resets so a
	// transient login failure in an earlier run cannot poison this one.
	d.authTried = false
	d.authErr = nil

	outcomes := make([]model.SyncOutcome, 0, len(events))
	for _, ev := range events {
		o := d.Apply(ctx, ev)
		if o.Result == model.ResultFailed {
			log.Error("portal apply failed", errors.New(o.ErrorDetail), "event", ev.SourceID)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// ensureAuthenticated performs the lazy once-per-run login. The first
// attempt's result is cached: later events in the same run neither re-run
// the login nor silently proceed unauthenticated.
func (d *Driver) ensureAuthenticated(ctx context.Context) error {
	if d.browser.IsAuthenticated() {
		return nil
	}
	if d.authTried {
		if d.authErr != nil {
			return d.authErr
		}
		return &StepError{Step: "authenticate", Err: errors.New("session lost after login")}
	}
	d.authTried = true

	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	if err := d.browser.Authenticate(stepCtx); err != nil {
		d.authErr = &StepError{Step: "authenticate", Err: err}
		return d.authErr
	}
	return nil
}

// runStep executes one UI step with a bounded timeout and at most one
// retry drawn from the event's budget.
func (d *Driver) runStep(ctx context.Context, name string, retryBudget *int, fn func(context.Context) error) error {
	attempt := func() error {
		stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
		defer cancel()
		return fn(stepCtx)
	}

	err := attempt()
	if err == nil {
		return nil
	}
	if *retryBudget > 0 {
		*retryBudget--
		log.Warn("portal step failed, retrying once", "step", name, "reason", err.Error())
		if err = attempt(); err == nil {
			return nil
		}
	}
	return &StepError{Step: name, Err: err}
}
