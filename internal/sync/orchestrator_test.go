package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"calsync/internal/approval"
	"calsync/internal/model"
	"calsync/internal/normalize"
	"calsync/internal/source"
)

var fixedNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type stubSource struct {
	origin model.Origin
	events []normalize.RawEvent
	err    error
}

func (s *stubSource) Name() string         { return string(s.origin) }
func (s *stubSource) Origin() model.Origin { return s.origin }
func (s *stubSource) ListEvents(ctx context.Context, _ model.Window) ([]normalize.RawEvent, error) {
	return s.events, s.err
}

// gatedSource stalls its first ListEvents call until release is closed,
// signalling entered once the call is underway. Later calls pass through.
type gatedSource struct {
	origin  model.Origin
	events  []normalize.RawEvent
	mu      gosync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) Name() string         { return string(s.origin) }
func (s *gatedSource) Origin() model.Origin { return s.origin }
func (s *gatedSource) ListEvents(ctx context.Context, _ model.Window) ([]normalize.RawEvent, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		close(s.entered)
		<-s.release
	}
	return s.events, nil
}

type recordingApplier struct {
	applied []model.NormalizedEvent
	result  model.SyncResult
}

func (a *recordingApplier) ApplyAll(ctx context.Context, events []model.NormalizedEvent) []model.SyncOutcome {
	a.applied = append(a.applied, events...)
	outcomes := make([]model.SyncOutcome, len(events))
	for i, ev := range events {
		result := a.result
		if result == "" {
			result = model.ResultBlocked
		}
		outcomes[i] = model.SyncOutcome{EventRef: ev.SourceID, Result: result}
	}
	return outcomes
}

func raw(uid string, hour int) normalize.RawEvent {
	start := fixedNow.Add(time.Duration(hour) * time.Hour)
	return normalize.RawEvent{UID: uid, Summary: "event " + uid, Start: start, End: start.Add(time.Hour)}
}

func newTestOrchestrator(primary, secondary *stubSource, applier Applier) *Orchestrator {
	if applier == nil {
		applier = &recordingApplier{}
	}
	return NewOrchestrator(primary, secondary, approval.NewEngine(clock), applier, clock)
}

func TestBegin(t *testing.T) {
	ctx := context.Background()

	t.Run("zero or negative horizon is rejected", func(t *testing.T) {
		o := newTestOrchestrator(&stubSource{origin: model.OriginGoogle}, &stubSource{origin: model.OriginOutlook}, nil)
		for _, h := range []time.Duration{0, -time.Hour} {
			if _, err := o.Begin(ctx, h); !errors.Is(err, ErrInvalidWindow) {
				t.Errorf("horizon %v: want ErrInvalidWindow, got %v", h, err)
			}
		}
	})

	t.Run("stages candidates and awaits approval", func(t *testing.T) {
		primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{raw("g1", 1), raw("g2", 3)}}
		secondary := &stubSource{origin: model.OriginOutlook}
		o := newTestOrchestrator(primary, secondary, nil)

		req, err := o.Begin(ctx, 7*24*time.Hour)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if req == nil || len(req.Candidates) != 2 {
			t.Fatalf("req = %+v, want 2 candidates", req)
		}
		if _, pending := o.Pending(); !pending {
			t.Error("no pending approval after Begin")
		}
	})

	t.Run("source failure aborts before any approval", func(t *testing.T) {
		primary := &stubSource{origin: model.OriginGoogle, err: source.ErrSourceUnavailable}
		secondary := &stubSource{origin: model.OriginOutlook}
		o := newTestOrchestrator(primary, secondary, nil)

		if _, err := o.Begin(ctx, time.Hour); !errors.Is(err, source.ErrSourceUnavailable) {
			t.Fatalf("want ErrSourceUnavailable, got %v", err)
		}
		if _, pending := o.Pending(); pending {
			t.Error("approval staged despite fetch failure")
		}
	})

	t.Run("malformed event aborts the run", func(t *testing.T) {
		bad := normalize.RawEvent{UID: "bad", Start: fixedNow.Add(time.Hour)} // no end
		primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{bad}}
		o := newTestOrchestrator(primary, &stubSource{origin: model.OriginOutlook}, nil)

		_, err := o.Begin(ctx, time.Hour)
		var malformed *normalize.MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("want MalformedEventError, got %v", err)
		}
	})

	t.Run("all-day events never reach the resolver", func(t *testing.T) {
		allDay := raw("g1", 1)
		allDay.DateOnly = true
		primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{allDay}}
		o := newTestOrchestrator(primary, &stubSource{origin: model.OriginOutlook}, nil)

		req, err := o.Begin(ctx, 7*24*time.Hour)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if req != nil {
			t.Fatalf("all-day event produced candidates: %+v", req.Candidates)
		}
	})

	t.Run("nothing to do records an empty report", func(t *testing.T) {
		o := newTestOrchestrator(&stubSource{origin: model.OriginGoogle}, &stubSource{origin: model.OriginOutlook}, nil)

		req, err := o.Begin(ctx, time.Hour)
		if err != nil || req != nil {
			t.Fatalf("req=%v err=%v, want nil/nil", req, err)
		}
		report, ok := o.LastReport()
		if !ok || len(report.Outcomes) != 0 {
			t.Errorf("report = %+v, want empty", report)
		}
	})

	t.Run("begin that loses the approval gate keeps the winner's run intact", func(t *testing.T) {
		// The loser's first fetch stalls on a gate; while it is stalled a
		// second Begin with a longer horizon stages its approval. The loser
		// must come back with ErrApprovalInProgress and leave the winning
		// run's window and ID untouched.
		primary := &gatedSource{
			origin:  model.OriginGoogle,
			events:  []normalize.RawEvent{raw("g1", 1)},
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		secondary := &gatedSource{
			origin:  model.OriginOutlook,
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		applier := &recordingApplier{}
		o := NewOrchestrator(primary, secondary, approval.NewEngine(clock), applier, clock)

		loserErr := make(chan error, 1)
		go func() {
			_, err := o.Begin(ctx, time.Hour)
			loserErr <- err
		}()
		<-primary.entered
		<-secondary.entered

		req, err := o.Begin(ctx, 7*24*time.Hour)
		if err != nil {
			t.Fatalf("winning Begin: %v", err)
		}
		if req == nil || len(req.Candidates) != 1 {
			t.Fatalf("req = %+v, want 1 candidate", req)
		}

		close(primary.release)
		close(secondary.release)
		if err := <-loserErr; !errors.Is(err, approval.ErrApprovalInProgress) {
			t.Fatalf("losing Begin: want ErrApprovalInProgress, got %v", err)
		}

		report, err := o.Complete(ctx, "all")
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		wantEnd := fixedNow.Add(7 * 24 * time.Hour)
		if !report.Window.Start.Equal(fixedNow) || !report.Window.End.Equal(wantEnd) {
			t.Errorf("report window [%v, %v), want [%v, %v)", report.Window.Start, report.Window.End, fixedNow, wantEnd)
		}
	})

	t.Run("second begin while awaiting fails fast without fetching", func(t *testing.T) {
		primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{raw("g1", 1)}}
		o := newTestOrchestrator(primary, &stubSource{origin: model.OriginOutlook}, nil)

		if _, err := o.Begin(ctx, time.Hour*24); err != nil {
			t.Fatalf("first Begin: %v", err)
		}
		if _, err := o.Begin(ctx, time.Hour*24); !errors.Is(err, approval.ErrApprovalInProgress) {
			t.Fatalf("want ErrApprovalInProgress, got %v", err)
		}
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	setup := func(applier Applier) *Orchestrator {
		primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{raw("g1", 1), raw("g2", 3), raw("g3", 5)}}
		o := newTestOrchestrator(primary, &stubSource{origin: model.OriginOutlook}, applier)
		if _, err := o.Begin(ctx, 7*24*time.Hour); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		return o
	}

	t.Run("applies the approved subset in candidate order", func(t *testing.T) {
		applier := &recordingApplier{}
		o := setup(applier)

		report, err := o.Complete(ctx, "3,1")
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if len(applier.applied) != 2 {
			t.Fatalf("applied %d events", len(applier.applied))
		}
		if applier.applied[0].SourceID != "g1" || applier.applied[1].SourceID != "g3" {
			t.Errorf("applied order %q, %q", applier.applied[0].SourceID, applier.applied[1].SourceID)
		}
		if report.Blocked != 2 || report.Failed != 0 {
			t.Errorf("report = %+v", report)
		}
		if report.RunID == "" {
			t.Error("report has no run ID")
		}
	})

	t.Run("empty selection applies nothing but finishes the run", func(t *testing.T) {
		applier := &recordingApplier{}
		o := setup(applier)

		report, err := o.Complete(ctx, "")
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if len(applier.applied) != 0 || len(report.Outcomes) != 0 {
			t.Errorf("approve-nothing still applied: %+v", report)
		}
		if _, pending := o.Pending(); pending {
			t.Error("run still suspended after empty approval")
		}
	})

	t.Run("invalid selection leaves the run suspended", func(t *testing.T) {
		o := setup(&recordingApplier{})

		_, err := o.Complete(ctx, "9")
		var invalid *approval.InvalidSelectionError
		if !errors.As(err, &invalid) {
			t.Fatalf("want InvalidSelectionError, got %v", err)
		}
		if _, pending := o.Pending(); !pending {
			t.Error("invalid selection lost the pending run")
		}
	})

	t.Run("complete without a pending run fails", func(t *testing.T) {
		o := newTestOrchestrator(&stubSource{origin: model.OriginGoogle}, &stubSource{origin: model.OriginOutlook}, nil)
		if _, err := o.Complete(ctx, "all"); !errors.Is(err, approval.ErrNoPendingApproval) {
			t.Fatalf("want ErrNoPendingApproval, got %v", err)
		}
	})

	t.Run("failed outcomes are counted, not dropped", func(t *testing.T) {
		applier := &recordingApplier{result: model.ResultFailed}
		o := setup(applier)

		report, err := o.Complete(ctx, "all")
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if report.Failed != 3 || len(report.Outcomes) != 3 {
			t.Errorf("report = %+v, want 3 failed outcomes", report)
		}
	})
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	primary := &stubSource{origin: model.OriginGoogle, events: []normalize.RawEvent{raw("g1", 1)}}
	applier := &recordingApplier{}
	o := newTestOrchestrator(primary, &stubSource{origin: model.OriginOutlook}, applier)

	if _, err := o.Begin(ctx, time.Hour*24); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := o.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if len(applier.applied) != 0 {
		t.Error("abandon applied a subset")
	}
	// A new run can begin immediately.
	if _, err := o.Begin(ctx, time.Hour*24); err != nil {
		t.Errorf("Begin after abandon: %v", err)
	}
}
