package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/approval"
	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/normalize"
	syncpkg "calsync/internal/sync"
)

var testNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

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

type stubApplier struct{}

func (stubApplier) ApplyAll(ctx context.Context, events []model.NormalizedEvent) []model.SyncOutcome {
	outcomes := make([]model.SyncOutcome, len(events))
	for i, ev := range events {
		outcomes[i] = model.SyncOutcome{EventRef: ev.SourceID, Result: model.ResultBlocked}
	}
	return outcomes
}

func newTestServer(cfg *config.Config, events []normalize.RawEvent) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	primary := &stubSource{origin: model.OriginGoogle, events: events}
	secondary := &stubSource{origin: model.OriginOutlook}
	orch := syncpkg.NewOrchestrator(primary, secondary, approval.NewEngine(func() time.Time { return testNow }), stubApplier{}, func() time.Time { return testNow })
	return NewServer(cfg, orch)
}

func testEvents() []normalize.RawEvent {
	start := testNow.Add(2 * time.Hour)
	return []normalize.RawEvent{
		{UID: "g1", Summary: "Session A", Start: start, End: start.Add(time.Hour)},
		{UID: "g2", Summary: "Session B", Start: start.Add(3 * time.Hour), End: start.Add(4 * time.Hour)},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSyncApproveFlow(t *testing.T) {
	srv := newTestServer(nil, testEvents())
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/sync", `{"days":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body.String())
	}
	var staged approvalView
	if err := json.Unmarshal(rec.Body.Bytes(), &staged); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(staged.Candidates) != 2 || staged.Candidates[0].Index != 1 {
		t.Fatalf("staged = %+v", staged)
	}
	if staged.Candidates[0].Title != "Session A" {
		t.Errorf("approval view must show the original title, got %q", staged.Candidates[0].Title)
	}

	// A second sync while awaiting a decision conflicts.
	if rec := do(t, h, http.MethodPost, "/api/sync", `{}`); rec.Code != http.StatusConflict {
		t.Errorf("overlapping sync status = %d, want 409", rec.Code)
	}

	// Candidates stay visible until decided.
	if rec := do(t, h, http.MethodGet, "/api/candidates", ""); rec.Code != http.StatusOK {
		t.Errorf("candidates status = %d", rec.Code)
	}

	// Bad selector: 400, request survives.
	if rec := do(t, h, http.MethodPost, "/api/approve", `{"selector":"7"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid selector status = %d, want 400", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/approve", `{"selector":"all"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	var report reportView
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Blocked != 2 || len(report.Outcomes) != 2 {
		t.Errorf("report = %+v", report)
	}

	// Report is retrievable afterwards.
	if rec := do(t, h, http.MethodGet, "/api/report", ""); rec.Code != http.StatusOK {
		t.Errorf("report status = %d", rec.Code)
	}
}

func TestApproveWithoutPending(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := do(t, srv.Handler(), http.MethodPost, "/api/approve", `{"selector":"all"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAbandonEndpoint(t *testing.T) {
	srv := newTestServer(nil, testEvents())
	h := srv.Handler()

	do(t, h, http.MethodPost, "/api/sync", `{}`)
	if rec := do(t, h, http.MethodPost, "/api/abandon", ""); rec.Code != http.StatusOK {
		t.Fatalf("abandon status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/candidates", ""); rec.Code != http.StatusNotFound {
		t.Errorf("candidates after abandon = %d, want 404", rec.Code)
	}
}

func TestNothingToSync(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := do(t, srv.Handler(), http.MethodPost, "/api/sync", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nothing to sync") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	srv := newTestServer(cfg, nil)
	h := srv.Handler()

	t.Run("health is always open", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
			t.Errorf("health status = %d", rec.Code)
		}
	})

	t.Run("api requires credentials", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/api/report", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid credentials pass", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusUnauthorized {
			t.Error("valid credentials rejected")
		}
	})
}
