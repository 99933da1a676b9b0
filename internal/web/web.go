// Package web exposes the daemon's HTTP surface: health, the pending
// approval request, and the endpoints a human (or a chat frontend) uses to
// trigger, decide and inspect sync runs.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"calsync/internal/approval"
	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/source"
	syncpkg "calsync/internal/sync"
)

// Server provides the HTTP API over one orchestrator.
type Server struct {
	cfg  *config.Config
	orch *syncpkg.Orchestrator
	mux  *http.ServeMux
}

// NewServer constructs a Server around orch.
func NewServer(cfg *config.Config, orch *syncpkg.Orchestrator) *Server {
	s := &Server{
		cfg:  cfg,
		orch: orch,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's http.Handler, wrapped with Basic Auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth != nil &&
		s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects every endpoint except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/candidates", s.handleCandidates)
	s.mux.HandleFunc("POST /api/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/abandon", s.handleAbandon)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type syncRequest struct {
	// Days is the sync horizon; zero falls back to the configured default.
	Days int `json:"days"`
}

// candidateView is the human-facing rendering of one candidate: 1-indexed,
// with origin, time range and the original (unredacted) title.
type candidateView struct {
	Index       int    `json:"index"`
	Origin      string `json:"origin"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

type approvalView struct {
	RequestID  string          `json:"request_id"`
	Status     string          `json:"status"`
	Candidates []candidateView `json:"candidates"`
}

// handleSync starts a reconciliation pass. The response is either the
// staged approval request or a note that nothing needed syncing; the
// actual writes wait for /api/approve.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	// An empty body means defaults; anything else must parse.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	days := body.Days
	if days == 0 {
		days = s.cfg.HorizonDays
	}

	req, err := s.orch.Begin(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "nothing to sync", "candidates": []candidateView{}})
		return
	}
	writeJSON(w, http.StatusOK, renderRequest(req))
}

func (s *Server) handleCandidates(w http.ResponseWriter, _ *http.Request) {
	req, ok := s.orch.Pending()
	if !ok {
		writeError(w, http.StatusNotFound, "no approval is pending")
		return
	}
	writeJSON(w, http.StatusOK, renderRequest(req))
}

type approveRequest struct {
	// Selector is "all", "" (approve nothing), or 1-based indices like "1,3".
	Selector string `json:"selector"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, err := s.orch.Complete(r.Context(), body.Selector)
	if err != nil {
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, renderReport(report))
}

func (s *Server) handleAbandon(w http.ResponseWriter, _ *http.Request) {
	if err := s.orch.Abandon(); err != nil {
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "approval abandoned"})
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.orch.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed run yet")
		return
	}
	writeJSON(w, http.StatusOK, renderReport(report))
}

func renderRequest(req *approval.Request) approvalView {
	view := approvalView{
		RequestID:  req.ID,
		Status:     string(req.Status),
		Candidates: make([]candidateView, 0, len(req.Candidates)),
	}
	for i, cand := range req.Candidates {
		cv := candidateView{
			Index:  i + 1,
			Origin: string(cand.Event.Origin),
			Title:  cand.Event.Title,
			Start:  cand.Event.Start.Format(time.RFC3339),
			End:    cand.Event.End.Format(time.RFC3339),
		}
		if cand.DuplicateOf != nil {
			cv.DuplicateOf = cand.DuplicateOf.SourceID
		}
		view.Candidates = append(view.Candidates, cv)
	}
	return view
}

type outcomeView struct {
	EventRef    string `json:"event_ref"`
	Result      string `json:"result"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

type reportView struct {
	RunID          string        `json:"run_id"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Blocked        int           `json:"blocked"`
	AlreadyPresent int           `json:"already_present"`
	Failed         int           `json:"failed"`
	Outcomes       []outcomeView `json:"outcomes"`
}

func renderReport(report model.RunReport) reportView {
	view := reportView{
		RunID:          report.RunID,
		From:           report.Window.Start.Format(time.RFC3339),
		To:             report.Window.End.Format(time.RFC3339),
		Blocked:        report.Blocked,
		AlreadyPresent: report.AlreadyPresent,
		Failed:         report.Failed,
		Outcomes:       make([]outcomeView, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		view.Outcomes = append(view.Outcomes, outcomeView{
			EventRef:    o.EventRef,
			Result:      string(o.Result),
			ErrorDetail: o.ErrorDetail,
		})
	}
	return view
}

// classifyError maps engine errors onto HTTP statuses without losing the
// specific cause.
func classifyError(err error) (int, string) {
	var invalid *approval.InvalidSelectionError
	switch {
	case errors.Is(err, approval.ErrApprovalInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, approval.ErrNoPendingApproval):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &invalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, syncpkg.ErrInvalidWindow):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, source.ErrSourceUnavailable), errors.Is(err, source.ErrAuthExpired):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
