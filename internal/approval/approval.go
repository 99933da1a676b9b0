// Package approval implements the human-in-the-loop gate between
// reconciliation and any write against the portal. At most one approval
// request is outstanding at a time; a new sync run cannot start while a
// decision is pending.
package approval

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusAbandoned        Status = "abandoned"
)

var (
	// ErrApprovalInProgress is returned when a new request is made while
	// another is still awaiting a decision.
	ErrApprovalInProgress = errors.New("approval: a request is already awaiting a decision")
	// ErrNoPendingApproval is returned when a decision arrives but nothing
	// is awaiting one.
	ErrNoPendingApproval = errors.New("approval: no request is awaiting a decision")
)

// InvalidSelectionError reports a selector the engine refused. The pending
// request is left untouched so the human can try again.
type InvalidSelectionError struct {
	Selector string
	Reason   string
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("approval: invalid selection %q: %s", e.Selector, e.Reason)
}

// Request holds one pending human decision. Candidates are 1-indexed when
// shown to the human and will be applied in this order if approved.
type Request struct {
	ID         string
	Candidates []model.CandidateChange
	Status     Status
	CreatedAt  time.Time
}

// Engine is the process-wide approval state machine:
//
//	idle -> awaiting_response -> {resolved, abandoned} -> idle
//
// It never blocks: RequestApproval returns immediately and the caller is
// resumed later through SubmitSelection or Abandon. The mutex makes the
// one-outstanding-request guarantee hold no matter what drives the calls
// (CLI loop, HTTP handler, cron).
type Engine struct {
	mu      sync.Mutex
	pending *Request
	now     func() time.Time
}

// NewEngine returns an idle engine. now may be nil, in which case
// time.Now is used.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// RequestApproval stores candidates for a human decision and transitions to
// awaiting_response. It fails with ErrApprovalInProgress unless the engine
// is idle; the pending request is never overwritten or queued behind.
//
// The returned Request is a snapshot for presentation; mutating it does not
// affect the engine.
func (e *Engine) RequestApproval(candidates []model.CandidateChange) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return nil, ErrApprovalInProgress
	}

	req := &Request{
		ID:         uuid.NewString(),
		Candidates: append([]model.CandidateChange(nil), candidates...),
		Status:     StatusAwaitingResponse,
		CreatedAt:  e.now(),
	}
	e.pending = req

	return snapshot(req), nil
}

// SubmitSelection resolves the pending request with the human's selector
// and returns the approved events in candidate order.
//
// Selector grammar:
//   - "all"           every candidate
//   - ""               none (a legitimate approve-nothing outcome)
//   - "1,3" / "1 3"   1-based indices; out-of-range or non-numeric tokens
//     fail with *InvalidSelectionError and leave the request pending.
//
// On success the engine returns to idle.
func (e *Engine) SubmitSelection(selector string) ([]model.NormalizedEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return nil, ErrNoPendingApproval
	}

	indices, err := parseSelector(selector, len(e.pending.Candidates))
	if err != nil {
		// Bad input must not resolve or lose the request.
		return nil, err
	}

	selected := make([]model.NormalizedEvent, 0, len(indices))
	for _, i := range indices {
		selected = append(selected, e.pending.Candidates[i-1].Event)
	}

	e.pending.Status = StatusResolved
	e.pending = nil

	return selected, nil
}

// Abandon discards the pending request without applying anything. It is the
// teardown path for session end or explicit cancellation.
func (e *Engine) Abandon() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return ErrNoPendingApproval
	}
	e.pending.Status = StatusAbandoned
	e.pending = nil
	return nil
}

// Pending returns a snapshot of the outstanding request, if any.
func (e *Engine) Pending() (*Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return nil, false
	}
	return snapshot(e.pending), true
}

func snapshot(req *Request) *Request {
	out := *req
	out.Candidates = append([]model.CandidateChange(nil), req.Candidates...)
	return &out
}

// parseSelector returns the selected 1-based indices in ascending order
// with duplicates collapsed. n is the candidate count.
func parseSelector(selector string, n int) ([]int, error) {
	trimmed := strings.TrimSpace(selector)

	if strings.EqualFold(trimmed, "all") {
		all := make([]int, n)
		for i := range all {
			all[i] = i + 1
		}
		return all, nil
	}
	if trimmed == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	for _, tok := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ' ' }) {
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &InvalidSelectionError{Selector: selector, Reason: fmt.Sprintf("%q is not an index", tok)}
		}
		if idx < 1 || idx > n {
			return nil, &InvalidSelectionError{Selector: selector, Reason: fmt.Sprintf("index %d out of range [1, %d]", idx, n)}
		}
		seen[idx] = true
	}

	indices := make([]int, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}
