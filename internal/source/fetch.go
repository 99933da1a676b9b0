// Package source fetches the two read-capable calendar services as
// ICS-over-HTTP subscriptions and turns their payloads into raw events for
// normalization.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/normalize"
)

var (
	// ErrSourceUnavailable marks a transient fetch failure. The whole run
	// aborts before any write; the caller may retry the run.
	ErrSourceUnavailable = errors.New("source: unavailable")
	// ErrAuthExpired marks a 401/403 from the feed. Re-authentication is
	// out of band; the run aborts.
	ErrAuthExpired = errors.New("source: authentication expired")
)

// Source is one read-capable calendar service.
type Source interface {
	Name() string
	Origin() model.Origin
	// ListEvents returns every occurrence intersecting the window,
	// recurrences already expanded. It performs no writes anywhere.
	ListEvents(ctx context.Context, window model.Window) ([]normalize.RawEvent, error)
}

// HTTPSource reads an ICS subscription endpoint.
type HTTPSource struct {
	name   string
	origin model.Origin
	url    string
	loc    *time.Location
	client *http.Client
}

// NewHTTPSource builds a source for one ICS feed. loc is the timezone
// occurrences are converted into; nil means time.Local.
func NewHTTPSource(name string, origin model.Origin, url string, loc *time.Location) *HTTPSource {
	if loc == nil {
		loc = time.Local
	}
	return &HTTPSource{
		name:   name,
		origin: origin,
		url:    url,
		loc:    loc,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSource) Name() string         { return s.name }
func (s *HTTPSource) Origin() model.Origin { return s.origin }

// ListEvents fetches the feed and expands it into the window.
func (s *HTTPSource) ListEvents(ctx context.Context, window model.Window) ([]normalize.RawEvent, error) {
	if s.url == "" {
		return nil, fmt.Errorf("%w: %s has no url", ErrSourceUnavailable, s.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.name, err)
	}

	log.Info("source fetch start", "source", s.name, "url", log.RedactURL(s.url))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s: %s", ErrAuthExpired, s.name, resp.Status)
	default:
		return nil, fmt.Errorf("%w: %s: %s", ErrSourceUnavailable, s.name, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.name, err)
	}

	raw, err := expandICS(body, window, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.name, err)
	}

	log.Info("source fetch done", "source", s.name, "events", len(raw))
	return raw, nil
}

type fetchResult struct {
	events []normalize.RawEvent
	err    error
}

// FetchBoth reads two sources concurrently. Both must succeed: the
// resolver must never run on a partial source view, so the first error
// fails the whole fetch.
func FetchBoth(ctx context.Context, primary, secondary Source, window model.Window) (primaryEvents, secondaryEvents []normalize.RawEvent, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fetch := func(src Source, out chan<- fetchResult) {
		events, err := src.ListEvents(ctx, window)
		out <- fetchResult{events: events, err: err}
	}

	primaryCh := make(chan fetchResult, 1)
	secondaryCh := make(chan fetchResult, 1)
	go fetch(primary, primaryCh)
	go fetch(secondary, secondaryCh)

	p, s := <-primaryCh, <-secondaryCh
	if p.err != nil {
		return nil, nil, p.err
	}
	if s.err != nil {
		return nil, nil, s.err
	}
	return p.events, s.events, nil
}
