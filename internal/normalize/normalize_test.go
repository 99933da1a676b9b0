package normalize

import (
	"errors"
	"testing"
	"time"

	"calsync/internal/model"
)

var chicago = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
	return loc
}()

func TestNormalize(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, chicago)
	end := time.Date(2025, 3, 10, 10, 0, 0, 0, chicago)

	t.Run("valid event maps to canonical shape", func(t *testing.T) {
		ev, err := Normalize(RawEvent{
			UID:     "abc123",
			Summary: "Client session",
			Start:   start,
			End:     end,
		}, model.OriginGoogle)
		if err != nil {
			t.Fatalf("Normalize returned error: %v", err)
		}
		if ev.SourceID != "abc123" || ev.Origin != model.OriginGoogle {
			t.Errorf("identity fields wrong: %+v", ev)
		}
		if ev.Title != "Client session" {
			t.Errorf("Title = %q, want original summary", ev.Title)
		}
		if !ev.Start.Equal(start) || !ev.End.Equal(end) {
			t.Errorf("interval not preserved: [%v, %v)", ev.Start, ev.End)
		}
		if ev.AllDay {
			t.Error("AllDay set on a timed event")
		}
	})

	t.Run("start equal to end is malformed", func(t *testing.T) {
		_, err := Normalize(RawEvent{UID: "x", Start: start, End: start}, model.OriginOutlook)
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("want *MalformedEventError, got %v", err)
		}
	})

	t.Run("start after end is malformed", func(t *testing.T) {
		_, err := Normalize(RawEvent{UID: "x", Start: end, End: start}, model.OriginOutlook)
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("want *MalformedEventError, got %v", err)
		}
	})

	t.Run("missing end is rejected, not defaulted", func(t *testing.T) {
		_, err := Normalize(RawEvent{UID: "x", Start: start}, model.OriginGoogle)
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("want *MalformedEventError, got %v", err)
		}
	})

	t.Run("missing uid is rejected", func(t *testing.T) {
		_, err := Normalize(RawEvent{Start: start, End: end}, model.OriginGoogle)
		var malformed *MalformedEventError
		if !errors.As(err, &malformed) {
			t.Fatalf("want *MalformedEventError, got %v", err)
		}
	})

	t.Run("all-day comes from the date-only flag", func(t *testing.T) {
		dayStart := time.Date(2025, 3, 11, 0, 0, 0, 0, chicago)
		ev, err := Normalize(RawEvent{
			UID:      "holiday",
			Start:    dayStart,
			End:      dayStart.Add(24 * time.Hour),
			DateOnly: true,
		}, model.OriginGoogle)
		if err != nil {
			t.Fatalf("Normalize returned error: %v", err)
		}
		if !ev.AllDay {
			t.Error("AllDay not set for date-only record")
		}
	})

	t.Run("24h duration alone does not imply all-day", func(t *testing.T) {
		ev, err := Normalize(RawEvent{
			UID:   "longmeeting",
			Start: start,
			End:   start.Add(24 * time.Hour),
		}, model.OriginOutlook)
		if err != nil {
			t.Fatalf("Normalize returned error: %v", err)
		}
		if ev.AllDay {
			t.Error("AllDay inferred from duration; must come only from the provider flag")
		}
	})
}

func TestRedactTitle(t *testing.T) {
	if got := RedactTitle(""); got != "Busy" {
		t.Errorf("RedactTitle(\"\") = %q, want Busy", got)
	}
	if got := RedactTitle("Unavailable"); got != "Unavailable" {
		t.Errorf("RedactTitle = %q, want configured label", got)
	}
}
