package source

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/normalize"
)

// Cap on occurrences expanded from a single recurring event, so a
// pathological RRULE cannot blow up a run.
const maxOccurrencesPerEvent = 1000

// parsedEvent is one VEVENT before recurrence expansion.
type parsedEvent struct {
	uid     string
	summary string

	start    time.Time
	end      time.Time
	dateOnly bool

	rawRRule   string
	exDates    []time.Time
	recurrence *time.Time // RECURRENCE-ID, set on override instances
}

// expandICS parses an ICS payload and expands it into raw events whose
// intervals intersect the window, converted into loc.
func expandICS(body []byte, window model.Window, loc *time.Location) ([]normalize.RawEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var base []parsedEvent
	overridesByUID := make(map[string][]parsedEvent)

	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			// One unparseable VEVENT must not hide the rest of the feed;
			// it is logged and skipped at the wire-format layer. Semantic
			// problems (start >= end) still reach the normalizer and fail
			// the run there.
			log.Warn("skipping unparseable VEVENT", "reason", err.Error())
			continue
		}
		if ev.recurrence != nil {
			overridesByUID[ev.uid] = append(overridesByUID[ev.uid], ev)
		} else {
			base = append(base, ev)
		}
	}

	var out []normalize.RawEvent
	for _, ev := range base {
		out = append(out, expandEvent(ev, overridesByUID[ev.uid], window, loc)...)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.uid = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.summary = p.Value
	}

	start, _ := ve.GetStartAt()
	end, _ := ve.GetEndAt()
	out.start = start
	out.end = end

	// Date-only detection: VALUE=DATE parameter or a DTSTART with no
	// time-of-day component. Duration is never consulted.
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if params := p.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.dateOnly = true
			}
		}
		if !strings.Contains(p.Value, "T") {
			out.dateOnly = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := propertyLocation(p)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, propertyLocation(p)); err == nil {
			out.recurrence = &t
		}
	}

	return out, nil
}

// expandEvent turns one base VEVENT (plus its overrides) into the raw
// occurrences intersecting the window.
func expandEvent(ev parsedEvent, overrides []parsedEvent, window model.Window, loc *time.Location) []normalize.RawEvent {
	if ev.rawRRule == "" {
		if !intersects(ev.start, ev.end, window) {
			return nil
		}
		occ := ev
		if o, ok := overrideFor(overrides, ev.start); ok {
			occ = o
		}
		return []normalize.RawEvent{makeRaw(occ, occ.start, occ.end, loc)}
	}

	r, err := rrule.StrToRRule(ev.rawRRule)
	if err != nil {
		log.Warn("unparseable RRULE, treating event as single occurrence",
			"uid", ev.uid, "rrule", ev.rawRRule)
		if !intersects(ev.start, ev.end, window) {
			return nil
		}
		return []normalize.RawEvent{makeRaw(ev, ev.start, ev.end, loc)}
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	dur := ev.end.Sub(ev.start)
	// Widen the query so occurrences that start before the window but
	// still run into it are not missed.
	rangeStart := window.Start.Add(-dur).In(ev.start.Location())
	rangeEnd := window.End.In(ev.start.Location())

	times := set.Between(rangeStart, rangeEnd, true)
	if len(times) > maxOccurrencesPerEvent {
		log.Warn("recurrence expansion capped", "uid", ev.uid, "cap", maxOccurrencesPerEvent)
		times = times[:maxOccurrencesPerEvent]
	}

	var out []normalize.RawEvent
	for _, start := range times {
		end := start.Add(dur)
		occ := ev
		if o, ok := overrideFor(overrides, start); ok {
			occ = o
			start, end = o.start, o.end
		}
		if !intersects(start, end, window) {
			continue
		}
		out = append(out, makeRaw(occ, start, end, loc))
	}
	return out
}

// overrideFor finds the override whose RECURRENCE-ID equals the base
// occurrence start.
func overrideFor(overrides []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, ov := range overrides {
		if ov.recurrence != nil && ov.recurrence.In(start.Location()).Equal(start) {
			return ov, true
		}
	}
	return parsedEvent{}, false
}

func makeRaw(ev parsedEvent, start, end time.Time, loc *time.Location) normalize.RawEvent {
	start = start.In(loc)
	if !end.IsZero() {
		end = end.In(loc)
	}
	return normalize.RawEvent{
		// Instance-qualified so repeated fetches of the same occurrence
		// produce a stable identifier.
		UID:      ev.uid + "@" + start.UTC().Format(time.RFC3339),
		Summary:  ev.summary,
		Start:    start,
		End:      end,
		DateOnly: ev.dateOnly,
	}
}

// intersects reports whether [start, end) intersects the window. A zero
// end cannot be judged here; it is passed through for the normalizer to
// reject.
func intersects(start, end time.Time, window model.Window) bool {
	if end.IsZero() {
		return true
	}
	return start.Before(window.End) && window.Start.Before(end)
}

// propertyLocation resolves a property's TZID parameter. Properties
// without one, or with a zone the host cannot load, fall back to the
// local zone.
func propertyLocation(p *ical.IANAProperty) *time.Location {
	if params := p.ICalParameters; params != nil {
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			if loc, err := time.LoadLocation(tzs[0]); err == nil {
				return loc
			}
			log.Warn("unknown TZID, falling back to local zone", "tzid", tzs[0])
		}
	}
	return time.Local
}

// parseICSTime parses the basic ICS date/date-time forms used by EXDATE
// and RECURRENCE-ID values. Floating values take the given location,
// which carries the property's TZID when present.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
