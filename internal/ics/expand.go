package ics

import (
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"freebusy/internal/models"
)

const maxOccurrencesPerEvent = 5000

// occurrenceLayout stamps an occurrence start into its record ID.
const occurrenceLayout = "20060102T150405Z"

// ExpandEvents turns the VEVENTs of one calendar (or one CalDAV object) into
// raw records for every occurrence overlapping [start, end).
//
// Recurring masters (RRULE/RDATE/EXDATE) are expanded into one record per
// occurrence with ID "<uid>/<occurrence start in UTC>". Overridden instances
// (VEVENTs carrying RECURRENCE-ID) replace the occurrence they name. Events
// whose times cannot be resolved are passed through so the normalizer decides
// what to do with them.
func ExpandEvents(events []ical.Event, calendarID string, start, end time.Time) []models.RawEvent {
	overridden := overriddenStarts(events)

	var out []models.RawEvent
	for _, ev := range events {
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			if overlapsWindow(ev, start, end) {
				out = append(out, ToRawEvent(ev, calendarID))
			}
			continue
		}

		set, err := ev.RecurrenceSet(time.UTC)
		if err != nil || set == nil {
			// Not recurring, or a rule we cannot read: judge the first occurrence.
			if overlapsWindow(ev, start, end) {
				out = append(out, ToRawEvent(ev, calendarID))
			}
			continue
		}

		uid, _ := ev.Props.Text(ical.PropUID)
		out = append(out, expandRecurring(ev, set, calendarID, overridden[uid], start, end)...)
	}
	return out
}

func expandRecurring(ev ical.Event, set *rrule.Set, calendarID string, skip map[int64]bool, start, end time.Time) []models.RawEvent {
	evStart, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return []models.RawEvent{ToRawEvent(ev, calendarID)}
	}
	length := eventLength(ev, evStart)

	// Occurrences that began before the window can still run into it.
	occurrences := set.Between(start.Add(-length), end, true)
	if len(occurrences) > maxOccurrencesPerEvent {
		occurrences = occurrences[:maxOccurrencesPerEvent]
	}

	base := ToRawEvent(ev, calendarID)
	var out []models.RawEvent
	for _, occ := range occurrences {
		occEnd := occ.Add(length)
		if !occ.Before(end) || !occEnd.After(start) || skip[occ.Unix()] {
			continue
		}
		rec := base
		rec.ID = base.ID + "/" + occ.UTC().Format(occurrenceLayout)
		rec.Start = occ.UTC().Format(time.RFC3339)
		rec.End = occEnd.UTC().Format(time.RFC3339)
		out = append(out, rec)
	}
	return out
}

// eventLength is DTEND (or DURATION) minus DTSTART. A missing end means one
// day for all-day events and zero otherwise.
func eventLength(ev ical.Event, evStart time.Time) time.Duration {
	evEnd, err := ev.DateTimeEnd(time.UTC)
	if err == nil && !evEnd.IsZero() && evEnd.After(evStart) {
		return evEnd.Sub(evStart)
	}
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		return 24 * time.Hour
	}
	return 0
}

// overriddenStarts maps UID to the original starts replaced by RECURRENCE-ID
// instances.
func overriddenStarts(events []ical.Event) map[string]map[int64]bool {
	out := make(map[string]map[int64]bool)
	for _, ev := range events {
		rid := ev.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			continue
		}
		t, err := rid.DateTime(time.UTC)
		if err != nil {
			continue
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		if out[uid] == nil {
			out[uid] = make(map[int64]bool)
		}
		out[uid][t.Unix()] = true
	}
	return out
}
