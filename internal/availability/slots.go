package availability

import (
	"slices"
	"time"

	"freebusy/internal/models"
)

const timeLayout = time.RFC3339

type interval struct {
	start, end time.Time
}

// FindSlots enumerates free slots of durationMinutes inside rng.
//
// Every calendar date (in the policy location) from the date of rng.Start
// through the date of rng.End is scanned left to right within its working
// hours. A free position emits a slot and moves the cursor by the slot length;
// a conflict moves the cursor straight to the end of the earliest conflicting
// interval. Weekends are skipped when the policy says so.
//
// A non-positive duration or an empty working day yields no slots.
func FindSlots(rng models.TimeWindow, durationMinutes int, events []models.Event, policy models.Policy) []models.FreeSlot {
	slots := []models.FreeSlot{}
	if durationMinutes <= 0 || !validHours(policy) || !rng.Valid() {
		return slots
	}

	loc := policy.Loc()
	duration := time.Duration(durationMinutes) * time.Minute
	busy := busyIntervals(events)

	first := rng.Start.In(loc)
	last := midnight(rng.End.In(loc))
	for offset := 0; ; offset++ {
		day := time.Date(first.Year(), first.Month(), first.Day()+offset, 0, 0, 0, 0, loc)
		if day.After(last) {
			break
		}
		if policy.ExcludeWeekends && isWeekend(day.Weekday()) {
			continue
		}
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), policy.WorkStartHour, 0, 0, 0, loc)
		dayEnd := time.Date(day.Year(), day.Month(), day.Day(), policy.WorkEndHour, 0, 0, 0, loc)
		slots = append(slots, scanDay(dayStart, dayEnd, duration, busyWithin(busy, dayStart, dayEnd))...)
	}
	return slots
}

// scanDay walks one working day. busy must be sorted by start.
func scanDay(dayStart, dayEnd time.Time, duration time.Duration, busy []interval) []models.FreeSlot {
	var slots []models.FreeSlot
	cursor := dayStart
	next := 0
	for !cursor.Add(duration).After(dayEnd) {
		slotEnd := cursor.Add(duration)
		// Intervals already passed cannot conflict again.
		for next < len(busy) && !busy[next].end.After(cursor) {
			next++
		}
		b, found := firstConflict(busy[next:], cursor, slotEnd)
		if !found {
			slots = append(slots, models.FreeSlot{Start: cursor.UTC(), End: slotEnd.UTC()})
			cursor = slotEnd
			continue
		}
		cursor = b.end
	}
	return slots
}

func firstConflict(busy []interval, start, end time.Time) (interval, bool) {
	for _, b := range busy {
		if !b.start.Before(end) {
			break
		}
		if start.Before(b.end) && end.After(b.start) {
			return b, true
		}
	}
	return interval{}, false
}

// busyIntervals returns the events as intervals, stable-sorted by start.
func busyIntervals(events []models.Event) []interval {
	busy := make([]interval, 0, len(events))
	for _, ev := range events {
		if ev.Start.Before(ev.End) {
			busy = append(busy, interval{start: ev.Start, end: ev.End})
		}
	}
	slices.SortStableFunc(busy, func(a, b interval) int {
		return a.start.Compare(b.start)
	})
	return busy
}

// busyWithin keeps the intervals overlapping [from, to), preserving order.
func busyWithin(busy []interval, from, to time.Time) []interval {
	var out []interval
	for _, b := range busy {
		if !b.start.Before(to) {
			break
		}
		if b.end.After(from) {
			out = append(out, b)
		}
	}
	return out
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

func validHours(p models.Policy) bool {
	return p.WorkStartHour >= 0 && p.WorkEndHour <= 24 && p.WorkStartHour < p.WorkEndHour
}
