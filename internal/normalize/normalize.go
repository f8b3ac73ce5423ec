// Package normalize turns loosely typed provider records into canonical events.
// It is the only place where provider timestamp encodings are interpreted.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"freebusy/internal/apperr"
	"freebusy/internal/models"
)

// All-day flags are only believed when the duration is within this band of
// a full day (exclusive).
const (
	allDayMinRatio = 0.95
	allDayMaxRatio = 1.05
)

// Normalize converts one raw record into a canonical Event attributed to
// sourceID.
func Normalize(raw models.RawEvent, sourceID string) (models.Event, error) {
	zone, named := LoadZone(raw.Timezone)

	start, startErr := ParseTimestamp(raw.Start, zone)
	end, endErr := ParseTimestamp(raw.End, zone)
	if startErr != nil || endErr != nil {
		return models.Event{}, apperr.New(apperr.MalformedTimestamp,
			fmt.Sprintf("event %q from %s", raw.ID, sourceID), errors.Join(startErr, endErr))
	}
	if !start.Before(end) {
		return models.Event{}, apperr.New(apperr.InvertedInterval,
			fmt.Sprintf("event %q from %s ends at or before its start", raw.ID, sourceID), nil)
	}

	ev := models.Event{
		ID:       raw.ID,
		SourceID: sourceID,
		Title:    raw.Title,
		Start:    start,
		End:      end,
		AllDay:   raw.AllDay != nil && *raw.AllDay && looksAllDay(start, end, zone),
		Location: raw.Location,
	}
	if named {
		ev.Zone = zone.String()
	}
	return ev, nil
}

// FromEvent renders a canonical event back into raw form. Normalizing the
// result with the same source ID yields the original event.
func FromEvent(e models.Event) models.RawEvent {
	allDay := e.AllDay
	return models.RawEvent{
		ID:         e.ID,
		CalendarID: e.SourceID,
		Title:      e.Title,
		Start:      e.Start.UTC().Format(time.RFC3339Nano),
		End:        e.End.UTC().Format(time.RFC3339Nano),
		AllDay:     &allDay,
		Location:   e.Location,
		Timezone:   e.Zone,
	}
}

// looksAllDay reports whether [start, end) has the shape of an all-day event:
// it starts at local midnight and lasts roughly 24 hours.
func looksAllDay(start, end time.Time, zone *time.Location) bool {
	local := start.In(zone)
	if local.Hour() != 0 || local.Minute() != 0 || local.Second() != 0 || local.Nanosecond() != 0 {
		return false
	}
	ratio := end.Sub(start).Hours() / 24
	return ratio > allDayMinRatio && ratio < allDayMaxRatio
}
