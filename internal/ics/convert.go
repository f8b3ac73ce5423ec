// Package ics reads iCalendar subscription feeds and converts iCalendar
// VEVENTs into raw event records.
package ics

import (
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"freebusy/internal/models"
)

// ToRawEvent converts one VEVENT into a raw record for calendarID.
//
// Times are rendered as RFC 3339 when go-ical can resolve them and passed
// through verbatim otherwise, so unparsable values are judged by the
// normalizer. VALUE=DATE starts mark the record as all-day.
func ToRawEvent(ev ical.Event, calendarID string) models.RawEvent {
	summary, _ := ev.Props.Text(ical.PropSummary)
	location, _ := ev.Props.Text(ical.PropLocation)

	rec := models.RawEvent{
		ID:         eventID(ev, calendarID),
		CalendarID: calendarID,
		Title:      summary,
		Location:   location,
	}

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return rec
	}
	if tzid := startProp.Params.Get(ical.ParamTimezoneID); tzid != "" {
		rec.Timezone = tzid
	}
	if startProp.ValueType() == ical.ValueDate {
		allDay := true
		rec.AllDay = &allDay
	}

	if start, err := ev.DateTimeStart(time.UTC); err == nil {
		rec.Start = start.Format(time.RFC3339)
	} else {
		rec.Start = startProp.Value
	}
	if end, err := ev.DateTimeEnd(time.UTC); err == nil && !end.IsZero() {
		rec.End = end.Format(time.RFC3339)
	} else if endProp := ev.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		rec.End = endProp.Value
	}
	return rec
}

// eventID is the UID, qualified by RECURRENCE-ID for expanded instances. Events
// without a UID get a name-based UUID so repeated fetches map to the same ID.
func eventID(ev ical.Event, calendarID string) string {
	uid, _ := ev.Props.Text(ical.PropUID)
	if uid == "" {
		start := ""
		if p := ev.Props.Get(ical.PropDateTimeStart); p != nil {
			start = p.Value
		}
		summary, _ := ev.Props.Text(ical.PropSummary)
		uid = uuid.NewSHA1(uuid.NameSpaceURL, []byte(calendarID+"\x00"+start+"\x00"+summary)).String()
	}
	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil && rid.Value != "" {
		return uid + "/" + rid.Value
	}
	return uid
}
