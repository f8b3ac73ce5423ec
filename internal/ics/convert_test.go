package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
)

const convertFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:weekly-1\r\n" +
	"DTSTAMP:20250301T000000Z\r\n" +
	"RECURRENCE-ID:20250317T100000Z\r\n" +
	"SUMMARY:Weekly sync\r\n" +
	"LOCATION:Room 2\r\n" +
	"DTSTART:20250317T100000Z\r\n" +
	"DTEND:20250317T110000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTAMP:20250301T000000Z\r\n" +
	"SUMMARY:No uid\r\n" +
	"DTSTART;VALUE=DATE:20250318\r\n" +
	"DTEND;VALUE=DATE:20250319\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func decodeFixture(t *testing.T) []ical.Event {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(convertFixture)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	return cal.Events()
}

func TestToRawEvent(t *testing.T) {
	events := decodeFixture(t)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	timed := ToRawEvent(events[0], "caldav:/cal/work/")
	if timed.ID != "weekly-1/20250317T100000Z" {
		t.Errorf("ID = %q", timed.ID)
	}
	if timed.Title != "Weekly sync" || timed.Location != "Room 2" || timed.CalendarID != "caldav:/cal/work/" {
		t.Errorf("unexpected record %+v", timed)
	}
	if timed.Start != "2025-03-17T10:00:00Z" || timed.End != "2025-03-17T11:00:00Z" || timed.AllDay != nil {
		t.Errorf("unexpected times %+v", timed)
	}

	allDay := ToRawEvent(events[1], "ics:holidays")
	if allDay.AllDay == nil || !*allDay.AllDay {
		t.Errorf("expected all-day record, got %+v", allDay)
	}
	if allDay.ID == "" {
		t.Error("expected a synthesized ID")
	}
	again := ToRawEvent(decodeFixture(t)[1], "ics:holidays")
	if again.ID != allDay.ID {
		t.Errorf("synthesized IDs differ: %q vs %q", allDay.ID, again.ID)
	}
	if other := ToRawEvent(events[1], "ics:other"); other.ID == allDay.ID {
		t.Error("synthesized ID should depend on the calendar")
	}
}

func TestExpandEventsPassesThroughUnresolvable(t *testing.T) {
	const body = "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:broken\r\n" +
		"DTSTAMP:20250301T000000Z\r\n" +
		"DTSTART;TZID=Nowhere/City:20250317T100000\r\n" +
		"DTEND;TZID=Nowhere/City:20250317T110000\r\n" +
		"RRULE:FREQ=DAILY\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(body)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	records := ExpandEvents(cal.Events(), "ics:x", start, start.Add(24*time.Hour))
	if len(records) != 1 || records[0].Start != "20250317T100000" || records[0].Timezone != "Nowhere/City" {
		t.Errorf("expected the raw record to reach the normalizer, got %+v", records)
	}
}
