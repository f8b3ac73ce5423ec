package caldav

import (
	"io"
	"strings"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

func TestCustomTransportAddsAuth(t *testing.T) {
	var user, pass, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		agent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &customTransport{Username: "me@icloud.com", Password: "app-pass", Transport: http.DefaultTransport}}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if user != "me@icloud.com" || pass != "app-pass" {
		t.Errorf("basic auth = %q/%q", user, pass)
	}
	if agent != "freebusy/1.0" {
		t.Errorf("user agent = %q", agent)
	}
	if _, _, ok := req.BasicAuth(); ok {
		t.Error("original request must not be modified")
	}
}

func TestEventQueryFiltersWindow(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	start := time.Date(2025, 3, 17, 1, 0, 0, 0, berlin)
	end := start.Add(48 * time.Hour)

	q := eventQuery(start, end)
	if q.CompFilter.Name != ical.CompCalendar || len(q.CompFilter.Comps) != 1 {
		t.Fatalf("unexpected filter %+v", q.CompFilter)
	}
	ev := q.CompFilter.Comps[0]
	if ev.Name != ical.CompEvent || !ev.Start.Equal(start) || !ev.End.Equal(end) {
		t.Errorf("unexpected event filter %+v", ev)
	}
	if ev.Start.Location() != time.UTC {
		t.Error("time-range filter should be sent in UTC")
	}
	if len(q.CompRequest.Comps) != 1 || q.CompRequest.Comps[0].Name != ical.CompEvent || !q.CompRequest.Comps[0].AllProps {
		t.Errorf("expected full VEVENTs to be requested, got %+v", q.CompRequest)
	}
}

const weeklyObject = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20250303T090000Z\r\n" +
	"DTEND:20250303T091500Z\r\n" +
	"RRULE:FREQ=DAILY;BYDAY=MO,TU,WE,TH,FR\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"RECURRENCE-ID:20250318T090000Z\r\n" +
	"SUMMARY:Standup (moved)\r\n" +
	"DTSTART:20250318T100000Z\r\n" +
	"DTEND:20250318T101500Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestObjectRecordsExpandsRecurrence(t *testing.T) {
	cal, err := ical.NewDecoder(strings.NewReader(weeklyObject)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	objects := []caldav.CalendarObject{{Path: "/cal/work/standup.ics", Data: cal}, {Path: "/cal/work/empty.ics"}}

	start := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	records := objectRecords(objects, "caldav:/cal/work/", start, start.Add(48*time.Hour))

	got := map[string]string{}
	for _, r := range records {
		got[r.ID] = r.Start
	}
	want := map[string]string{
		"standup/20250317T090000Z": "2025-03-17T09:00:00Z",
		"standup/20250318T090000Z": "2025-03-18T10:00:00Z",
	}
	if len(got) != len(want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	for id, s := range want {
		if got[id] != s {
			t.Errorf("record %s starts %q, want %q", id, got[id], s)
		}
	}
}

func TestNewClientDefaultsToICloud(t *testing.T) {
	c, err := NewClient(testLogger(), "", "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	if c.caldavClient == nil {
		t.Error("caldav client not initialised")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
