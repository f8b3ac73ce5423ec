package availability

import (
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"freebusy/internal/models"
)

func workPolicy() models.Policy {
	return models.Policy{WorkStartHour: 9, WorkEndHour: 17, GranularityMinutes: 30, ExcludeWeekends: true, Location: time.UTC}
}

func slotStrings(slots []models.FreeSlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.Format("02 15:04")+"-"+s.End.Format("15:04"))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFindSlotsAroundLunch(t *testing.T) {
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(18, 0, 0)}
	events := []models.Event{event("lunch", at(17, 12, 0), at(17, 13, 0))}

	got := slotStrings(FindSlots(rng, 60, events, workPolicy()))
	want := []string{
		"17 09:00-10:00", "17 10:00-11:00", "17 11:00-12:00",
		"17 13:00-14:00", "17 14:00-15:00", "17 15:00-16:00", "17 16:00-17:00",
		"18 09:00-10:00", "18 10:00-11:00", "18 11:00-12:00", "18 12:00-13:00",
		"18 13:00-14:00", "18 14:00-15:00", "18 15:00-16:00", "18 16:00-17:00",
	}
	if !equalStrings(got, want) {
		t.Errorf("slots =\n%v\nwant\n%v", got, want)
	}
}

func TestFindSlotsSkipsWeekend(t *testing.T) {
	// 2025-03-22 is a Saturday, 2025-03-23 a Sunday.
	rng := models.TimeWindow{Start: at(21, 0, 0), End: at(24, 0, 0)}
	slots := FindSlots(rng, 60, nil, workPolicy())
	for _, s := range slots {
		if wd := s.Start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Errorf("slot on weekend: %v", s.Start)
		}
	}
	if len(slots) != 16 {
		t.Errorf("expected 16 slots over Friday and Monday, got %d", len(slots))
	}

	p := workPolicy()
	p.ExcludeWeekends = false
	if n := len(FindSlots(rng, 60, nil, p)); n != 32 {
		t.Errorf("expected 32 slots with weekends, got %d", n)
	}
}

func TestFindSlotsDegenerateInputs(t *testing.T) {
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(18, 0, 0)}

	if n := len(FindSlots(rng, 0, nil, workPolicy())); n != 0 {
		t.Errorf("zero duration: got %d slots", n)
	}
	if n := len(FindSlots(rng, -30, nil, workPolicy())); n != 0 {
		t.Errorf("negative duration: got %d slots", n)
	}
	p := workPolicy()
	p.WorkStartHour, p.WorkEndHour = 17, 9
	if slots := FindSlots(rng, 60, nil, p); slots == nil || len(slots) != 0 {
		t.Errorf("inverted hours: expected empty non-nil result, got %v", slots)
	}
	if n := len(FindSlots(rng, 9*60, nil, workPolicy())); n != 0 {
		t.Errorf("duration longer than working day: got %d slots", n)
	}
}

func TestFindSlotsResumesAtConflictEnd(t *testing.T) {
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(17, 0, 0).Add(time.Hour)}
	events := []models.Event{event("call", at(17, 9, 0), at(17, 9, 10))}

	for _, granularity := range []int{15, 30, 60} {
		p := workPolicy()
		p.GranularityMinutes = granularity
		slots := FindSlots(rng, 30, events, p)
		if len(slots) == 0 || !slots[0].Start.Equal(at(17, 9, 10)) || !slots[0].End.Equal(at(17, 9, 40)) {
			t.Errorf("granularity %d: expected first slot 09:10-09:40, got %v", granularity, slotStrings(slots))
		}
	}

	got := slotStrings(FindSlots(rng, 30, events, workPolicy()))
	if len(got) < 2 || got[1] != "17 09:40-10:10" {
		t.Errorf("expected the scan to continue from 09:40, got %v", got)
	}
}

func TestFindSlotsOverlappingBusy(t *testing.T) {
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(17, 1, 0)}
	events := []models.Event{
		event("long", at(17, 9, 0), at(17, 12, 0)),
		event("nested", at(17, 10, 0), at(17, 11, 0)),
		event("overlap", at(17, 11, 30), at(17, 13, 0)),
	}
	got := slotStrings(FindSlots(rng, 60, events, workPolicy()))
	want := []string{"17 13:00-14:00", "17 14:00-15:00", "17 15:00-16:00", "17 16:00-17:00"}
	if !equalStrings(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}
}

func TestFindSlotsEventSpanningDays(t *testing.T) {
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(18, 0, 0)}
	events := []models.Event{event("trip", at(17, 15, 0), at(18, 10, 0))}
	got := slotStrings(FindSlots(rng, 60, events, workPolicy()))
	want := []string{
		"17 09:00-10:00", "17 10:00-11:00", "17 11:00-12:00", "17 12:00-13:00",
		"17 13:00-14:00", "17 14:00-15:00",
		"18 10:00-11:00", "18 11:00-12:00", "18 12:00-13:00", "18 13:00-14:00",
		"18 14:00-15:00", "18 15:00-16:00", "18 16:00-17:00",
	}
	if !equalStrings(got, want) {
		t.Errorf("slots = %v, want %v", got, want)
	}
}

func TestFindSlotsLocalWorkingHours(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	p := workPolicy()
	p.Location = berlin
	rng := models.TimeWindow{Start: at(17, 0, 0), End: at(17, 1, 0)}
	slots := FindSlots(rng, 60, nil, p)
	if len(slots) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(slots))
	}
	// 09:00 CET is 08:00 UTC.
	if !slots[0].Start.Equal(at(17, 8, 0)) {
		t.Errorf("first slot = %v, want 08:00 UTC", slots[0].Start)
	}
	if slots[0].Start.Location() != time.UTC {
		t.Errorf("slots should be reported in UTC")
	}
}

func TestFindSlotsProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	p := workPolicy()
	rng := models.TimeWindow{Start: at(3, 0, 0), End: at(28, 0, 0)}

	for round := 0; round < 50; round++ {
		var events []models.Event
		for i := 0; i < 40; i++ {
			start := rng.Start.Add(time.Duration(r.Intn(25*24*4)) * 15 * time.Minute)
			end := start.Add(time.Duration(1+r.Intn(16)) * 15 * time.Minute)
			events = append(events, event("e", start, end))
		}
		duration := 15 * (1 + r.Intn(8))
		slots := FindSlots(rng, duration, events, p)

		for i, s := range slots {
			if s.End.Sub(s.Start) != time.Duration(duration)*time.Minute {
				t.Fatalf("slot %v has wrong length", s)
			}
			if i > 0 && s.Start.Before(slots[i-1].End) {
				t.Fatalf("slots out of order or overlapping: %v then %v", slots[i-1], s)
			}
			if wd := s.Start.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Fatalf("slot on weekend: %v", s)
			}
			dayStart := time.Date(s.Start.Year(), s.Start.Month(), s.Start.Day(), p.WorkStartHour, 0, 0, 0, time.UTC)
			dayEnd := time.Date(s.Start.Year(), s.Start.Month(), s.Start.Day(), p.WorkEndHour, 0, 0, 0, time.UTC)
			if s.Start.Before(dayStart) || s.End.After(dayEnd) {
				t.Fatalf("slot outside working hours: %v", s)
			}
			w := models.TimeWindow{Start: s.Start, End: s.End}
			for _, ev := range events {
				if w.Overlaps(ev.Start, ev.End) {
					t.Fatalf("slot %v overlaps event %v-%v", s, ev.Start, ev.End)
				}
			}
		}
	}
}
