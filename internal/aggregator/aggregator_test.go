package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"freebusy/internal/apperr"
	"freebusy/internal/models"
)

type fakeProvider struct {
	calendars []models.CalendarSource
	events    []models.RawEvent
	err       error
	// block makes ListEvents wait for ctx (or forever when ignoreCtx is set).
	block     bool
	ignoreCtx bool
	calls     atomic.Int32
	gotIDs    []string
}

func (f *fakeProvider) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.calendars, nil
}

func (f *fakeProvider) ListEvents(ctx context.Context, ids []string, start, end time.Time) ([]models.RawEvent, error) {
	f.calls.Add(1)
	f.gotIDs = ids
	if f.block {
		if f.ignoreCtx {
			select {}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testWindow = models.TimeWindow{
	Start: time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC),
}

func raw(id, start, end string) models.RawEvent {
	return models.RawEvent{ID: id, Title: "event " + id, Start: start, End: end}
}

func TestAggregateMixedSources(t *testing.T) {
	healthy := &fakeProvider{events: []models.RawEvent{
		raw("b", "2025-03-18T10:00:00Z", "2025-03-18T11:00:00Z"),
		raw("a", "2025-03-17T12:00:00Z", "2025-03-17T13:00:00Z"),
	}}
	slow := &fakeProvider{block: true}
	malformed := &fakeProvider{events: []models.RawEvent{
		raw("bad", "not a time", "2025-03-18T11:00:00Z"),
	}}

	agg := New(testLogger(), Options{SourceTimeout: 50 * time.Millisecond})
	res, errs, err := agg.Aggregate(context.Background(), []SourceRef{
		{ID: "google:work", Provider: healthy},
		{ID: "caldav:home", Provider: slow},
		{ID: "ics:team", Provider: malformed},
	}, testWindow)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(res.Events), res.Events)
	}
	if res.Events[0].ID != "a" || res.Events[1].ID != "b" {
		t.Errorf("events not sorted by start: %+v", res.Events)
	}
	for _, ev := range res.Events {
		if ev.SourceID != "google:work" {
			t.Errorf("unexpected provenance %q", ev.SourceID)
		}
	}

	if len(errs) != 1 {
		t.Fatalf("expected exactly one source error, got %+v", errs)
	}
	if errs[0].SourceID != "caldav:home" || errs[0].Reason != ReasonTimeout {
		t.Errorf("unexpected source error %+v", errs[0])
	}

	if len(res.Dropped) != 1 || res.Dropped[0].Kind != apperr.MalformedTimestamp || res.Dropped[0].SourceID != "ics:team" {
		t.Errorf("unexpected dropped records %+v", res.Dropped)
	}
}

func TestAggregateOneFailingOneHealthy(t *testing.T) {
	healthy := &fakeProvider{events: []models.RawEvent{raw("1", "2025-03-17T09:00:00Z", "2025-03-17T10:00:00Z")}}
	broken := &fakeProvider{err: errors.New("connection refused")}

	res, errs, err := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{
		{ID: "broken", Provider: broken},
		{ID: "healthy", Provider: healthy},
	}, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].SourceID != "healthy" {
		t.Errorf("unexpected events %+v", res.Events)
	}
	if len(errs) != 1 || errs[0].Reason != ReasonUnreachable {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestAggregateProviderIgnoringContext(t *testing.T) {
	stuck := &fakeProvider{block: true, ignoreCtx: true}
	done := make(chan struct{})
	var errs []SourceError
	go func() {
		defer close(done)
		_, errs, _ = New(testLogger(), Options{SourceTimeout: 20 * time.Millisecond}).Aggregate(
			context.Background(), []SourceRef{{ID: "stuck", Provider: stuck}}, testWindow)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregation stalled on a provider that ignores its context")
	}
	if len(errs) != 1 || errs[0].Reason != ReasonTimeout {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestAggregateOverallDeadline(t *testing.T) {
	slow := &fakeProvider{block: true}
	_, errs, err := New(testLogger(), Options{SourceTimeout: time.Minute, Deadline: 30 * time.Millisecond}).Aggregate(
		context.Background(), []SourceRef{{ID: "slow", Provider: slow}}, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Reason != ReasonTimeout {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestAggregateCallerCancellation(t *testing.T) {
	slow := &fakeProvider{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, errs, err := New(testLogger(), Options{SourceTimeout: time.Minute}).Aggregate(
		ctx, []SourceRef{{ID: "slow", Provider: slow}}, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Reason != ReasonCanceled {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestAggregateInvalidResponse(t *testing.T) {
	bad := &fakeProvider{err: fmt.Errorf("decode feed: %w", models.ErrInvalidResponse)}
	_, errs, _ := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{{ID: "ics:x", Provider: bad}}, testWindow)
	if len(errs) != 1 || errs[0].Reason != ReasonInvalidResponse {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestAggregateDedupLatestWins(t *testing.T) {
	p := &fakeProvider{events: []models.RawEvent{
		{ID: "x", Title: "old", Start: "2025-03-17T09:00:00Z", End: "2025-03-17T10:00:00Z"},
		{ID: "x", Title: "new", Start: "2025-03-17T09:30:00Z", End: "2025-03-17T10:30:00Z"},
		{ID: "x", CalendarID: "google:other", Title: "other calendar", Start: "2025-03-17T09:00:00Z", End: "2025-03-17T10:00:00Z"},
	}}
	res, _, _ := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{{ID: "google:work", Provider: p}}, testWindow)
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events after dedup, got %+v", res.Events)
	}
	var found bool
	for _, ev := range res.Events {
		if ev.SourceID == "google:work" {
			found = true
			if ev.Title != "new" {
				t.Errorf("latest occurrence should win, got %q", ev.Title)
			}
		}
	}
	if !found {
		t.Error("missing event from google:work")
	}
}

func TestAggregateDeterministicOrder(t *testing.T) {
	p1 := &fakeProvider{events: []models.RawEvent{raw("2", "2025-03-17T09:00:00Z", "2025-03-17T10:00:00Z"), raw("1", "2025-03-17T09:00:00Z", "2025-03-17T10:00:00Z")}}
	p2 := &fakeProvider{events: []models.RawEvent{raw("0", "2025-03-17T09:00:00Z", "2025-03-17T10:00:00Z")}}

	res, _, _ := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{
		{ID: "b-source", Provider: p1},
		{ID: "a-source", Provider: p2},
	}, testWindow)

	var got []string
	for _, ev := range res.Events {
		got = append(got, ev.SourceID+"/"+ev.ID)
	}
	want := []string{"a-source/0", "b-source/1", "b-source/2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestAggregateRejectsInvalidWindow(t *testing.T) {
	p := &fakeProvider{}
	_, _, err := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{{ID: "p", Provider: p}},
		models.TimeWindow{Start: testWindow.End, End: testWindow.Start})
	if !apperr.IsKind(err, apperr.InvalidRange) {
		t.Fatalf("expected InvalidRange, got %v", err)
	}
	if p.calls.Load() != 0 {
		t.Error("provider must not be called for an invalid window")
	}
}

func TestAggregatePassesCalendarIDs(t *testing.T) {
	p := &fakeProvider{}
	_, _, _ = New(testLogger(), Options{}).Aggregate(context.Background(),
		[]SourceRef{{ID: "google:work", Provider: p, CalendarIDs: []string{"google:primary"}}}, testWindow)
	if len(p.gotIDs) != 1 || p.gotIDs[0] != "google:primary" {
		t.Errorf("calendar IDs not forwarded: %v", p.gotIDs)
	}
}

type panicProvider struct{}

func (panicProvider) ListCalendars(context.Context) ([]models.CalendarSource, error) {
	return nil, nil
}

func (panicProvider) ListEvents(context.Context, []string, time.Time, time.Time) ([]models.RawEvent, error) {
	panic("nil map")
}

func TestAggregateRecoversProviderPanic(t *testing.T) {
	_, errs, _ := New(testLogger(), Options{}).Aggregate(context.Background(), []SourceRef{{ID: "p", Provider: panicProvider{}}}, testWindow)
	if len(errs) != 1 || errs[0].Reason != ReasonInvalidResponse {
		t.Errorf("unexpected errors %+v", errs)
	}
}

func TestDiscover(t *testing.T) {
	google := &fakeProvider{calendars: []models.CalendarSource{
		{ID: "google:team", Provider: models.ProviderGoogle, DisplayName: "Team"},
		{ID: "google:primary", Provider: models.ProviderGoogle, DisplayName: "Me", IsPrimary: true},
	}}
	thunderbird := &fakeProvider{calendars: []models.CalendarSource{
		{ID: "thunderbird:1", Provider: models.ProviderThunderbird, DisplayName: "Home"},
		{ID: "google:team", Provider: models.ProviderGoogle, DisplayName: "Team duplicate"},
	}}
	broken := &fakeProvider{err: errors.New("token expired")}

	cals, errs := New(testLogger(), Options{}).Discover(context.Background(), []SourceRef{
		{ID: "google", Provider: google},
		{ID: "thunderbird", Provider: thunderbird},
		{ID: "microsoft", Provider: broken},
	})
	if len(errs) != 1 || errs[0].SourceID != "microsoft" {
		t.Errorf("unexpected errors %+v", errs)
	}
	var ids []string
	for _, c := range cals {
		ids = append(ids, c.ID)
	}
	want := []string{"google:primary", "google:team", "thunderbird:1"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("calendars = %v, want %v", ids, want)
	}
}
