package ics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"

	"freebusy/internal/models"
)

// Feed is a read-only iCalendar subscription (webcal/https URL).
type Feed struct {
	client *http.Client
	logger *slog.Logger
	name   string
	url    string
}

// NewFeed creates a feed provider. name becomes the calendar ID suffix.
func NewFeed(logger *slog.Logger, name, url string) *Feed {
	return &Feed{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("provider", models.ProviderICS, "feed", name),
		name:   name,
		url:    url,
	}
}

// ListCalendars returns the single calendar a feed represents.
func (f *Feed) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	return []models.CalendarSource{{
		ID:          models.QualifiedID(models.ProviderICS, f.name),
		Provider:    models.ProviderICS,
		DisplayName: f.name,
	}}, nil
}

// ListEvents downloads the feed and returns every occurrence overlapping
// [start, end). Recurring events are expanded locally.
func (f *Feed) ListEvents(ctx context.Context, _ []string, start, end time.Time) ([]models.RawEvent, error) {
	cal, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}

	events := cal.Events()
	records := ExpandEvents(events, models.QualifiedID(models.ProviderICS, f.name), start, end)
	f.logger.Debug("Parsed feed", "events", len(events), "in_window", len(records))
	return records, nil
}

func (f *Feed) fetch(ctx context.Context) (*ical.Calendar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("User-Agent", "freebusy/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch feed: %s", resp.Status)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode feed: %v", models.ErrInvalidResponse, err)
	}
	return cal, nil
}

// overlapsWindow keeps events whose times cannot be resolved, so the
// normalizer decides what to do with them.
func overlapsWindow(ev ical.Event, start, end time.Time) bool {
	evStart, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return true
	}
	evEnd, err := ev.DateTimeEnd(time.UTC)
	if err != nil || evEnd.IsZero() {
		return true
	}
	return evStart.Before(end) && evEnd.After(start)
}
