// Package aggregator fans out to calendar providers, normalizes what they
// return and merges it into one ordered timeline. A failing source never
// aborts the whole call.
package aggregator

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"freebusy/internal/apperr"
	"freebusy/internal/models"
	"freebusy/internal/normalize"
)

const (
	DefaultSourceTimeout = 10 * time.Second
	DefaultDeadline      = 30 * time.Second
	DefaultMaxParallel   = 8
)

// Options tunes the fan-out. Zero values select the defaults.
type Options struct {
	SourceTimeout time.Duration
	Deadline      time.Duration
	MaxParallel   int
}

// DroppedEvent records a raw record that failed normalization.
type DroppedEvent struct {
	SourceID string      `json:"sourceId"`
	EventID  string      `json:"eventId"`
	Kind     apperr.Kind `json:"kind"`
}

// Result is the best-effort union of all sources that answered.
type Result struct {
	Events  []models.Event
	Dropped []DroppedEvent
}

// Aggregator merges events from many providers.
type Aggregator struct {
	logger *slog.Logger
	opts   Options
}

// New creates an Aggregator.
func New(logger *slog.Logger, opts Options) *Aggregator {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &Aggregator{logger: logger, opts: opts}
}

type eventKey struct {
	sourceID string
	id       string
}

// Aggregate fetches events overlapping window from every source. Per-source
// failures are returned alongside the merged events; the error is non-nil only
// when window itself is invalid.
func (a *Aggregator) Aggregate(ctx context.Context, refs []SourceRef, window models.TimeWindow) (Result, []SourceError, error) {
	if !window.Valid() {
		return Result{}, nil, apperr.New(apperr.InvalidRange, "aggregation window must end after it starts", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Deadline)
	defer cancel()

	records := make([][]models.RawEvent, len(refs))
	failures := make([]*SourceError, len(refs))

	var g errgroup.Group
	g.SetLimit(a.opts.MaxParallel)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			started := time.Now()
			records[i], failures[i] = call(ctx, a.opts.SourceTimeout, ref.ID,
				func(ctx context.Context) ([]models.RawEvent, error) {
					return ref.Provider.ListEvents(ctx, ref.CalendarIDs, window.Start, window.End)
				})
			if failures[i] == nil {
				a.logger.Debug("Fetched events from source.", "source", ref.ID, "count", len(records[i]), "elapsed", time.Since(started))
			}
			return nil
		})
	}
	_ = g.Wait()

	res, errs := a.merge(refs, records, failures)
	a.logger.Info("Aggregated events.", "sources", len(refs), "events", len(res.Events), "failed", len(errs), "dropped", len(res.Dropped))
	return res, errs, nil
}

// merge runs after every fetch has finished; it is the only writer of the
// combined result.
func (a *Aggregator) merge(refs []SourceRef, records [][]models.RawEvent, failures []*SourceError) (Result, []SourceError) {
	var (
		res   Result
		errs  []SourceError
		index = make(map[eventKey]int)
	)

	for i, ref := range refs {
		if failures[i] != nil {
			a.logger.Warn("Calendar source failed.", "source", ref.ID, "reason", failures[i].Reason, "error", failures[i].Err)
			errs = append(errs, *failures[i])
			continue
		}
		for _, raw := range records[i] {
			sourceID := raw.CalendarID
			if sourceID == "" {
				sourceID = ref.ID
			}
			ev, err := normalize.Normalize(raw, sourceID)
			if err != nil {
				a.logger.Debug("Dropped event.", "source", sourceID, "id", raw.ID, "error", err)
				res.Dropped = append(res.Dropped, DroppedEvent{SourceID: sourceID, EventID: raw.ID, Kind: apperr.KindOf(err)})
				continue
			}
			if ev.ID == "" {
				res.Events = append(res.Events, ev)
				continue
			}
			key := eventKey{sourceID: ev.SourceID, id: ev.ID}
			if j, ok := index[key]; ok {
				res.Events[j] = ev
				continue
			}
			index[key] = len(res.Events)
			res.Events = append(res.Events, ev)
		}
	}

	slices.SortStableFunc(res.Events, compareEvents)
	return res, errs
}

func compareEvents(x, y models.Event) int {
	if c := x.Start.Compare(y.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(x.SourceID, y.SourceID); c != 0 {
		return c
	}
	return cmp.Compare(x.ID, y.ID)
}

// Discover lists the calendars of every source with the same failure isolation
// as Aggregate. Calendars are ordered primary first, then by ID.
func (a *Aggregator) Discover(ctx context.Context, refs []SourceRef) ([]models.CalendarSource, []SourceError) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Deadline)
	defer cancel()

	found := make([][]models.CalendarSource, len(refs))
	failures := make([]*SourceError, len(refs))

	var g errgroup.Group
	g.SetLimit(a.opts.MaxParallel)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			found[i], failures[i] = call(ctx, a.opts.SourceTimeout, ref.ID, ref.Provider.ListCalendars)
			return nil
		})
	}
	_ = g.Wait()

	var (
		calendars []models.CalendarSource
		errs      []SourceError
		seen      = make(map[string]bool)
	)
	for i, ref := range refs {
		if failures[i] != nil {
			a.logger.Warn("Calendar discovery failed.", "source", ref.ID, "reason", failures[i].Reason, "error", failures[i].Err)
			errs = append(errs, *failures[i])
			continue
		}
		for _, c := range found[i] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			calendars = append(calendars, c)
		}
	}

	slices.SortStableFunc(calendars, func(x, y models.CalendarSource) int {
		if x.IsPrimary != y.IsPrimary {
			if x.IsPrimary {
				return -1
			}
			return 1
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return calendars, errs
}
