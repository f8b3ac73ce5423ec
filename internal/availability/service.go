// Package availability answers "am I free?" questions over the merged timeline
// of every configured calendar source.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"freebusy/internal/aggregator"
	"freebusy/internal/apperr"
	"freebusy/internal/models"
	"freebusy/internal/normalize"
)

// DefaultTimeout bounds a whole CheckAvailability or FindFreeSlots call.
const DefaultTimeout = 45 * time.Second

// A window without an end is assumed to last this long.
const defaultWindowLength = time.Hour

// WindowInput is a caller-supplied window. Timestamps use any encoding the
// normalizer understands; offset-naive values are read in the service's
// default location.
type WindowInput struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
}

// PolicyInput overrides the service's default policy field by field.
type PolicyInput struct {
	WorkStartHour      *int
	WorkEndHour        *int
	GranularityMinutes *int
	ExcludeWeekends    *bool
	Timezone           string
}

// AvailabilityReport is the answer to CheckAvailability.
type AvailabilityReport struct {
	RequestID    string                    `json:"requestId"`
	Results      []models.WindowResult     `json:"results"`
	SourceErrors []aggregator.SourceError  `json:"sourceErrors,omitempty"`
	Dropped      []aggregator.DroppedEvent `json:"dropped,omitempty"`
}

// SlotReport is the answer to FindFreeSlots.
type SlotReport struct {
	RequestID       string                    `json:"requestId"`
	Range           models.TimeWindow         `json:"range"`
	DurationMinutes int                       `json:"durationMinutes"`
	Slots           []models.FreeSlot         `json:"slots"`
	SourceErrors    []aggregator.SourceError  `json:"sourceErrors,omitempty"`
	Dropped         []aggregator.DroppedEvent `json:"dropped,omitempty"`
}

// Service is the single entry point for availability questions. It is the only
// component that knows about all sources at once and about policy defaults.
type Service struct {
	logger   *slog.Logger
	agg      *aggregator.Aggregator
	sources  []aggregator.SourceRef
	defaults models.Policy
	timeout  time.Duration
}

// NewService creates a Service over the given sources.
func NewService(logger *slog.Logger, agg *aggregator.Aggregator, sources []aggregator.SourceRef, defaults models.Policy, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		logger:   logger,
		agg:      agg,
		sources:  sources,
		defaults: defaults,
		timeout:  timeout,
	}
}

// CheckAvailability fetches events once over the span of all windows and
// reports the conflicts of each window. Invalid windows reject the call before
// any source is contacted.
func (s *Service) CheckAvailability(ctx context.Context, inputs []WindowInput) (*AvailabilityReport, error) {
	if len(inputs) == 0 {
		return nil, apperr.New(apperr.InvalidWindow, "no windows given", nil)
	}
	windows := make([]models.TimeWindow, 0, len(inputs))
	for i, in := range inputs {
		w, err := parseWindow(in, s.defaults.Loc(), true)
		if err != nil {
			return nil, apperr.New(apperr.InvalidWindow, fmt.Sprintf("window %d", i), err)
		}
		windows = append(windows, w)
	}

	span := windows[0]
	for _, w := range windows[1:] {
		if w.Start.Before(span.Start) {
			span.Start = w.Start
		}
		if w.End.After(span.End) {
			span.End = w.End
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reqID := uuid.NewString()
	logger := s.logger.With("request_id", reqID)
	logger.Info("Checking availability.", "windows", len(windows), "from", span.Start, "to", span.End)

	res, sourceErrs, err := s.agg.Aggregate(ctx, s.sources, span)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	results, err := CheckConflicts(windows, res.Events)
	if err != nil {
		return nil, err
	}

	busy := 0
	for _, r := range results {
		if !r.Available {
			busy++
		}
	}
	logger.Info("Availability checked.", "busy_windows", busy, "source_errors", len(sourceErrs))

	return &AvailabilityReport{
		RequestID:    reqID,
		Results:      results,
		SourceErrors: sourceErrs,
		Dropped:      res.Dropped,
	}, nil
}

// FindFreeSlots fetches events once over the whole local days of rng and
// returns the free slots of durationMinutes allowed by the resolved policy.
func (s *Service) FindFreeSlots(ctx context.Context, rng WindowInput, durationMinutes int, in PolicyInput) (*SlotReport, error) {
	policy, err := s.resolvePolicy(in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rng.End) == "" {
		return nil, apperr.New(apperr.InvalidRange, "range end is required", nil)
	}
	window, err := parseWindow(rng, policy.Loc(), false)
	if err != nil {
		return nil, apperr.New(apperr.InvalidRange, "range", err)
	}

	reqID := uuid.NewString()
	report := &SlotReport{
		RequestID:       reqID,
		Range:           window,
		DurationMinutes: durationMinutes,
		Slots:           []models.FreeSlot{},
	}
	if durationMinutes <= 0 || !validHours(policy) {
		s.logger.Info("No slot shape to search for.", "request_id", reqID, "duration", durationMinutes,
			"work_start", policy.WorkStartHour, "work_end", policy.WorkEndHour)
		return report, nil
	}

	loc := policy.Loc()
	first := midnight(window.Start.In(loc))
	last := midnight(window.End.In(loc))
	span := models.TimeWindow{
		Start: first.UTC(),
		End:   time.Date(last.Year(), last.Month(), last.Day()+1, 0, 0, 0, 0, loc).UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logger := s.logger.With("request_id", reqID)
	logger.Info("Finding free slots.", "from", span.Start, "to", span.End, "duration", durationMinutes)

	res, sourceErrs, err := s.agg.Aggregate(ctx, s.sources, span)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}

	report.Slots = FindSlots(window, durationMinutes, res.Events, policy)
	report.SourceErrors = sourceErrs
	report.Dropped = res.Dropped
	logger.Info("Free slots found.", "slots", len(report.Slots), "source_errors", len(sourceErrs))
	return report, nil
}

// Calendars lists the calendars of every configured source.
func (s *Service) Calendars(ctx context.Context) ([]models.CalendarSource, []aggregator.SourceError) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.agg.Discover(ctx, s.sources)
}

// Policy returns the service's default policy.
func (s *Service) Policy() models.Policy {
	return s.defaults
}

func (s *Service) resolvePolicy(in PolicyInput) (models.Policy, error) {
	p := s.defaults
	if in.WorkStartHour != nil {
		p.WorkStartHour = *in.WorkStartHour
	}
	if in.WorkEndHour != nil {
		p.WorkEndHour = *in.WorkEndHour
	}
	if in.GranularityMinutes != nil {
		if *in.GranularityMinutes < 0 {
			return p, apperr.New(apperr.InvalidPolicy, "granularity must not be negative", nil)
		}
		p.GranularityMinutes = *in.GranularityMinutes
	}
	if in.ExcludeWeekends != nil {
		p.ExcludeWeekends = *in.ExcludeWeekends
	}
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return p, apperr.New(apperr.InvalidPolicy, fmt.Sprintf("unknown timezone %q", in.Timezone), err)
		}
		p.Location = loc
	}
	return p, nil
}

// parseWindow turns an input into a validated window. When defaultEnd is set a
// missing end means one hour after the start.
func parseWindow(in WindowInput, loc *time.Location, defaultEnd bool) (models.TimeWindow, error) {
	start, err := normalize.ParseTimestamp(in.Start, loc)
	if err != nil {
		return models.TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	var end time.Time
	if strings.TrimSpace(in.End) == "" && defaultEnd {
		end = start.Add(defaultWindowLength)
	} else {
		end, err = normalize.ParseTimestamp(in.End, loc)
		if err != nil {
			return models.TimeWindow{}, fmt.Errorf("end: %w", err)
		}
	}
	w := models.TimeWindow{Start: start, End: end}
	if !w.Valid() {
		return models.TimeWindow{}, fmt.Errorf("end %s is not after start %s", end.Format(timeLayout), start.Format(timeLayout))
	}
	return w, nil
}
