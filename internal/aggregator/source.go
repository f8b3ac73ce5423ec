package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"freebusy/internal/models"
)

// Provider is the contract every calendar backend implements. Both methods may
// fail independently; the aggregator only assumes "error or timeout".
type Provider interface {
	ListCalendars(ctx context.Context) ([]models.CalendarSource, error)
	ListEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.RawEvent, error)
}

// SourceRef binds a configured source name to its provider and the calendars
// to read from it. An empty CalendarIDs lets the provider pick its defaults.
type SourceRef struct {
	ID          string
	Provider    Provider
	CalendarIDs []string
}

// Reason classifies a per-source failure.
type Reason string

const (
	ReasonTimeout         Reason = "Timeout"
	ReasonUnreachable     Reason = "Unreachable"
	ReasonInvalidResponse Reason = "InvalidResponse"
	ReasonCanceled        Reason = "Canceled"
)

// SourceError records why one source contributed nothing.
type SourceError struct {
	SourceID string
	Reason   Reason
	Err      error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Reason, e.Err)
}

func (e SourceError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the cause as a message.
func (e SourceError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		SourceID string `json:"sourceId"`
		Reason   Reason `json:"reason"`
		Message  string `json:"message,omitempty"`
	}{e.SourceID, e.Reason, msg})
}

// classify maps a fetch error to a Reason. parent is the caller's context,
// used to tell caller cancellation apart from a source timing out.
func classify(parent context.Context, sourceID string, err error) SourceError {
	se := SourceError{SourceID: sourceID, Reason: ReasonUnreachable, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, models.ErrInvalidResponse):
		se.Reason = ReasonInvalidResponse
	case errors.Is(err, context.DeadlineExceeded):
		se.Reason = ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		se.Reason = ReasonTimeout
	case errors.Is(err, context.Canceled):
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			se.Reason = ReasonTimeout
		} else {
			se.Reason = ReasonCanceled
		}
	}
	return se
}

// call runs fn under its own timeout and gives up as soon as ctx ends, even if
// fn ignores cancellation. A panicking provider is reported as an invalid
// response.
func call[T any](ctx context.Context, timeout time.Duration, sourceID string, fn func(context.Context) (T, error)) (T, *SourceError) {
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		val T
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("%w: provider panic: %v", models.ErrInvalidResponse, r)}
			}
		}()
		v, err := fn(fctx)
		ch <- reply{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil {
			se := classify(ctx, sourceID, r.err)
			return zero, &se
		}
		return r.val, nil
	case <-fctx.Done():
		se := classify(ctx, sourceID, fctx.Err())
		return zero, &se
	}
}
