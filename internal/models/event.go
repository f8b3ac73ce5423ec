package models

import (
	"errors"
	"strings"
	"time"
)

// Provider tags the kind of backend a calendar comes from.
type Provider string

const (
	ProviderGoogle      Provider = "google"
	ProviderCalDAV      Provider = "caldav"
	ProviderICS         Provider = "ics"
	ProviderMicrosoft   Provider = "microsoft"
	ProviderThunderbird Provider = "thunderbird"
)

// ErrInvalidResponse is wrapped by providers when a backend answered but the
// payload could not be decoded.
var ErrInvalidResponse = errors.New("invalid response from calendar backend")

// CalendarSource describes one calendar exposed by a provider.
type CalendarSource struct {
	ID          string   `json:"id"` // Provider-qualified, e.g. "google:primary"
	Provider    Provider `json:"provider"`
	DisplayName string   `json:"displayName"`
	Color       string   `json:"color,omitempty"`
	IsPrimary   bool     `json:"isPrimary"`
}

// RawEvent is an event record as handed over by a provider. Timestamps are kept
// as strings in whatever encoding the backend uses; only the normalizer
// interprets them.
type RawEvent struct {
	ID         string
	CalendarID string // Qualified calendar ID, optional
	Title      string
	Start      string
	End        string
	AllDay     *bool
	Location   string
	Timezone   string // IANA zone name, optional
}

// Event is the canonical, provider-independent representation of an occurrence.
// Start and End are UTC; End is exclusive.
type Event struct {
	ID       string    `json:"id"`
	SourceID string    `json:"sourceId"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay"`
	Location string    `json:"location,omitempty"`
	// Zone is the IANA zone the record was interpreted in, when it named one.
	Zone string `json:"zone,omitempty"`
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window has a positive length.
func (w TimeWindow) Valid() bool {
	return w.Start.Before(w.End)
}

// Overlaps reports whether the window and [start, end) share any instant.
// Touching intervals do not overlap.
func (w TimeWindow) Overlaps(start, end time.Time) bool {
	return w.Start.Before(end) && w.End.After(start)
}

// FreeSlot is an open span inside one day's working hours.
type FreeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowResult is the availability verdict for one candidate window.
type WindowResult struct {
	Window    TimeWindow `json:"window"`
	Available bool       `json:"available"`
	Conflicts []Event    `json:"conflicts"`
}

// QualifiedID joins a provider tag and a backend-native calendar ID.
func QualifiedID(p Provider, nativeID string) string {
	return string(p) + ":" + nativeID
}

// NativeID strips the provider prefix from a qualified calendar ID. IDs without
// the expected prefix are returned unchanged.
func NativeID(p Provider, qualifiedID string) string {
	return strings.TrimPrefix(qualifiedID, string(p)+":")
}
