package models

import "time"

const (
	DefaultWorkStartHour      = 9
	DefaultWorkEndHour        = 17
	DefaultGranularityMinutes = 30
)

// Policy controls where free slots may be placed.
type Policy struct {
	WorkStartHour      int
	WorkEndHour        int
	GranularityMinutes int
	ExcludeWeekends    bool
	// Location defines the local day. Nil means UTC.
	Location *time.Location
}

// DefaultPolicy returns a 9-17 weekday policy in UTC with a 30 minute granularity.
func DefaultPolicy() Policy {
	return Policy{
		WorkStartHour:      DefaultWorkStartHour,
		WorkEndHour:        DefaultWorkEndHour,
		GranularityMinutes: DefaultGranularityMinutes,
		ExcludeWeekends:    true,
		Location:           time.UTC,
	}
}

// Loc returns the policy location, falling back to UTC.
func (p Policy) Loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
