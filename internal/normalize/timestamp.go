package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errEmptyTimestamp = errors.New("empty timestamp")

var (
	offsetLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05-0700",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05-0700",
		"2006-01-02T15:04Z07:00",
	}
	utcLayouts = []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05Z",
		"2006-01-02T15:04Z",
		"20060102T150405Z",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"20060102T150405",
		"2006-01-02",
		"20060102",
	}
)

// ParseTimestamp decodes one provider timestamp into a UTC instant.
//
// Encodings are tried in this order: epoch microseconds, ISO-8601 with an
// explicit offset, ISO-8601 with a Z suffix, offset-naive ISO-8601. Naive
// values are read in zone; a nil zone means UTC.
func ParseTimestamp(value string, zone *time.Location) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, errEmptyTimestamp
	}
	if zone == nil {
		zone = time.UTC
	}

	if isInteger(v) {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch microseconds %q: %w", v, err)
		}
		return time.UnixMicro(us).UTC(), nil
	}

	if !strings.HasSuffix(v, "Z") && !strings.HasSuffix(v, "z") {
		for _, layout := range offsetLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
	} else {
		zv := strings.TrimSuffix(strings.TrimSuffix(v, "z"), "Z") + "Z"
		for _, layout := range utcLayouts {
			if t, err := time.Parse(layout, zv); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised UTC timestamp %q", v)
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, v, zone); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

func isInteger(v string) bool {
	digits := strings.TrimPrefix(v, "-")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	// 8-digit values are compact dates (20250318), not epochs.
	return len(digits) != 8
}

// LoadZone resolves an IANA zone name. Empty, unknown and "floating" names
// resolve to UTC; ok reports whether the name was a real zone.
func LoadZone(name string) (loc *time.Location, ok bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "floating") || name == "Local" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}
