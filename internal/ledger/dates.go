package ledger

import (
	"fmt"
	"strings"
	"time"

	"voiceslot/internal/voice"
)

const dateOnly = "2006-01-02"

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
}

// ParseStart parses a lower date bound. A bare date means the start of that
// day in loc. Empty input yields nil.
func ParseStart(s string, loc *time.Location) (*time.Time, error) {
	return parseBound(s, loc, false)
}

// ParseEnd parses an upper date bound. A bare date means the last instant of that day.
func ParseEnd(s string, loc *time.Location) (*time.Time, error) {
	return parseBound(s, loc, true)
}

func (s *Service) ParseStart(v string) (*time.Time, error) { return ParseStart(v, s.location) }
func (s *Service) ParseEnd(v string) (*time.Time, error)   { return ParseEnd(v, s.location) }

func parseBound(s string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if d, err := time.ParseInLocation(dateOnly, s, loc); err == nil {
		if endOfDay {
			d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return &d, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("%w: unrecognised date %q", voice.ErrInvalidInput, s)
}
