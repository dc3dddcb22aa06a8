package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when no supported format matches
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to an Event
// - trims identifier fields
// - lower-cases the routing type
// - lower-cases property keys
func (e *Event) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.SessionID = strings.TrimSpace(e.SessionID)

	// Routing is case-insensitive; handlers register lowercase types
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))

	e.Page = strings.TrimSpace(e.Page)
	e.Referrer = strings.TrimSpace(e.Referrer)

	if e.Properties != nil {
		normalized := make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		e.Properties = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
