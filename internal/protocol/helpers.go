package protocol

import (
	"time"
)

// Timestamp is a string representation of time in RFC3339 format.
type Timestamp string

// Time parses the timestamp string into time.Time.
// Returns zero time if the string is empty or invalid.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

func (t Timestamp) String() string {
	return string(t)
}

func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.Format(time.RFC3339))
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
