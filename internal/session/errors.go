package session

import "errors"

// Pagination bounds for listing sessions.
const (
	// DefaultListLimit is the page size when the caller does not pick one.
	DefaultListLimit int32 = 50

	// MaxListLimit caps a page so one request cannot drag the whole table.
	MaxListLimit int32 = 1000
)

// ErrNotFound reports that no session exists under the requested ID. Wrapped
// errors keep their identity, so test with errors.Is.
var ErrNotFound = errors.New("session not found")

// NormalizeListLimit clamps a list page size into [1, MaxListLimit].
// Zero or negative values fall back to DefaultListLimit.
func NormalizeListLimit(limit int32) int32 {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
