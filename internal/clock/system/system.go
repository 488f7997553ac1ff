// Package system provides the wall clock used outside the replayed core.
package system

import "time"

// Clock implements fanout.Clock. Readings are taken by the engine and recorded
// into run events, never consulted during replay.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
