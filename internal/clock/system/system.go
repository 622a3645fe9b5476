// Package system implements crawl.Clock with the wall clock.
package system

import "time"

// Clock reports real time in UTC. Every timestamp the engine persists goes
// through a Clock so tests can substitute a fake.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
