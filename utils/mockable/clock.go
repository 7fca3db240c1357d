// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mockable provides a clock that defaults to wall-clock time but
// can be pinned to a fixed instant for deterministic tests.
package mockable

import "time"

// Clock is a mockable clock.
type Clock struct {
	time   time.Time
	mocked bool
}

// NewClock creates a new clock backed by wall-clock time.
func NewClock() *Clock {
	return &Clock{time: time.Now()}
}

// Now returns the current time, or the pinned time if Set has been called.
func (c *Clock) Now() time.Time {
	if c.mocked {
		return c.time
	}
	return time.Now()
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.time = t
	c.mocked = true
}

// Advance moves a pinned clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.time = c.time.Add(d)
}

// Real unpins the clock, returning it to wall-clock time.
func (c *Clock) Real() {
	c.mocked = false
}
