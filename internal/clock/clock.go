// Package clock abstracts the current time so manifests and run records can
// be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always reports the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// Stepped starts at Start and moves forward by Step on every call, which
// gives successive run records distinct, ordered timestamps.
type Stepped struct {
	Start time.Time
	Step  time.Duration

	mu sync.Mutex
	n  int
}

func (s *Stepped) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.Start.Add(time.Duration(s.n) * s.Step)
	s.n++
	return t
}

// OrSystem returns c, or System when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}

// Since is time.Since measured against c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
