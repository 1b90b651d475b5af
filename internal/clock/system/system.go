// Package system adapts the wall clock to admission.Clock.
package system

import (
	"time"

	"github.com/JakeFAU/render-gateway/internal/admission"
)

var _ admission.Clock = (*Clock)(nil)

// Clock reads the wall clock in UTC. Browser timestamps, limiter buckets and
// artifact paths all share it.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
