// Package mock provides a test double for the calendar.Service interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/attenda-ai/attenda/internal/calendar"
)

// AvailabilityCall records one Availability invocation.
type AvailabilityCall struct {
	Start       time.Time
	End         time.Time
	MinDuration time.Duration
}

// Service is a mock calendar.Service. Zero values return empty results and
// nil errors; set Err to inject a failure.
type Service struct {
	mu sync.Mutex

	// Slots is returned by Availability.
	Slots []calendar.Slot

	// Events is returned by EventsFn-less Events calls.
	EventList []calendar.Event

	// Err, if non-nil, is returned from both methods.
	Err error

	availabilityCalls []AvailabilityCall
	eventsCalls       int
}

var _ calendar.Service = (*Service)(nil)

// Availability records the call and returns the configured slots.
func (s *Service) Availability(_ context.Context, start, end time.Time, minDuration time.Duration) ([]calendar.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availabilityCalls = append(s.availabilityCalls, AvailabilityCall{Start: start, End: end, MinDuration: minDuration})
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]calendar.Slot(nil), s.Slots...), nil
}

// Events records the call and returns the configured events.
func (s *Service) Events(_ context.Context, _, _ time.Time) ([]calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]calendar.Event(nil), s.EventList...), nil
}

// AvailabilityCalls returns the recorded Availability invocations.
func (s *Service) AvailabilityCalls() []AvailabilityCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AvailabilityCall(nil), s.availabilityCalls...)
}

// EventsCalls returns how many times Events was invoked.
func (s *Service) EventsCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsCalls
}
