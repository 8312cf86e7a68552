// Package appointment holds the appointment domain model and its Postgres
// store. An appointment is one phone errand the agent runs on a user's
// behalf: who to call, what to arrange, and how it went.
package appointment

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of an appointment. The FAILED variants
// carry the failure class after a colon; these exact strings are part of
// the tool contract exposed to the language model.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusInProgress           Status = "IN_PROGRESS"
	StatusFailedTechError      Status = "FAILED:TECH ERROR"
	StatusFailedBusinessClosed Status = "FAILED:BUSINESS CLOSED"
	StatusFailedHumanError     Status = "FAILED:HUMAN ERROR"
	StatusFailedNoSlots        Status = "FAILED:NO AVAILABLE SLOTS"
	StatusSuccess              Status = "SUCCESS"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusFailedTechError,
		StatusFailedBusinessClosed, StatusFailedHumanError,
		StatusFailedNoSlots, StatusSuccess:
		return true
	default:
		return false
	}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("appointment: unknown status %q", raw)
	}
	return s, nil
}

// Appointment is one phone errand.
type Appointment struct {
	ID           string
	UserID       string
	BusinessName string
	PhoneNumber  string
	Objective    string
	Status       Status
	Notes        string
	ScheduledFor *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserProfile is the subset of the user record the agent needs to speak on
// the user's behalf.
type UserProfile struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// Patch is a partial appointment update. Nil fields are left unchanged.
type Patch struct {
	Status *Status
	Notes  *string
}

// Change is one appointment row change delivered by the store's
// subscription.
type Change struct {
	// Op is "INSERT" or "UPDATE".
	Op string

	// AppointmentID identifies the changed row.
	AppointmentID string

	// Status is the row's status after the change.
	Status Status
}

// Store is the persistence contract for appointments.
type Store interface {
	// Fetch loads an appointment and the profile of the user it belongs to.
	// It returns (nil, nil, nil) when no appointment with the id exists.
	Fetch(ctx context.Context, id string) (*Appointment, *UserProfile, error)

	// Update applies a partial update to an appointment.
	Update(ctx context.Context, id string, patch Patch) error
}
