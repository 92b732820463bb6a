package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScheduleRepository persists schedule definitions. Lookups of a missing row
// return ErrNotFound.
type ScheduleRepository interface {
	Create(ctx context.Context, s *ScheduleDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*ScheduleDefinition, int, error)
	// ListForDoctorDay returns the active definitions of a doctor for one day
	// of the week, regardless of their validity window.
	ListForDoctorDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]*ScheduleDefinition, error)
}

// AppointmentRepository persists booked appointments.
type AppointmentRepository interface {
	// Create fails with ErrSlotUnavailable when another occupying appointment
	// already starts at the same time.
	Create(ctx context.Context, a *BookedAppointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*BookedAppointment, error)
	// ListOccupying returns the appointments of a doctor on date that still
	// hold their slot, ordered by start time.
	ListOccupying(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]BookedAppointment, error)
	ApplyOverride(ctx context.Context, rec OverrideRecord) (*BookedAppointment, error)
	// WithinDayLock runs fn while holding an exclusive lock on the doctor's
	// day. Repository calls made with the ctx passed to fn share one
	// transaction, committed when fn returns nil.
	WithinDayLock(ctx context.Context, doctorID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error
}
