package availability

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
)

var (
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrPatientNotFound = errors.New("patient not found")
	ErrDateNotFound    = errors.New("date is not marked available for this doctor")
	ErrSlotNotFound    = errors.New("slot not found")

	// ErrStatusConflict is returned by TransitionSlot when the slot exists but its
	// current status is not one of the expected ones.
	ErrStatusConflict = errors.New("slot status changed concurrently")
)

// Repository is the availability store. Implementations must apply TransitionSlot
// as a single conditional update and CancelAllSlots/InsertAvailabilityDates atomically.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	UpdateScheduleConfig(ctx context.Context, doctorID uuid.UUID, cfg ClinicScheduleConfig) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// InsertAvailabilityDates stores the given dates; a (doctor, date) that already
	// exists is left untouched. Returns the dates that were actually inserted.
	InsertAvailabilityDates(ctx context.Context, doctorID uuid.UUID, dates []AvailabilityDate) ([]calendar.Date, error)
	ListAvailabilityDates(ctx context.Context, doctorID uuid.UUID) ([]AvailabilityDate, error)
	GetAvailabilityDate(ctx context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error)
	GetSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*Slot, error)

	// TransitionSlot moves the slot to `to` only if its status is in `from`.
	// patientID is stored when moving to booked and cleared otherwise.
	TransitionSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID, from []SlotStatus, to SlotStatus, patientID *uuid.UUID) (*Slot, error)
	CancelAllSlots(ctx context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error)

	ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]Booking, error)
	ListBookingsByDoctor(ctx context.Context, doctorID uuid.UUID, date *calendar.Date) ([]Booking, error)

	InsertEvent(ctx context.Context, ev events.Event) error
}
