package availability

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

// CanTransitionTo reports whether the slot state machine allows s -> to.
// Cancelled is terminal.
func (s SlotStatus) CanTransitionTo(to SlotStatus) bool {
	switch s {
	case SlotAvailable:
		return to == SlotBooked || to == SlotCancelled
	case SlotBooked:
		return to == SlotAvailable || to == SlotCancelled
	default:
		return false
	}
}

func (s SlotStatus) Valid() bool {
	return s == SlotAvailable || s == SlotBooked || s == SlotCancelled
}

// MaxSlotMinutes caps slot length at one day.
const MaxSlotMinutes = 24 * 60

// ClinicScheduleConfig is a doctor's recurring daily template.
type ClinicScheduleConfig struct {
	MorningStart        *calendar.LocalTime
	MorningEnd          *calendar.LocalTime
	EveningStart        *calendar.LocalTime
	EveningEnd          *calendar.LocalTime
	SlotDurationMinutes int
}

type period struct {
	start, end calendar.LocalTime
}

// overlaps reports whether p and o share any minute. Touching ends do not overlap.
func (p period) overlaps(o period) bool {
	return p.start.Before(o.end) && o.start.Before(p.end)
}

// periods returns the windows with both bounds set, in morning/evening order.
func (c ClinicScheduleConfig) periods() []period {
	var out []period
	if c.MorningStart != nil && c.MorningEnd != nil {
		out = append(out, period{*c.MorningStart, *c.MorningEnd})
	}
	if c.EveningStart != nil && c.EveningEnd != nil {
		out = append(out, period{*c.EveningStart, *c.EveningEnd})
	}
	return out
}

// HasPeriod reports whether at least one full window is configured.
func (c ClinicScheduleConfig) HasPeriod() bool {
	return len(c.periods()) > 0
}

// WithDuration returns a copy using minutes as slot length when minutes > 0.
func (c ClinicScheduleConfig) WithDuration(minutes int) ClinicScheduleConfig {
	if minutes > 0 {
		c.SlotDurationMinutes = minutes
	}
	return c
}

func (c ClinicScheduleConfig) Validate() error {
	if (c.MorningStart == nil) != (c.MorningEnd == nil) {
		return fmt.Errorf("%w: morning window needs both start and end", ErrInvalidScheduleConfig)
	}
	if (c.EveningStart == nil) != (c.EveningEnd == nil) {
		return fmt.Errorf("%w: evening window needs both start and end", ErrInvalidScheduleConfig)
	}
	ps := c.periods()
	if len(ps) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidScheduleConfig, ErrNoScheduleConfigured)
	}
	for _, p := range ps {
		if !p.start.Before(p.end) {
			return fmt.Errorf("%w: window %s-%s must start before it ends", ErrInvalidScheduleConfig, p.start, p.end)
		}
	}
	if len(ps) == 2 && ps[0].overlaps(ps[1]) {
		return fmt.Errorf("%w: evening window overlaps morning window", ErrInvalidScheduleConfig)
	}
	if c.SlotDurationMinutes <= 0 || c.SlotDurationMinutes > MaxSlotMinutes {
		return fmt.Errorf("%w: slot duration must be between 1 and %d minutes, got %d",
			ErrInvalidScheduleConfig, MaxSlotMinutes, c.SlotDurationMinutes)
	}
	return nil
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Schedule  ClinicScheduleConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one bookable unit on an AvailabilityDate. PatientID is set iff Status is booked.
type Slot struct {
	ID        uuid.UUID
	Time      calendar.LocalTime
	Status    SlotStatus
	PatientID *uuid.UUID
}

// AvailabilityDate groups the slots a doctor opened on one calendar date.
type AvailabilityDate struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      calendar.Date
	Slots     []Slot
	CreatedAt time.Time
}

// CountByStatus tallies slots per status.
func (a AvailabilityDate) CountByStatus() map[SlotStatus]int {
	out := make(map[SlotStatus]int, 3)
	for _, s := range a.Slots {
		out[s.Status]++
	}
	return out
}

// Booking is the appointment view of a booked slot.
type Booking struct {
	SlotID    uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      calendar.Date
	Time      calendar.LocalTime
}
