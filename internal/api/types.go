package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

type ScheduleConfigRequest struct {
	MorningStart        *string `json:"morning_start" validate:"required_with=MorningEnd"`
	MorningEnd          *string `json:"morning_end" validate:"required_with=MorningStart"`
	EveningStart        *string `json:"evening_start" validate:"required_with=EveningEnd"`
	EveningEnd          *string `json:"evening_end" validate:"required_with=EveningStart"`
	SlotDurationMinutes int     `json:"slot_duration_minutes" validate:"required,gt=0,lte=720"`
}

func (r ScheduleConfigRequest) toConfig() (availability.ClinicScheduleConfig, error) {
	cfg := availability.ClinicScheduleConfig{SlotDurationMinutes: r.SlotDurationMinutes}

	fields := []struct {
		name string
		in   *string
		out  **calendar.LocalTime
	}{
		{"morning_start", r.MorningStart, &cfg.MorningStart},
		{"morning_end", r.MorningEnd, &cfg.MorningEnd},
		{"evening_start", r.EveningStart, &cfg.EveningStart},
		{"evening_end", r.EveningEnd, &cfg.EveningEnd},
	}
	for _, f := range fields {
		if f.in == nil {
			continue
		}
		t, err := calendar.ParseLocalTime(*f.in)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", availability.ErrInvalidScheduleConfig, f.name, err)
		}
		*f.out = &t
	}
	return cfg, nil
}

type ScheduleConfigResponse struct {
	DoctorID            uuid.UUID `json:"doctor_id"`
	MorningStart        *string   `json:"morning_start"`
	MorningEnd          *string   `json:"morning_end"`
	EveningStart        *string   `json:"evening_start"`
	EveningEnd          *string   `json:"evening_end"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
}

func toScheduleResponse(doctorID uuid.UUID, cfg *availability.ClinicScheduleConfig) ScheduleConfigResponse {
	str := func(t *calendar.LocalTime) *string {
		if t == nil {
			return nil
		}
		s := t.String()
		return &s
	}
	return ScheduleConfigResponse{
		DoctorID:            doctorID,
		MorningStart:        str(cfg.MorningStart),
		MorningEnd:          str(cfg.MorningEnd),
		EveningStart:        str(cfg.EveningStart),
		EveningEnd:          str(cfg.EveningEnd),
		SlotDurationMinutes: cfg.SlotDurationMinutes,
	}
}

// MarkAvailableRequest accepts YYYY-MM-DD dates or RFC3339 timestamps, which are
// reduced to their calendar day in the reference zone.
type MarkAvailableRequest struct {
	Dates               []string `json:"dates" validate:"required,min=1,max=366,dive,required"`
	SlotDurationMinutes int      `json:"slot_duration_minutes" validate:"gte=0,lte=720"`
}

type BookSlotRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
}

type SlotResponse struct {
	ID        uuid.UUID  `json:"id"`
	Time      string     `json:"time"`
	Status    string     `json:"status"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
}

func toSlotResponse(s availability.Slot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		Time:      s.Time.String(),
		Status:    string(s.Status),
		PatientID: s.PatientID,
	}
}

func toSlotResponses(slots []availability.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

type AvailabilityDateResponse struct {
	ID        uuid.UUID      `json:"id"`
	DoctorID  uuid.UUID      `json:"doctor_id"`
	Date      string         `json:"date"`
	Available int            `json:"available"`
	Booked    int            `json:"booked"`
	Cancelled int            `json:"cancelled"`
	Slots     []SlotResponse `json:"slots"`
	CreatedAt time.Time      `json:"created_at"`
}

func toDateResponse(a availability.AvailabilityDate) AvailabilityDateResponse {
	counts := a.CountByStatus()
	return AvailabilityDateResponse{
		ID:        a.ID,
		DoctorID:  a.DoctorID,
		Date:      a.Date.String(),
		Available: counts[availability.SlotAvailable],
		Booked:    counts[availability.SlotBooked],
		Cancelled: counts[availability.SlotCancelled],
		Slots:     toSlotResponses(a.Slots),
		CreatedAt: a.CreatedAt,
	}
}

func toDateResponses(dates []availability.AvailabilityDate) []AvailabilityDateResponse {
	out := make([]AvailabilityDateResponse, 0, len(dates))
	for _, a := range dates {
		out = append(out, toDateResponse(a))
	}
	return out
}

type DateSlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type NextAvailableResponse struct {
	DoctorID          uuid.UUID `json:"doctor_id"`
	Today             string    `json:"today"`
	AvailableToday    bool      `json:"available_today"`
	NextAvailableDate *string   `json:"next_available_date"`
}

type BookingResponse struct {
	SlotID    uuid.UUID `json:"slot_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
}

func toBookingResponses(bookings []availability.Booking) []BookingResponse {
	out := make([]BookingResponse, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, BookingResponse{
			SlotID:    b.SlotID,
			DoctorID:  b.DoctorID,
			PatientID: b.PatientID,
			Date:      b.Date.String(),
			Time:      b.Time.String(),
		})
	}
	return out
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SlotConflictResponse is returned when a slot can no longer be booked. It carries the
// date's current slots so the client can refresh its view.
type SlotConflictResponse struct {
	ErrorResponse
	Date  string         `json:"date"`
	Slots []SlotResponse `json:"slots"`
}
