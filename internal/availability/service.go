package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/config"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-slot-scheduling/internal/redis"
)

var (
	ErrNoScheduleConfigured  = errors.New("doctor has no morning or evening clinic hours configured")
	ErrInvalidScheduleConfig = errors.New("invalid clinic schedule")
	ErrSlotNotAvailable      = errors.New("slot is not available")
	ErrDateInPast            = errors.New("date is in the past")
	ErrInvalidTransition     = errors.New("invalid slot status transition")
	ErrNoDates               = errors.New("at least one date is required")
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	zone   *calendar.Zone
	cfg    config.Config
	log    *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, zone *calendar.Zone, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		zone:   zone,
		cfg:    cfg,
		log:    log,
	}
}

// Zone exposes the reference zone so transport layers parse dates the same way.
func (s *Service) Zone() *calendar.Zone {
	return s.zone
}

// GetScheduleConfig returns the doctor's clinic template.
func (s *Service) GetScheduleConfig(ctx context.Context, doctorID uuid.UUID) (*ClinicScheduleConfig, error) {
	d, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return &d.Schedule, nil
}

// SetScheduleConfig replaces the doctor's clinic template. Dates already marked
// available keep the slots they were generated with.
func (s *Service) SetScheduleConfig(ctx context.Context, doctorID uuid.UUID, cfg ClinicScheduleConfig) (*ClinicScheduleConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d, err := s.repo.UpdateScheduleConfig(ctx, doctorID, cfg)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update schedule config: %w", err)
	}

	s.logEvent(ctx, doctorID, events.ScheduleUpdated, map[string]any{
		"slot_duration_minutes": cfg.SlotDurationMinutes,
	})
	return &d.Schedule, nil
}

// MarkDatesAvailable opens the given dates for booking. Each date not yet on record
// gets slots generated from the doctor's current schedule; dates already on record
// are returned unchanged. slotDurationMinutes overrides the configured length when > 0.
func (s *Service) MarkDatesAvailable(ctx context.Context, doctorID uuid.UUID, dates []calendar.Date, slotDurationMinutes int) ([]AvailabilityDate, error) {
	if len(dates) == 0 {
		return nil, ErrNoDates
	}
	if slotDurationMinutes < 0 || slotDurationMinutes > MaxSlotMinutes {
		return nil, fmt.Errorf("%w: slot duration must be between 0 and %d minutes, got %d",
			ErrInvalidScheduleConfig, MaxSlotMinutes, slotDurationMinutes)
	}

	today := s.zone.Today()
	unique := make([]calendar.Date, 0, len(dates))
	seen := make(map[calendar.Date]struct{}, len(dates))
	for _, d := range dates {
		if d.Before(today) {
			return nil, fmt.Errorf("%w: %s", ErrDateInPast, d)
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		unique = append(unique, d)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Before(unique[j]) })

	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	schedule := doctor.Schedule
	if schedule.SlotDurationMinutes <= 0 {
		schedule.SlotDurationMinutes = s.cfg.DefaultSlotMinutes
	}
	schedule = schedule.WithDuration(slotDurationMinutes)
	if !schedule.HasPeriod() {
		return nil, ErrNoScheduleConfigured
	}

	candidates := make([]AvailabilityDate, 0, len(unique))
	for _, d := range unique {
		slots := GenerateSlots(doctorID, schedule, d)
		if len(slots) == 0 {
			return nil, fmt.Errorf("%w: no slot of %d minutes fits the clinic hours", ErrNoScheduleConfigured, schedule.SlotDurationMinutes)
		}
		candidates = append(candidates, AvailabilityDate{DoctorID: doctorID, Date: d, Slots: slots})
	}

	inserted, err := s.repo.InsertAvailabilityDates(ctx, doctorID, candidates)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("insert availability dates: %w", err)
	}

	if len(inserted) > 0 {
		s.logEvent(ctx, doctorID, events.DatesMarkedAvailable, map[string]any{
			"dates":                 inserted,
			"slot_duration_minutes": schedule.SlotDurationMinutes,
		})
		s.log.Info("dates marked available",
			zap.String("doctor_id", doctorID.String()),
			zap.Int("requested", len(unique)),
			zap.Int("inserted", len(inserted)),
		)
	}

	out := make([]AvailabilityDate, 0, len(unique))
	for _, d := range unique {
		a, err := s.repo.GetAvailabilityDate(ctx, doctorID, d)
		if err != nil {
			return nil, fmt.Errorf("reload availability date %s: %w", d, err)
		}
		out = append(out, *a)
	}
	return out, nil
}

// BookSlot reserves an available slot for a patient. The status change is a conditional
// update in the store; whoever loses a race for the same slot gets ErrSlotNotAvailable.
func (s *Service) BookSlot(ctx context.Context, doctorID, patientID, slotID uuid.UUID, date calendar.Date) (*Slot, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	slot, err := s.repo.GetSlot(ctx, doctorID, date, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrDateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}

	// Advisory only; the conditional update below is what decides.
	if slot.Status != SlotAvailable {
		return nil, fmt.Errorf("%w: slot is %s", ErrSlotNotAvailable, slot.Status)
	}
	if !s.bookable(date, slot.Time) {
		return nil, fmt.Errorf("%w: slot time has passed", ErrSlotNotAvailable)
	}

	var booked *Slot

	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		updated, err := s.repo.TransitionSlot(lockCtx, doctorID, date, slotID, []SlotStatus{SlotAvailable}, SlotBooked, &patientID)
		if err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return ErrSlotNotAvailable
			}
			return err
		}

		booked = updated

		s.logEvent(lockCtx, slotID, events.SlotBooked, map[string]any{
			"doctor_id":  doctorID.String(),
			"patient_id": patientID.String(),
			"date":       date,
			"time":       updated.Time,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %w", ErrSlotNotAvailable, err)
		}
		if errors.Is(err, ErrSlotNotAvailable) || errors.Is(err, ErrPatientNotFound) ||
			errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrDateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("book slot: %w", err)
	}

	s.log.Info("slot booked",
		zap.String("doctor_id", doctorID.String()),
		zap.String("slot_id", slotID.String()),
		zap.String("date", date.String()),
	)
	return booked, nil
}

// bookable reports whether a slot on date at t can still be taken: any future date,
// or today with t strictly after the current reference-zone time.
func (s *Service) bookable(date calendar.Date, t calendar.LocalTime) bool {
	today := s.zone.Today()
	switch {
	case date.Before(today):
		return false
	case date.After(today):
		return true
	default:
		return s.zone.At(date, t).After(s.zone.Now())
	}
}

// CancelSlot marks a slot cancelled whatever its status. Any booking on it is dropped.
func (s *Service) CancelSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*Slot, error) {
	prev, err := s.repo.GetSlot(ctx, doctorID, date, slotID)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.TransitionSlot(ctx, doctorID, date, slotID,
		[]SlotStatus{SlotAvailable, SlotBooked, SlotCancelled}, SlotCancelled, nil)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrDateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel slot: %w", err)
	}

	if prev.Status != SlotCancelled {
		payload := map[string]any{
			"doctor_id":       doctorID.String(),
			"date":            date,
			"time":            updated.Time,
			"previous_status": prev.Status,
		}
		if prev.PatientID != nil {
			payload["patient_id"] = prev.PatientID.String()
		}
		s.logEvent(ctx, slotID, events.SlotCancelled, payload)
	}
	return updated, nil
}

// ReleaseSlot hands a booked slot back to the pool (doctor action). Cancelled slots
// cannot be released.
func (s *Service) ReleaseSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*Slot, error) {
	prev, err := s.repo.GetSlot(ctx, doctorID, date, slotID)
	if err != nil {
		return nil, err
	}
	if !prev.Status.CanTransitionTo(SlotAvailable) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, SlotAvailable)
	}

	updated, err := s.repo.TransitionSlot(ctx, doctorID, date, slotID, []SlotStatus{SlotBooked}, SlotAvailable, nil)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: slot changed before release", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("release slot: %w", err)
	}

	payload := map[string]any{
		"doctor_id": doctorID.String(),
		"date":      date,
		"time":      updated.Time,
	}
	if prev.PatientID != nil {
		payload["patient_id"] = prev.PatientID.String()
	}
	s.logEvent(ctx, slotID, events.SlotReleased, payload)
	return updated, nil
}

// CancelAllSlots cancels every slot of the date in one transaction.
func (s *Service) CancelAllSlots(ctx context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error) {
	a, err := s.repo.CancelAllSlots(ctx, doctorID, date)
	if err != nil {
		if errors.Is(err, ErrDateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel all slots: %w", err)
	}

	s.logEvent(ctx, doctorID, events.SlotsCancelledAll, map[string]any{
		"date":  date,
		"slots": len(a.Slots),
	})
	s.log.Info("all slots cancelled",
		zap.String("doctor_id", doctorID.String()),
		zap.String("date", date.String()),
		zap.Int("slots", len(a.Slots)),
	)
	return a, nil
}

// ListAvailableDates returns every date the doctor has opened, whatever the status of
// its slots, ordered by date.
func (s *Service) ListAvailableDates(ctx context.Context, doctorID uuid.UUID) ([]AvailabilityDate, error) {
	dates, err := s.repo.ListAvailabilityDates(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list availability dates: %w", err)
	}
	return dates, nil
}

// SlotsForDate returns the slots of one date, or an empty list when the date is not open.
func (s *Service) SlotsForDate(ctx context.Context, doctorID uuid.UUID, date calendar.Date) ([]Slot, error) {
	a, err := s.repo.GetAvailabilityDate(ctx, doctorID, date)
	if err != nil {
		if errors.Is(err, ErrDateNotFound) {
			return []Slot{}, nil
		}
		return nil, fmt.Errorf("get availability date: %w", err)
	}
	return a.Slots, nil
}

// IsAvailableToday reports whether today has an available slot that has not started yet.
func (s *Service) IsAvailableToday(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	today := s.zone.Today()
	slots, err := s.SlotsForDate(ctx, doctorID, today)
	if err != nil {
		return false, err
	}
	for _, sl := range slots {
		if sl.Status == SlotAvailable && s.bookable(today, sl.Time) {
			return true, nil
		}
	}
	return false, nil
}

// NextAvailableDate is the earliest date after today with an available slot, or nil.
func (s *Service) NextAvailableDate(ctx context.Context, doctorID uuid.UUID) (*calendar.Date, error) {
	dates, err := s.ListAvailableDates(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	today := s.zone.Today()
	for _, a := range dates {
		if !a.Date.After(today) {
			continue
		}
		for _, sl := range a.Slots {
			if sl.Status == SlotAvailable {
				d := a.Date
				return &d, nil
			}
		}
	}
	return nil, nil
}

// ListPatientBookings returns the patient's booked slots across doctors.
func (s *Service) ListPatientBookings(ctx context.Context, patientID uuid.UUID) ([]Booking, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}
	out, err := s.repo.ListBookingsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list bookings by patient: %w", err)
	}
	return out, nil
}

// ListDoctorBookings returns booked slots for the doctor, optionally limited to one date.
func (s *Service) ListDoctorBookings(ctx context.Context, doctorID uuid.UUID, date *calendar.Date) ([]Booking, error) {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}
	out, err := s.repo.ListBookingsByDoctor(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list bookings by doctor: %w", err)
	}
	return out, nil
}

func (s *Service) logEvent(ctx context.Context, aggregateID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	id := aggregateID
	ev := events.Event{
		EventType:   eventType,
		AggregateID: &id,
		Payload:     data,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("aggregate_id", aggregateID.String()),
			zap.Error(err),
		)
	}
}
