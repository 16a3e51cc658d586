package availability

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
)

type dateKey struct {
	doctorID uuid.UUID
	date     calendar.Date
}

// MemoryRepository keeps the store in process memory. All access is serialized by one
// mutex and values are copied in and out, so callers never share slot state.
type MemoryRepository struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]Doctor
	patients map[uuid.UUID]Patient
	dates    map[dateKey]AvailabilityDate
	events   []events.Event
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:  make(map[uuid.UUID]Doctor),
		patients: make(map[uuid.UUID]Patient),
		dates:    make(map[dateKey]AvailabilityDate),
		now:      time.Now,
	}
}

// AddDoctor registers or replaces a doctor.
func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}
	d.UpdatedAt = d.CreatedAt
	r.doctors[d.ID] = d
}

// AddPatient registers or replaces a patient.
func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	p.UpdatedAt = p.CreatedAt
	r.patients[p.ID] = p
}

// Events returns a copy of the recorded outbox rows.
func (r *MemoryRepository) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func cloneDate(a AvailabilityDate) AvailabilityDate {
	a.Slots = slices.Clone(a.Slots)
	for i := range a.Slots {
		if a.Slots[i].PatientID != nil {
			id := *a.Slots[i].PatientID
			a.Slots[i].PatientID = &id
		}
	}
	return a
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) UpdateScheduleConfig(_ context.Context, doctorID uuid.UUID, cfg ClinicScheduleConfig) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d.Schedule = cfg
	d.UpdatedAt = r.now()
	r.doctors[doctorID] = d
	return &d, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) InsertAvailabilityDates(_ context.Context, doctorID uuid.UUID, dates []AvailabilityDate) ([]calendar.Date, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doctors[doctorID]; !ok {
		return nil, ErrDoctorNotFound
	}

	var inserted []calendar.Date
	for _, a := range dates {
		key := dateKey{doctorID, a.Date}
		if _, exists := r.dates[key]; exists {
			continue
		}
		a = cloneDate(a)
		a.DoctorID = doctorID
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.CreatedAt = r.now()
		r.dates[key] = a
		inserted = append(inserted, a.Date)
	}
	return inserted, nil
}

func (r *MemoryRepository) ListAvailabilityDates(_ context.Context, doctorID uuid.UUID) ([]AvailabilityDate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []AvailabilityDate
	for key, a := range r.dates {
		if key.doctorID == doctorID {
			out = append(out, cloneDate(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *MemoryRepository) GetAvailabilityDate(_ context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.dates[dateKey{doctorID, date}]
	if !ok {
		return nil, ErrDateNotFound
	}
	a = cloneDate(a)
	return &a, nil
}

func (r *MemoryRepository) GetSlot(_ context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.dates[dateKey{doctorID, date}]
	if !ok {
		return nil, ErrDateNotFound
	}
	for _, s := range cloneDate(a).Slots {
		if s.ID == slotID {
			return &s, nil
		}
	}
	return nil, ErrSlotNotFound
}

func (r *MemoryRepository) TransitionSlot(_ context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID, from []SlotStatus, to SlotStatus, patientID *uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dateKey{doctorID, date}
	a, ok := r.dates[key]
	if !ok {
		return nil, ErrDateNotFound
	}

	idx := slices.IndexFunc(a.Slots, func(s Slot) bool { return s.ID == slotID })
	if idx < 0 {
		return nil, ErrSlotNotFound
	}
	if !slices.Contains(from, a.Slots[idx].Status) {
		return nil, ErrStatusConflict
	}

	a = cloneDate(a)
	a.Slots[idx].Status = to
	a.Slots[idx].PatientID = nil
	if to == SlotBooked && patientID != nil {
		id := *patientID
		a.Slots[idx].PatientID = &id
	}
	r.dates[key] = a

	s := a.Slots[idx]
	return &s, nil
}

func (r *MemoryRepository) CancelAllSlots(_ context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dateKey{doctorID, date}
	a, ok := r.dates[key]
	if !ok {
		return nil, ErrDateNotFound
	}

	a = cloneDate(a)
	for i := range a.Slots {
		a.Slots[i].Status = SlotCancelled
		a.Slots[i].PatientID = nil
	}
	r.dates[key] = a

	out := cloneDate(a)
	return &out, nil
}

func (r *MemoryRepository) ListBookingsByPatient(_ context.Context, patientID uuid.UUID) ([]Booking, error) {
	return r.bookings(func(key dateKey, s Slot) bool {
		return *s.PatientID == patientID
	}), nil
}

func (r *MemoryRepository) ListBookingsByDoctor(_ context.Context, doctorID uuid.UUID, date *calendar.Date) ([]Booking, error) {
	return r.bookings(func(key dateKey, s Slot) bool {
		return key.doctorID == doctorID && (date == nil || key.date == *date)
	}), nil
}

func (r *MemoryRepository) bookings(match func(dateKey, Slot) bool) []Booking {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Booking
	for key, a := range r.dates {
		for _, s := range a.Slots {
			if s.Status != SlotBooked || s.PatientID == nil || !match(key, s) {
				continue
			}
			out = append(out, Booking{
				SlotID:    s.ID,
				DoctorID:  key.doctorID,
				PatientID: *s.PatientID,
				Date:      key.date,
				Time:      s.Time,
			})
		}
	}
	sortBookings(out)
	return out
}

func sortBookings(b []Booking) {
	sort.Slice(b, func(i, j int) bool {
		if b[i].Date != b[j].Date {
			return b[i].Date.Before(b[j].Date)
		}
		return b[i].Time.Before(b[j].Time)
	})
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}
