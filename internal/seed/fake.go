// Package seed generates demo doctors and patients.
package seed

import (
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var slotLengths = []int{10, 15, 20, 30}

// Doctors returns count doctors with valid clinic schedules. Roughly one in four only
// holds a morning or an evening clinic.
func Doctors(f *gofakeit.Faker, count int) []availability.Doctor {
	out := make([]availability.Doctor, 0, count)
	for i := 0; i < count; i++ {
		spec := f.RandomString(specialties)
		out = append(out, availability.Doctor{
			ID:        uuid.New(),
			Name:      "Dr. " + f.Name(),
			Specialty: &spec,
			Schedule:  Schedule(f),
		})
	}
	return out
}

// Schedule picks a morning clinic between 08:00 and 13:30 and an evening clinic
// between 16:00 and 21:00, dropping one of them now and then.
func Schedule(f *gofakeit.Faker) availability.ClinicScheduleConfig {
	cfg := availability.ClinicScheduleConfig{
		SlotDurationMinutes: slotLengths[f.Number(0, len(slotLengths)-1)],
	}

	mStart := calendar.LocalTimeFromMinutes(8*60 + 30*f.Number(0, 4))
	mEnd := calendar.LocalTimeFromMinutes(mStart.Minutes() + 60*f.Number(2, 3) + 30*f.Number(0, 1))
	eStart := calendar.LocalTimeFromMinutes(16*60 + 30*f.Number(0, 3))
	eEnd := calendar.LocalTimeFromMinutes(eStart.Minutes() + 60*f.Number(2, 3))

	switch f.Number(0, 7) {
	case 0:
		cfg.EveningStart, cfg.EveningEnd = &eStart, &eEnd
	case 1:
		cfg.MorningStart, cfg.MorningEnd = &mStart, &mEnd
	default:
		cfg.MorningStart, cfg.MorningEnd = &mStart, &mEnd
		cfg.EveningStart, cfg.EveningEnd = &eStart, &eEnd
	}
	return cfg
}

func Patients(f *gofakeit.Faker, count int) []availability.Patient {
	out := make([]availability.Patient, 0, count)
	for i := 0; i < count; i++ {
		email := f.Email()
		out = append(out, availability.Patient{
			ID:    uuid.New(),
			Name:  f.Name(),
			Email: &email,
		})
	}
	return out
}

// UpcomingDates lists today and the following days-1 dates.
func UpcomingDates(zone *calendar.Zone, days int) []calendar.Date {
	today := zone.Today()
	out := make([]calendar.Date, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, today.AddDays(i))
	}
	return out
}
