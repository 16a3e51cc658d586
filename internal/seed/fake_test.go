package seed

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
)

func TestDoctors_SchedulesAreValid(t *testing.T) {
	f := gofakeit.New(42)
	day := calendar.Date{Year: 2024, Month: time.June, Day: 10}

	doctors := Doctors(f, 200)
	require.Len(t, doctors, 200)

	for _, d := range doctors {
		require.NoError(t, d.Schedule.Validate(), "%+v", d.Schedule)
		assert.NotEmpty(t, availability.GenerateSlots(d.ID, d.Schedule, day))
		require.NotNil(t, d.Specialty)
		assert.Contains(t, specialties, *d.Specialty)
	}
}

func TestPatients(t *testing.T) {
	patients := Patients(gofakeit.New(7), 10)
	require.Len(t, patients, 10)

	seen := map[string]bool{}
	for _, p := range patients {
		assert.NotEmpty(t, p.Name)
		require.NotNil(t, p.Email)
		assert.False(t, seen[p.ID.String()])
		seen[p.ID.String()] = true
	}
}

func TestUpcomingDates(t *testing.T) {
	loc, err := time.LoadLocation(calendar.DefaultZone)
	require.NoError(t, err)
	// 20:00 UTC on the 9th is already the 10th in Kolkata
	zone := calendar.NewZone(loc, func() time.Time { return time.Date(2024, time.June, 9, 20, 0, 0, 0, time.UTC) })

	dates := UpcomingDates(zone, 3)
	assert.Equal(t, []calendar.Date{
		{Year: 2024, Month: time.June, Day: 10},
		{Year: 2024, Month: time.June, Day: 11},
		{Year: 2024, Month: time.June, Day: 12},
	}, dates)
}
