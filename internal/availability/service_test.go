package availability

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/config"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
	redisclient "github.com/hackgods/clinic-slot-scheduling/internal/redis"
)

var kolkata = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// passthroughLocker runs fn without any locking so the store's conditional update is
// the only thing standing between concurrent bookers.
type passthroughLocker struct{}

func (passthroughLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, uuid.UUID, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	doctor   uuid.UUID
	patients []uuid.UUID

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// newFixture starts the clock at 08:00 on 2024-06-10 in Kolkata with one doctor holding
// a 09:00-10:00 / 20 minute morning schedule and three patients.
func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()

	f := &fixture{
		repo:   NewMemoryRepository(),
		doctor: uuid.New(),
		now:    time.Date(2024, time.June, 10, 8, 0, 0, 0, kolkata),
	}
	f.repo.AddDoctor(Doctor{
		ID:   f.doctor,
		Name: "Dr. Rao",
		Schedule: ClinicScheduleConfig{
			MorningStart:        lt("09:00"),
			MorningEnd:          lt("10:00"),
			SlotDurationMinutes: 20,
		},
	})
	for i := 0; i < 3; i++ {
		id := uuid.New()
		f.repo.AddPatient(Patient{ID: id, Name: "patient"})
		f.patients = append(f.patients, id)
	}

	if locker == nil {
		locker = redisclient.NewLocalSlotLocker(time.Second)
	}
	zone := calendar.NewZone(kolkata, f.clock)
	cfg := config.Config{DefaultSlotMinutes: 15}
	f.svc = NewService(f.repo, locker, zone, cfg, zap.NewNop())
	return f
}

func (f *fixture) mark(t *testing.T, dates ...calendar.Date) []AvailabilityDate {
	t.Helper()
	out, err := f.svc.MarkDatesAvailable(context.Background(), f.doctor, dates, 0)
	require.NoError(t, err)
	return out
}

func slotAt(t *testing.T, slots []Slot, hhmm string) Slot {
	t.Helper()
	for _, s := range slots {
		if s.Time.String() == hhmm {
			return s
		}
	}
	t.Fatalf("no slot at %s", hhmm)
	return Slot{}
}

func countEvents(evs []events.Event, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

func TestService_ExampleScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	marked := f.mark(t, june10)
	require.Len(t, marked, 1)
	assert.Equal(t, []string{"09:00", "09:20", "09:40"}, times(marked[0].Slots))

	target := slotAt(t, marked[0].Slots, "09:20")

	booked, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], target.ID, june10)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, booked.Status)
	require.NotNil(t, booked.PatientID)
	assert.Equal(t, f.patients[0], *booked.PatientID)

	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[1], target.ID, june10)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)

	after, err := f.svc.CancelAllSlots(ctx, f.doctor, june10)
	require.NoError(t, err)
	require.Len(t, after.Slots, 3)
	for _, s := range after.Slots {
		assert.Equal(t, SlotCancelled, s.Status)
		assert.Nil(t, s.PatientID)
	}

	evs := f.repo.Events()
	assert.Equal(t, 1, countEvents(evs, events.DatesMarkedAvailable))
	assert.Equal(t, 1, countEvents(evs, events.SlotBooked))
	assert.Equal(t, 1, countEvents(evs, events.SlotsCancelledAll))
}

func TestService_MarkDatesAvailable_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.mark(t, june10)
	_, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], first[0].Slots[0].ID, june10)
	require.NoError(t, err)

	// re-marking keeps the existing slots and their booking
	second := f.mark(t, june10)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, times(first[0].Slots), times(second[0].Slots))
	assert.Equal(t, SlotBooked, second[0].Slots[0].Status)

	// a different duration on re-mark does not regenerate
	third, err := f.svc.MarkDatesAvailable(ctx, f.doctor, []calendar.Date{june10}, 10)
	require.NoError(t, err)
	assert.Len(t, third[0].Slots, 3)

	all, err := f.svc.ListAvailableDates(ctx, f.doctor)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, countEvents(f.repo.Events(), events.DatesMarkedAvailable))
}

func TestService_MarkDatesAvailable_MixedAndDuplicateDates(t *testing.T) {
	f := newFixture(t, nil)

	f.mark(t, june10)
	out := f.mark(t, june10.AddDays(2), june10, june10.AddDays(1), june10.AddDays(2))

	require.Len(t, out, 3)
	assert.Equal(t, june10, out[0].Date)
	assert.Equal(t, june10.AddDays(1), out[1].Date)
	assert.Equal(t, june10.AddDays(2), out[2].Date)
}

func TestService_MarkDatesAvailable_DurationOverride(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.svc.MarkDatesAvailable(context.Background(), f.doctor, []calendar.Date{june10}, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30"}, times(out[0].Slots))
}

func TestService_MarkDatesAvailable_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.MarkDatesAvailable(ctx, f.doctor, nil, 0)
	assert.ErrorIs(t, err, ErrNoDates)

	_, err = f.svc.MarkDatesAvailable(ctx, f.doctor, []calendar.Date{june10.AddDays(1), june10.AddDays(-1)}, 0)
	assert.ErrorIs(t, err, ErrDateInPast)
	dates, _ := f.svc.ListAvailableDates(ctx, f.doctor)
	assert.Empty(t, dates, "nothing is written when one date is rejected")

	_, err = f.svc.MarkDatesAvailable(ctx, uuid.New(), []calendar.Date{june10}, 0)
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.svc.MarkDatesAvailable(ctx, f.doctor, []calendar.Date{june10}, 90)
	assert.ErrorIs(t, err, ErrNoScheduleConfigured)

	for _, minutes := range []int{-1, MaxSlotMinutes + 1, math.MaxInt} {
		_, err = f.svc.MarkDatesAvailable(ctx, f.doctor, []calendar.Date{june10}, minutes)
		assert.ErrorIs(t, err, ErrInvalidScheduleConfig, minutes)
	}

	bare := uuid.New()
	f.repo.AddDoctor(Doctor{ID: bare, Name: "Dr. Unset"})
	_, err = f.svc.MarkDatesAvailable(ctx, bare, []calendar.Date{june10}, 0)
	assert.ErrorIs(t, err, ErrNoScheduleConfigured)
}

func TestService_MarkDatesAvailable_FallsBackToDefaultDuration(t *testing.T) {
	f := newFixture(t, nil)
	doc := uuid.New()
	f.repo.AddDoctor(Doctor{ID: doc, Schedule: ClinicScheduleConfig{EveningStart: lt("18:00"), EveningEnd: lt("19:00")}})

	out, err := f.svc.MarkDatesAvailable(context.Background(), doc, []calendar.Date{june10}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"18:00", "18:15", "18:30", "18:45"}, times(out[0].Slots))
}

func TestService_BookSlot_AtMostOneWinner(t *testing.T) {
	lockers := map[string]redisclient.Locker{
		"local lock":     redisclient.NewLocalSlotLocker(time.Second),
		"store cas only": passthroughLocker{},
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, locker)
			ctx := context.Background()

			var bookers []uuid.UUID
			for i := 0; i < 25; i++ {
				id := uuid.New()
				f.repo.AddPatient(Patient{ID: id})
				bookers = append(bookers, id)
			}

			target := f.mark(t, june10.AddDays(1))[0].Slots[1]

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   []uuid.UUID
				conflicts int
				others    []error
			)
			start := make(chan struct{})
			for _, p := range bookers {
				wg.Add(1)
				go func(patient uuid.UUID) {
					defer wg.Done()
					<-start
					_, err := f.svc.BookSlot(ctx, f.doctor, patient, target.ID, june10.AddDays(1))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, patient)
					case errors.Is(err, ErrSlotNotAvailable):
						conflicts++
					default:
						others = append(others, err)
					}
				}(p)
			}
			close(start)
			wg.Wait()

			require.Empty(t, others)
			require.Len(t, winners, 1)
			assert.Equal(t, len(bookers)-1, conflicts)

			slot, err := f.repo.GetSlot(ctx, f.doctor, june10.AddDays(1), target.ID)
			require.NoError(t, err)
			assert.Equal(t, SlotBooked, slot.Status)
			assert.Equal(t, winners[0], *slot.PatientID)
			assert.Equal(t, 1, countEvents(f.repo.Events(), events.SlotBooked))
		})
	}
}

func TestService_BookSlot_TimeBoundary(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"before slot", time.Date(2024, time.June, 10, 9, 19, 0, 0, kolkata), true},
		{"at slot start", time.Date(2024, time.June, 10, 9, 20, 0, 0, kolkata), false},
		{"after slot", time.Date(2024, time.June, 10, 9, 21, 0, 0, kolkata), false},
		// 03:49 UTC is 09:19 in Kolkata; the server's own offset must not matter
		{"utc clock before slot", time.Date(2024, time.June, 10, 3, 49, 0, 0, time.UTC), true},
		{"utc clock after slot", time.Date(2024, time.June, 10, 3, 51, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			target := slotAt(t, f.mark(t, june10)[0].Slots, "09:20")

			f.setNow(tt.now)
			_, err := f.svc.BookSlot(context.Background(), f.doctor, f.patients[0], target.ID, june10)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrSlotNotAvailable)
			}
		})
	}
}

func TestService_BookSlot_PastDate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	yesterday := june10.AddDays(-1)
	cfg := ClinicScheduleConfig{MorningStart: lt("09:00"), MorningEnd: lt("10:00"), SlotDurationMinutes: 20}
	_, err := f.repo.InsertAvailabilityDates(ctx, f.doctor, []AvailabilityDate{{
		Date:  yesterday,
		Slots: GenerateSlots(f.doctor, cfg, yesterday),
	}})
	require.NoError(t, err)

	slots, err := f.svc.SlotsForDate(ctx, f.doctor, yesterday)
	require.NoError(t, err)

	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[2].ID, yesterday)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
}

func TestService_BookSlot_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	slots := f.mark(t, june10)[0].Slots

	_, err := f.svc.BookSlot(ctx, f.doctor, uuid.New(), slots[0].ID, june10)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[0], uuid.New(), june10)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[0].ID, june10.AddDays(3))
	assert.ErrorIs(t, err, ErrDateNotFound)
}

func TestService_BookSlot_LockContention(t *testing.T) {
	f := newFixture(t, busyLocker{})
	slots := f.mark(t, june10)[0].Slots

	_, err := f.svc.BookSlot(context.Background(), f.doctor, f.patients[0], slots[0].ID, june10)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)

	slot, err := f.repo.GetSlot(context.Background(), f.doctor, june10, slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)
}

func TestService_CancelSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	slots := f.mark(t, june10)[0].Slots

	_, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[0].ID, june10)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelSlot(ctx, f.doctor, june10, slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotCancelled, cancelled.Status)
	assert.Nil(t, cancelled.PatientID)

	// available slots can be cancelled directly
	_, err = f.svc.CancelSlot(ctx, f.doctor, june10, slots[1].ID)
	require.NoError(t, err)

	// cancelling again is a no-op, not an error
	again, err := f.svc.CancelSlot(ctx, f.doctor, june10, slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotCancelled, again.Status)
	assert.Equal(t, 2, countEvents(f.repo.Events(), events.SlotCancelled))

	// cancelled is terminal
	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[1], slots[0].ID, june10)
	assert.ErrorIs(t, err, ErrSlotNotAvailable)
	_, err = f.svc.ReleaseSlot(ctx, f.doctor, june10, slots[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	bookings, err := f.svc.ListPatientBookings(ctx, f.patients[0])
	require.NoError(t, err)
	assert.Empty(t, bookings)

	_, err = f.svc.CancelSlot(ctx, f.doctor, june10, uuid.New())
	assert.ErrorIs(t, err, ErrSlotNotFound)
	_, err = f.svc.CancelSlot(ctx, f.doctor, june10.AddDays(5), slots[0].ID)
	assert.ErrorIs(t, err, ErrDateNotFound)
}

func TestService_ReleaseSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	slots := f.mark(t, june10)[0].Slots

	_, err := f.svc.ReleaseSlot(ctx, f.doctor, june10, slots[2].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[2].ID, june10)
	require.NoError(t, err)

	released, err := f.svc.ReleaseSlot(ctx, f.doctor, june10, slots[2].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, released.Status)
	assert.Nil(t, released.PatientID)

	// open for a new booking
	_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[1], slots[2].ID, june10)
	assert.NoError(t, err)
}

func TestService_CancelAllSlots_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CancelAllSlots(context.Background(), f.doctor, june10)
	assert.ErrorIs(t, err, ErrDateNotFound)
}

func TestService_Queries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	none, err := f.svc.NextAvailableDate(ctx, f.doctor)
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := f.svc.SlotsForDate(ctx, f.doctor, june10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	f.mark(t, june10.AddDays(2), june10, june10.AddDays(1))

	today, err := f.svc.IsAvailableToday(ctx, f.doctor)
	require.NoError(t, err)
	assert.True(t, today)

	next, err := f.svc.NextAvailableDate(ctx, f.doctor)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, june10.AddDays(1), *next)

	_, err = f.svc.CancelAllSlots(ctx, f.doctor, june10.AddDays(1))
	require.NoError(t, err)

	next, err = f.svc.NextAvailableDate(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, june10.AddDays(2), *next)

	// fully cancelled dates are still listed
	dates, err := f.svc.ListAvailableDates(ctx, f.doctor)
	require.NoError(t, err)
	require.Len(t, dates, 3)
	assert.Equal(t, june10, dates[0].Date)
	assert.Equal(t, 3, dates[1].CountByStatus()[SlotCancelled])

	// once the morning is over nothing is bookable today
	f.setNow(time.Date(2024, time.June, 10, 10, 30, 0, 0, kolkata))
	today, err = f.svc.IsAvailableToday(ctx, f.doctor)
	require.NoError(t, err)
	assert.False(t, today)
}

func TestService_Bookings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d1 := f.mark(t, june10)[0].Slots
	d2 := f.mark(t, june10.AddDays(1))[0].Slots

	for _, b := range []struct {
		slot Slot
		date calendar.Date
		p    uuid.UUID
	}{
		{d2[0], june10.AddDays(1), f.patients[0]},
		{d1[1], june10, f.patients[0]},
		{d1[2], june10, f.patients[1]},
	} {
		_, err := f.svc.BookSlot(ctx, f.doctor, b.p, b.slot.ID, b.date)
		require.NoError(t, err)
	}

	mine, err := f.svc.ListPatientBookings(ctx, f.patients[0])
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, june10, mine[0].Date)
	assert.Equal(t, "09:20", mine[0].Time.String())
	assert.Equal(t, june10.AddDays(1), mine[1].Date)

	day := june10
	doctorDay, err := f.svc.ListDoctorBookings(ctx, f.doctor, &day)
	require.NoError(t, err)
	assert.Len(t, doctorDay, 2)

	all, err := f.svc.ListDoctorBookings(ctx, f.doctor, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.ListPatientBookings(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = f.svc.ListDoctorBookings(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}

func TestService_ScheduleConfig(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cfg := ClinicScheduleConfig{
		MorningStart:        lt("08:00"),
		MorningEnd:          lt("12:00"),
		EveningStart:        lt("17:00"),
		EveningEnd:          lt("20:00"),
		SlotDurationMinutes: 30,
	}
	saved, err := f.svc.SetScheduleConfig(ctx, f.doctor, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, *saved)

	got, err := f.svc.GetScheduleConfig(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, 30, got.SlotDurationMinutes)

	out := f.mark(t, june10)
	assert.Len(t, out[0].Slots, 14)

	_, err = f.svc.SetScheduleConfig(ctx, f.doctor, ClinicScheduleConfig{SlotDurationMinutes: 10})
	assert.ErrorIs(t, err, ErrInvalidScheduleConfig)

	huge := cfg
	huge.SlotDurationMinutes = math.MaxInt
	_, err = f.svc.SetScheduleConfig(ctx, f.doctor, huge)
	assert.ErrorIs(t, err, ErrInvalidScheduleConfig)
	got, err = f.svc.GetScheduleConfig(ctx, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, 30, got.SlotDurationMinutes, "rejected config is not stored")

	_, err = f.svc.SetScheduleConfig(ctx, uuid.New(), cfg)
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.svc.GetScheduleConfig(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}
