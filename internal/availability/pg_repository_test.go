package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/config"
	"github.com/hackgods/clinic-slot-scheduling/internal/db"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
)

const (
	pgTestUser     = "test"
	pgTestPassword = "testpass"
	pgTestDB       = "slots_test"
)

// startPostgres runs a throwaway postgres container with the schema migrated and
// returns its DSN. Skipped in -short mode and when no container runtime is reachable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       pgTestDB,
			"POSTGRES_USER":     pgTestUser,
			"POSTGRES_PASSWORD": pgTestPassword,
		},
		// the init run restarts the server once, so wait for the second ready line
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pgTestUser, pgTestPassword, host, port.Port(), pgTestDB)

	pool, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	_, err = db.Migrate(ctx, pool)
	require.NoError(t, err)

	return dsn
}

// connectWithTimeZone opens a pool whose sessions use tz as their TimeZone setting.
func connectWithTimeZone(t *testing.T, dsn, tz string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["timezone"] = tz

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type pgFixture struct {
	pool     *pgxpool.Pool
	repo     *PgRepository
	svc      *Service
	doctor   uuid.UUID
	patients []uuid.UUID
}

// newPgFixture mirrors newFixture on a real database: a fresh doctor with a
// 09:00-10:00 / 20 minute schedule, the given number of patients, and the clock
// at 08:00 on 2024-06-10 in Kolkata. Booking relies on the store alone.
func newPgFixture(t *testing.T, pool *pgxpool.Pool, patients int) *pgFixture {
	t.Helper()
	ctx := context.Background()

	f := &pgFixture{pool: pool, repo: NewPgRepository(pool), doctor: uuid.New()}

	_, err := pool.Exec(ctx, `INSERT INTO doctors (id, name) VALUES ($1, $2)`, f.doctor, "Dr. Rao")
	require.NoError(t, err)
	_, err = f.repo.UpdateScheduleConfig(ctx, f.doctor, ClinicScheduleConfig{
		MorningStart:        lt("09:00"),
		MorningEnd:          lt("10:00"),
		SlotDurationMinutes: 20,
	})
	require.NoError(t, err)

	for i := 0; i < patients; i++ {
		id := uuid.New()
		_, err := pool.Exec(ctx, `INSERT INTO patients (id, name) VALUES ($1, $2)`, id, fmt.Sprintf("patient %d", i))
		require.NoError(t, err)
		f.patients = append(f.patients, id)
	}

	now := time.Date(2024, time.June, 10, 8, 0, 0, 0, kolkata)
	zone := calendar.NewZone(kolkata, func() time.Time { return now })
	f.svc = NewService(f.repo, passthroughLocker{}, zone, config.Config{DefaultSlotMinutes: 15}, zap.NewNop())
	return f
}

func (f *pgFixture) mark(t *testing.T, dates ...calendar.Date) []AvailabilityDate {
	t.Helper()
	out, err := f.svc.MarkDatesAvailable(context.Background(), f.doctor, dates, 0)
	require.NoError(t, err)
	return out
}

func (f *pgFixture) countEvents(t *testing.T, eventType string, aggregate uuid.UUID) int {
	t.Helper()
	var n int
	err := f.pool.QueryRow(context.Background(), `
		SELECT count(*) FROM event_logs WHERE event_type = $1 AND aggregate_id = $2
	`, eventType, aggregate).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestPgRepository(t *testing.T) {
	dsn := startPostgres(t)

	pool, err := db.ConnectPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	june11 := june10.AddDays(1)

	t.Run("concurrent bookings have one winner", func(t *testing.T) {
		f := newPgFixture(t, pool, 25)
		ctx := context.Background()
		target := f.mark(t, june11)[0].Slots[1]

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []uuid.UUID
			conflicts int
			others    []error
		)
		start := make(chan struct{})
		for _, p := range f.patients {
			wg.Add(1)
			go func(patient uuid.UUID) {
				defer wg.Done()
				<-start
				_, err := f.svc.BookSlot(ctx, f.doctor, patient, target.ID, june11)
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
		assert.Equal(t, len(f.patients)-1, conflicts)

		slot, err := f.repo.GetSlot(ctx, f.doctor, june11, target.ID)
		require.NoError(t, err)
		assert.Equal(t, SlotBooked, slot.Status)
		assert.Equal(t, winners[0], *slot.PatientID)
		assert.Equal(t, 1, f.countEvents(t, events.SlotBooked, target.ID))

		bookings, err := f.repo.ListBookingsByPatient(ctx, winners[0])
		require.NoError(t, err)
		require.Len(t, bookings, 1)
		assert.Equal(t, target.ID, bookings[0].SlotID)
	})

	t.Run("transition errors", func(t *testing.T) {
		f := newPgFixture(t, pool, 1)
		ctx := context.Background()
		slot := f.mark(t, june11)[0].Slots[0]
		patient := f.patients[0]

		_, err := f.repo.TransitionSlot(ctx, f.doctor, june11, slot.ID, []SlotStatus{SlotBooked}, SlotAvailable, nil)
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = f.repo.TransitionSlot(ctx, f.doctor, june11, uuid.New(), []SlotStatus{SlotAvailable}, SlotBooked, &patient)
		assert.ErrorIs(t, err, ErrSlotNotFound)

		_, err = f.repo.TransitionSlot(ctx, f.doctor, june11.AddDays(5), slot.ID, []SlotStatus{SlotAvailable}, SlotBooked, &patient)
		assert.ErrorIs(t, err, ErrDateNotFound)

		stranger := uuid.New()
		_, err = f.repo.TransitionSlot(ctx, f.doctor, june11, slot.ID, []SlotStatus{SlotAvailable}, SlotBooked, &stranger)
		assert.ErrorIs(t, err, ErrPatientNotFound)

		booked, err := f.repo.TransitionSlot(ctx, f.doctor, june11, slot.ID, []SlotStatus{SlotAvailable}, SlotBooked, &patient)
		require.NoError(t, err)
		assert.Equal(t, patient, *booked.PatientID)

		released, err := f.repo.TransitionSlot(ctx, f.doctor, june11, slot.ID, []SlotStatus{SlotBooked}, SlotAvailable, &patient)
		require.NoError(t, err)
		assert.Equal(t, SlotAvailable, released.Status)
		assert.Nil(t, released.PatientID, "patient is cleared when leaving booked")
	})

	t.Run("cancel all clears bookings", func(t *testing.T) {
		f := newPgFixture(t, pool, 2)
		ctx := context.Background()
		slots := f.mark(t, june11)[0].Slots
		require.Len(t, slots, 3)

		_, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[0].ID, june11)
		require.NoError(t, err)
		_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[1], slots[2].ID, june11)
		require.NoError(t, err)
		_, err = f.svc.CancelSlot(ctx, f.doctor, june11, slots[1].ID)
		require.NoError(t, err)

		out, err := f.svc.CancelAllSlots(ctx, f.doctor, june11)
		require.NoError(t, err)
		require.Len(t, out.Slots, 3)
		for _, s := range out.Slots {
			assert.Equal(t, SlotCancelled, s.Status, s.Time.String())
			assert.Nil(t, s.PatientID, s.Time.String())
		}

		var held int
		err = pool.QueryRow(ctx, `
			SELECT count(*)
			FROM slots s
			JOIN availability_dates ad ON ad.id = s.availability_date_id
			WHERE ad.doctor_id = $1 AND s.patient_id IS NOT NULL
		`, f.doctor).Scan(&held)
		require.NoError(t, err)
		assert.Zero(t, held)

		for _, p := range f.patients {
			bookings, err := f.svc.ListPatientBookings(ctx, p)
			require.NoError(t, err)
			assert.Empty(t, bookings)
		}

		// cancelled is terminal
		_, err = f.svc.BookSlot(ctx, f.doctor, f.patients[0], slots[1].ID, june11)
		assert.ErrorIs(t, err, ErrSlotNotAvailable)

		_, err = f.repo.CancelAllSlots(ctx, f.doctor, june11.AddDays(3))
		assert.ErrorIs(t, err, ErrDateNotFound)
	})

	t.Run("re-marking keeps existing slots", func(t *testing.T) {
		f := newPgFixture(t, pool, 1)
		ctx := context.Background()
		first := f.mark(t, june11)[0]

		_, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], first.Slots[1].ID, june11)
		require.NoError(t, err)

		out, err := f.svc.MarkDatesAvailable(ctx, f.doctor, []calendar.Date{june11, june11.AddDays(1), june11}, 30)
		require.NoError(t, err)
		require.Len(t, out, 2)

		again, err := f.repo.GetAvailabilityDate(ctx, f.doctor, june11)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, []string{"09:00", "09:20", "09:40"}, times(again.Slots))
		for i, s := range again.Slots {
			assert.Equal(t, first.Slots[i].ID, s.ID)
		}
		assert.Equal(t, SlotBooked, again.Slots[1].Status)
		assert.Equal(t, f.patients[0], *again.Slots[1].PatientID)

		next, err := f.repo.GetAvailabilityDate(ctx, f.doctor, june11.AddDays(1))
		require.NoError(t, err)
		assert.Equal(t, []string{"09:00", "09:30"}, times(next.Slots))

		inserted, err := f.repo.InsertAvailabilityDates(ctx, f.doctor, []AvailabilityDate{
			{DoctorID: f.doctor, Date: june11, Slots: GenerateSlots(f.doctor, ClinicScheduleConfig{
				MorningStart: lt("09:00"), MorningEnd: lt("12:00"), SlotDurationMinutes: 10,
			}, june11)},
		})
		require.NoError(t, err)
		assert.Empty(t, inserted)

		dates, err := f.repo.ListAvailabilityDates(ctx, f.doctor)
		require.NoError(t, err)
		require.Len(t, dates, 2)
		assert.Len(t, dates[0].Slots, 3)
	})

	t.Run("dates match regardless of offsets", func(t *testing.T) {
		f := newPgFixture(t, pool, 1)
		ctx := context.Background()
		slot := f.mark(t, june11)[0].Slots[0]

		for _, tz := range []string{"Pacific/Kiritimati", "America/Los_Angeles", "UTC"} {
			repo := NewPgRepository(connectWithTimeZone(t, dsn, tz))

			got, err := repo.GetAvailabilityDate(ctx, f.doctor, june11)
			require.NoError(t, err, tz)
			assert.Equal(t, june11, got.Date, tz)

			dates, err := repo.ListAvailabilityDates(ctx, f.doctor)
			require.NoError(t, err, tz)
			require.Len(t, dates, 1, tz)
			assert.Equal(t, june11, dates[0].Date, tz)

			s, err := repo.GetSlot(ctx, f.doctor, june11, slot.ID)
			require.NoError(t, err, tz)
			assert.Equal(t, "09:00", s.Time.String(), tz)
		}

		// instants from callers in other offsets land on the reference date
		for _, in := range []string{"2024-06-11", "2024-06-11T00:30:00+05:30", "2024-06-10T20:00:00Z", "2024-06-11T08:00:00-07:00"} {
			d, err := f.svc.Zone().ParseDate(in)
			require.NoError(t, err, in)

			slots, err := f.svc.SlotsForDate(ctx, f.doctor, d)
			require.NoError(t, err, in)
			assert.Equal(t, []string{"09:00", "09:20", "09:40"}, times(slots), in)
		}

		booked, err := f.svc.BookSlot(ctx, f.doctor, f.patients[0], slot.ID, june11)
		require.NoError(t, err)
		bookings, err := NewPgRepository(connectWithTimeZone(t, dsn, "Pacific/Kiritimati")).
			ListBookingsByDoctor(ctx, f.doctor, &june11)
		require.NoError(t, err)
		require.Len(t, bookings, 1)
		assert.Equal(t, booked.ID, bookings[0].SlotID)
		assert.Equal(t, june11, bookings[0].Date)
	})
}
