package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/events"
)

const pgForeignKeyViolation = "23503"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

func timeToPg(t *calendar.LocalTime) pgtype.Time {
	if t == nil {
		return pgtype.Time{}
	}
	return pgtype.Time{Microseconds: int64(t.Minutes()) * int64(time.Minute/time.Microsecond), Valid: true}
}

func timeFromPg(t pgtype.Time) *calendar.LocalTime {
	if !t.Valid {
		return nil
	}
	lt := calendar.LocalTimeFromMinutes(int(t.Microseconds / int64(time.Minute/time.Microsecond)))
	return &lt
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var ms, me, es, ee pgtype.Time

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&ms, &me, &es, &ee,
		&d.Schedule.SlotDurationMinutes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Schedule.MorningStart = timeFromPg(ms)
	d.Schedule.MorningEnd = timeFromPg(me)
	d.Schedule.EveningStart = timeFromPg(es)
	d.Schedule.EveningEnd = timeFromPg(ee)
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var at pgtype.Time
	var status string

	if err := row.Scan(&s.ID, &at, &status, &s.PatientID); err != nil {
		return nil, err
	}
	s.Time = *timeFromPg(at)
	s.Status = SlotStatus(status)
	return &s, nil
}

// loadDates reads availability dates with their slots, ordered by date then time.
func loadDates(ctx context.Context, q querier, where string, args ...any) ([]AvailabilityDate, error) {
	rows, err := q.Query(ctx, `
		SELECT ad.id, ad.doctor_id, ad.date, ad.created_at,
		       s.id, s.slot_time, s.status, s.patient_id
		FROM availability_dates ad
		LEFT JOIN slots s ON s.availability_date_id = ad.id
		WHERE `+where+`
		ORDER BY ad.date, s.slot_time
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AvailabilityDate
	for rows.Next() {
		var (
			a         AvailabilityDate
			day       time.Time
			slotID    *uuid.UUID
			slotTime  pgtype.Time
			status    *string
			patientID *uuid.UUID
		)
		if err := rows.Scan(&a.ID, &a.DoctorID, &day, &a.CreatedAt, &slotID, &slotTime, &status, &patientID); err != nil {
			return nil, err
		}
		a.Date = calendar.DateFromTime(day)

		if len(out) == 0 || out[len(out)-1].ID != a.ID {
			out = append(out, a)
		}
		if slotID == nil {
			continue
		}
		cur := &out[len(out)-1]
		cur.Slots = append(cur.Slots, Slot{
			ID:        *slotID,
			Time:      *timeFromPg(slotTime),
			Status:    SlotStatus(*status),
			PatientID: patientID,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// missingSlotError tells a missing date apart from a missing slot.
func (r *PgRepository) missingSlotError(ctx context.Context, doctorID uuid.UUID, date calendar.Date) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM availability_dates WHERE doctor_id = $1 AND date = $2)
	`, doctorID, date.Time()).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrDateNotFound
	}
	return ErrSlotNotFound
}

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, morning_start, morning_end, evening_start, evening_end,
		       slot_minutes, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) UpdateScheduleConfig(ctx context.Context, doctorID uuid.UUID, cfg ClinicScheduleConfig) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE doctors
		SET morning_start = $2,
		    morning_end = $3,
		    evening_start = $4,
		    evening_end = $5,
		    slot_minutes = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, name, specialty, morning_start, morning_end, evening_start, evening_end,
		          slot_minutes, created_at, updated_at
	`, doctorID,
		timeToPg(cfg.MorningStart), timeToPg(cfg.MorningEnd),
		timeToPg(cfg.EveningStart), timeToPg(cfg.EveningEnd),
		cfg.SlotDurationMinutes,
	)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) InsertAvailabilityDates(ctx context.Context, doctorID uuid.UUID, dates []AvailabilityDate) ([]calendar.Date, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []calendar.Date
	for _, a := range dates {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO availability_dates (id, doctor_id, date, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (doctor_id, date) DO NOTHING
			RETURNING id
		`, uuid.New(), doctorID, a.Date.Time()).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// already marked, keep existing slots
			continue
		}
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, ErrDoctorNotFound
			}
			return nil, fmt.Errorf("insert availability date %s: %w", a.Date, err)
		}

		rows := make([][]any, len(a.Slots))
		for i, s := range a.Slots {
			rows[i] = []any{s.ID, id, i, timeToPg(&s.Time), string(s.Status), s.PatientID}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"slots"},
			[]string{"id", "availability_date_id", "position", "slot_time", "status", "patient_id"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return nil, fmt.Errorf("insert slots for %s: %w", a.Date, err)
		}

		inserted = append(inserted, a.Date)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit availability dates: %w", err)
	}
	return inserted, nil
}

func (r *PgRepository) ListAvailabilityDates(ctx context.Context, doctorID uuid.UUID) ([]AvailabilityDate, error) {
	return loadDates(ctx, r.pool, "ad.doctor_id = $1", doctorID)
}

func (r *PgRepository) GetAvailabilityDate(ctx context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error) {
	dates, err := loadDates(ctx, r.pool, "ad.doctor_id = $1 AND ad.date = $2", doctorID, date.Time())
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, ErrDateNotFound
	}
	return &dates[0], nil
}

func (r *PgRepository) GetSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT s.id, s.slot_time, s.status, s.patient_id
		FROM slots s
		JOIN availability_dates ad ON ad.id = s.availability_date_id
		WHERE ad.doctor_id = $1 AND ad.date = $2 AND s.id = $3
	`, doctorID, date.Time(), slotID)

	s, err := scanSlot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingSlotError(ctx, doctorID, date)
	}
	return s, err
}

// TransitionSlot is a single UPDATE guarded by the expected statuses, so two
// concurrent bookers cannot both see the slot available.
func (r *PgRepository) TransitionSlot(ctx context.Context, doctorID uuid.UUID, date calendar.Date, slotID uuid.UUID, from []SlotStatus, to SlotStatus, patientID *uuid.UUID) (*Slot, error) {
	expected := make([]string, len(from))
	for i, st := range from {
		expected[i] = string(st)
	}
	if to != SlotBooked {
		patientID = nil
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE slots s
		SET status = $4,
		    patient_id = $5,
		    updated_at = now()
		FROM availability_dates ad
		WHERE s.availability_date_id = ad.id
		  AND ad.doctor_id = $1
		  AND ad.date = $2
		  AND s.id = $3
		  AND s.status = ANY($6)
		RETURNING s.id, s.slot_time, s.status, s.patient_id
	`, doctorID, date.Time(), slotID, string(to), patientID, expected)

	s, err := scanSlot(row)
	if err == nil {
		return s, nil
	}
	if isForeignKeyViolation(err) {
		return nil, ErrPatientNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, err := r.GetSlot(ctx, doctorID, date, slotID); err != nil {
		return nil, err
	}
	return nil, ErrStatusConflict
}

func (r *PgRepository) CancelAllSlots(ctx context.Context, doctorID uuid.UUID, date calendar.Date) (*AvailabilityDate, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dateID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM availability_dates
		WHERE doctor_id = $1 AND date = $2
		FOR UPDATE
	`, doctorID, date.Time()).Scan(&dateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock availability date: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'cancelled',
		    patient_id = NULL,
		    updated_at = now()
		WHERE availability_date_id = $1
		  AND status <> 'cancelled'
	`, dateID); err != nil {
		return nil, fmt.Errorf("cancel slots: %w", err)
	}

	dates, err := loadDates(ctx, tx, "ad.id = $1", dateID)
	if err != nil {
		return nil, fmt.Errorf("reload availability date: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel all: %w", err)
	}
	return &dates[0], nil
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Booking, error) {
		var b Booking
		var day time.Time
		var at pgtype.Time
		if err := row.Scan(&b.SlotID, &b.DoctorID, &b.PatientID, &day, &at); err != nil {
			return Booking{}, err
		}
		b.Date = calendar.DateFromTime(day)
		b.Time = *timeFromPg(at)
		return b, nil
	})
}

func (r *PgRepository) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, ad.doctor_id, s.patient_id, ad.date, s.slot_time
		FROM slots s
		JOIN availability_dates ad ON ad.id = s.availability_date_id
		WHERE s.status = 'booked' AND s.patient_id = $1
		ORDER BY ad.date, s.slot_time
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PgRepository) ListBookingsByDoctor(ctx context.Context, doctorID uuid.UUID, date *calendar.Date) ([]Booking, error) {
	var day *time.Time
	if date != nil {
		t := date.Time()
		day = &t
	}

	rows, err := r.pool.Query(ctx, `
		SELECT s.id, ad.doctor_id, s.patient_id, ad.date, s.slot_time
		FROM slots s
		JOIN availability_dates ad ON ad.id = s.availability_date_id
		WHERE s.status = 'booked'
		  AND ad.doctor_id = $1
		  AND ($2::date IS NULL OR ad.date = $2)
		ORDER BY ad.date, s.slot_time
	`, doctorID, day)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev events.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AggregateID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
