package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/availability"
	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/config"
	"github.com/hackgods/clinic-slot-scheduling/internal/db"
	"github.com/hackgods/clinic-slot-scheduling/internal/logger"
	redisclient "github.com/hackgods/clinic-slot-scheduling/internal/redis"
	"github.com/hackgods/clinic-slot-scheduling/internal/seed"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if cfg.PostgresDSN == "" {
		_, _ = os.Stderr.WriteString("POSTGRES_DSN is required\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	doctorCount := getInt("SEED_DOCTORS", 50)
	patientCount := getInt("SEED_PATIENTS", 5000)
	days := getInt("SEED_DAYS", 7)

	log.Info("seed starting",
		zap.Int("doctors", doctorCount),
		zap.Int("patients", patientCount),
		zap.Int("days", days),
	)

	ctx := context.Background()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	log.Info("schema ready", zap.Int("migrations_applied", applied))

	zone, err := calendar.LoadZone(cfg.ReferenceTZ)
	if err != nil {
		log.Fatal("reference zone", zap.Error(err))
	}

	f := gofakeit.New(0)
	doctors := seed.Doctors(f, doctorCount)
	patients := seed.Patients(f, patientCount)

	if err := seedDoctors(ctx, pool, doctors); err != nil {
		log.Fatal("seed doctors", zap.Error(err))
	}
	log.Info("doctors seeded", zap.Int("count", len(doctors)))

	if err := seedPatients(ctx, pool, patients); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}
	log.Info("patients seeded", zap.Int("count", len(patients)))

	// Schedules and dates go through the service so they are validated and land in the outbox.
	svc := availability.NewService(availability.NewPgRepository(pool),
		redisclient.NewLocalSlotLocker(cfg.LockTTL), zone, cfg, log)

	dates := seed.UpcomingDates(zone, days)
	slots := 0
	for _, d := range doctors {
		if _, err := svc.SetScheduleConfig(ctx, d.ID, d.Schedule); err != nil {
			log.Fatal("set schedule", zap.String("doctor_id", d.ID.String()), zap.Error(err))
		}
		marked, err := svc.MarkDatesAvailable(ctx, d.ID, dates, 0)
		if err != nil {
			log.Fatal("mark dates available", zap.String("doctor_id", d.ID.String()), zap.Error(err))
		}
		for _, a := range marked {
			slots += len(a.Slots)
		}
	}

	log.Info("seed complete",
		zap.Int("doctors", len(doctors)),
		zap.Int("patients", len(patients)),
		zap.Int("dates_per_doctor", len(dates)),
		zap.Int("slots", slots),
	)
}

// seedDoctors inserts the doctor rows only; schedules are set through the service.
func seedDoctors(ctx context.Context, pool *pgxpool.Pool, doctors []availability.Doctor) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, d := range doctors {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, d.ID, d.Name, d.Specialty)
		if err != nil {
			return fmt.Errorf("insert doctor %s: %w", d.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, patients []availability.Patient) error {
	now := time.Now()
	_, err := pool.CopyFrom(ctx,
		pgx.Identifier{"patients"},
		[]string{"id", "name", "email", "created_at", "updated_at"},
		pgx.CopyFromSlice(len(patients), func(i int) ([]any, error) {
			p := patients[i]
			return []any{p.ID, p.Name, p.Email, now, now}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy patients: %w", err)
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
