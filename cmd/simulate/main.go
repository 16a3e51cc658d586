package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-scheduling/internal/calendar"
	"github.com/hackgods/clinic-slot-scheduling/internal/config"
	"github.com/hackgods/clinic-slot-scheduling/internal/db"
	"github.com/hackgods/clinic-slot-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	SlotLimit    int
	PostgresDSN  string
	ReferenceTZ  string
}

// slotRef addresses one slot in the API.
type slotRef struct {
	DoctorID uuid.UUID
	Date     calendar.Date
	SlotID   uuid.UUID
}

func (s slotRef) path(base, action string) string {
	return fmt.Sprintf("%s/doctors/%s/availability/%s/slots/%s/%s", base, s.DoctorID, s.Date, s.SlotID, action)
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef
	Doctors  []uuid.UUID

	mu     sync.Mutex
	booked []slotRef
}

func (dp *DataPool) AddBooked(s slotRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, s)
}

// TakeBooked removes and returns a random slot this run booked.
func (dp *DataPool) TakeBooked(rng *rand.Rand) (slotRef, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.booked) == 0 {
		return slotRef{}, false
	}
	idx := rng.Intn(len(dp.booked))
	s := dp.booked[idx]
	dp.booked[idx] = dp.booked[len(dp.booked)-1]
	dp.booked = dp.booked[:len(dp.booked)-1]
	return s, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type Metrics struct {
	Booking         OperationMetrics
	Cancel          OperationMetrics
	Release         OperationMetrics
	SlotsForDate    OperationMetrics
	NextAvailable   OperationMetrics
	PatientBookings OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	cfg, baseCfg := loadConfig()

	log, err := logger.New(baseCfg.Env, baseCfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	zone, err := calendar.LoadZone(cfg.ReferenceTZ)
	if err != nil {
		log.Fatal("reference zone", zap.Error(err))
	}

	dataPool, err := loadDataPool(ctx, pgPool, zone, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}

	log.Info("data pool loaded",
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("slots", len(dataPool.Slots)),
		zap.Int("doctors", len(dataPool.Doctors)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load base config: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.35),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 2400),
		PostgresDSN:  baseCfg.PostgresDSN,
		ReferenceTZ:  baseCfg.ReferenceTZ,
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, zone *calendar.Zone, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	dataPool.Patients, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan patients: %w", err)
	}

	// Available slots from tomorrow on, so none expire mid-run.
	rows, err = pool.Query(ctx, `
		SELECT ad.doctor_id, ad.date, s.id
		FROM slots s
		JOIN availability_dates ad ON ad.id = s.availability_date_id
		WHERE s.status = 'available' AND ad.date > $1
		ORDER BY random()
		LIMIT $2
	`, zone.Today().Time(), cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	doctors := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var (
			ref slotRef
			day time.Time
		)
		if err := rows.Scan(&ref.DoctorID, &day, &ref.SlotID); err != nil {
			return nil, err
		}
		ref.Date = calendar.DateFromTime(day)
		dataPool.Slots = append(dataPool.Slots, ref)
		doctors[ref.DoctorID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for id := range doctors {
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				// doctors release about a third of what gets cancelled
				if rng.Intn(3) == 0 {
					s.doRelease(ctx, rng)
				} else {
					s.doCancel(ctx, rng)
				}
			default:
				switch rng.Intn(3) {
				case 0:
					s.doSlotsForDate(ctx, rng)
				case 1:
					s.doNextAvailable(ctx, rng)
				case 2:
					s.doPatientBookings(ctx, rng)
				}
			}
		}
	}
}

// call sends a request and returns the status code, or 0 on transport failure.
func (s *Simulator) call(ctx context.Context, method, url string, body any) (int, time.Duration) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency := s.call(ctx, http.MethodPost, slot.path(s.config.APIBaseURL, "book"),
		map[string]string{"patient_id": patientID.String()})
	if ctx.Err() != nil {
		return
	}

	if status == http.StatusOK {
		s.pool.AddBooked(slot)
	}
	s.metrics.Booking.Record(latency, status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	slot, ok := s.pool.TakeBooked(rng)
	if !ok {
		return
	}

	status, latency := s.call(ctx, http.MethodPost, slot.path(s.config.APIBaseURL, "cancel"), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(latency, status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doRelease(ctx context.Context, rng *rand.Rand) {
	slot, ok := s.pool.TakeBooked(rng)
	if !ok {
		return
	}

	status, latency := s.call(ctx, http.MethodPost, slot.path(s.config.APIBaseURL, "release"), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Release.Record(latency, status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doSlotsForDate(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	status, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/doctors/%s/availability/%s/slots", s.config.APIBaseURL, slot.DoctorID, slot.Date), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.SlotsForDate.Record(latency, status == http.StatusOK, false)
}

func (s *Simulator) doNextAvailable(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	status, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/doctors/%s/availability/next", s.config.APIBaseURL, doctorID), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.NextAvailable.Record(latency, status == http.StatusOK, false)
}

func (s *Simulator) doPatientBookings(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency := s.call(ctx, http.MethodGet,
		fmt.Sprintf("%s/patients/%s/bookings", s.config.APIBaseURL, patientID), nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.PatientBookings.Record(latency, status == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Release", &s.metrics.Release)
	printOperationReport("Slots for date", &s.metrics.SlotsForDate)
	printOperationReport("Next available", &s.metrics.NextAvailable)
	printOperationReport("Patient bookings", &s.metrics.PatientBookings)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
