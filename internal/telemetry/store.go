// Package telemetry is the time-series side of the monitor: readings with
// their rolling averages, calibration points, and the live and historical
// read paths.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/db"
	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/sensor"
)

const (
	DefaultRollingWindow = 100
	DefaultLiveLimit     = 200
)

var (
	ErrInvalidRange = errors.New("invalid time range")
	ErrNonFinite    = errors.New("non-finite reading value")
)

// Field selects the reading value a rolling average is taken over.
type Field string

const (
	FieldPrimary Field = "primary"
	FieldDerived Field = "derived"
)

type Options struct {
	RollingWindow int
	LiveLimit     int
	Logger        *zap.SugaredLogger
}

// Store appends readings and serves the read paths. Writes for one sensor
// are serialized so each rolling average sees every earlier row.
type Store struct {
	db     *db.DB
	window int
	limit  int
	logger *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(d *db.DB, opts Options) *Store {
	if opts.RollingWindow <= 0 {
		opts.RollingWindow = DefaultRollingWindow
	}
	if opts.LiveLimit <= 0 {
		opts.LiveLimit = DefaultLiveLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:     d,
		window: opts.RollingWindow,
		limit:  opts.LiveLimit,
		logger: opts.Logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) sensorLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Append writes r as given. Timestamps are stored in UTC.
func (s *Store) Append(ctx context.Context, r *model.Reading) error {
	if r.SensorID == "" {
		return errors.New("reading without sensor id")
	}
	for _, v := range []float64{r.PrimaryValue, r.DerivedValue, r.RollingAvgPrimary, r.RollingAvgDerived} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: sensor %s: %v", ErrNonFinite, r.SensorID, v)
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if err := s.db.SaveReading(ctx, r); err != nil {
		return fmt.Errorf("append reading for sensor %s: %w", r.SensorID, err)
	}
	return nil
}

// Record computes the rolling averages over the sensor's prior rows and then
// appends the sample, as one step per sensor.
func (s *Store) Record(ctx context.Context, smp sensor.Sample) (model.Reading, error) {
	if !finite(smp.Primary) || !finite(smp.Derived) {
		return model.Reading{}, fmt.Errorf("%w: sensor %s: primary=%v derived=%v", ErrNonFinite, smp.SensorID, smp.Primary, smp.Derived)
	}
	l := s.sensorLock(smp.SensorID)
	l.Lock()
	defer l.Unlock()

	avgP, err := s.RollingAverage(ctx, smp.SensorID, FieldPrimary, s.window)
	if err != nil {
		return model.Reading{}, err
	}
	avgD, err := s.RollingAverage(ctx, smp.SensorID, FieldDerived, s.window)
	if err != nil {
		return model.Reading{}, err
	}
	r := model.Reading{
		Timestamp:         smp.Timestamp,
		SensorID:          smp.SensorID,
		PrimaryValue:      smp.Primary,
		DerivedValue:      smp.Derived,
		RollingAvgPrimary: avgP,
		RollingAvgDerived: avgD,
	}
	if err := s.Append(ctx, &r); err != nil {
		return model.Reading{}, err
	}
	return r, nil
}

// QueryLive returns the newest limit rows across sensorIDs, newest first.
// limit <= 0 uses the configured live limit.
func (s *Store) QueryLive(ctx context.Context, sensorIDs []string, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.LatestReadings(ctx, sensorIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("query live readings: %w", err)
	}
	return rows, nil
}

// QueryRange returns rows with start <= timestamp <= end, newest first.
func (s *Store) QueryRange(ctx context.Context, sensorIDs []string, start, end time.Time) ([]model.Reading, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	rows, err := s.db.ReadingsBetween(ctx, sensorIDs, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query readings range: %w", err)
	}
	return rows, nil
}

// RollingAverage is the mean of field over the sensor's newest window rows,
// 0 when there are none. window <= 0 uses the configured window.
func (s *Store) RollingAverage(ctx context.Context, sensorID string, field Field, window int) (float64, error) {
	if window <= 0 {
		window = s.window
	}
	avg, err := s.db.AverageOfLatest(ctx, sensorID, string(field), window)
	if err != nil {
		return 0, fmt.Errorf("rolling average %s for sensor %s: %w", field, sensorID, err)
	}
	return avg, nil
}

// Window returns the configured rolling window.
func (s *Store) Window() int { return s.window }

// AddPoint stores a calibration point.
func (s *Store) AddPoint(ctx context.Context, sensorID string, input, reference float64) (model.CalibrationPoint, error) {
	p := model.CalibrationPoint{SensorID: sensorID, InputValue: input, ReferenceValue: reference}
	if err := s.db.AddCalibrationPoint(ctx, &p); err != nil {
		return model.CalibrationPoint{}, fmt.Errorf("add calibration point for sensor %s: %w", sensorID, err)
	}
	return p, nil
}

// Points returns the sensor's calibration points in insertion order.
func (s *Store) Points(ctx context.Context, sensorID string) ([]model.CalibrationPoint, error) {
	pts, err := s.db.CalibrationPoints(ctx, sensorID)
	if err != nil {
		return nil, fmt.Errorf("list calibration points for sensor %s: %w", sensorID, err)
	}
	return pts, nil
}

// ResetPoints deletes every calibration point of the sensor in one statement.
func (s *Store) ResetPoints(ctx context.Context, sensorID string) (int64, error) {
	n, err := s.db.DeleteCalibrationPoints(ctx, sensorID)
	if err != nil {
		return 0, fmt.Errorf("reset calibration points for sensor %s: %w", sensorID, err)
	}
	s.logger.Infof("sensor %s: %d calibration points cleared", sensorID, n)
	return n, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
