// Package calibration runs the per-sensor calibration workflow: collect
// (input, reference) points, fit a line, push the coefficients to the device.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/sensor"
)

var (
	ErrInsufficientData = errors.New("insufficient calibration data")
	ErrFitFailure       = errors.New("calibration fit failed")
	ErrNotFitted        = errors.New("sensor has no fitted calibration")
)

type Phase string

const (
	PhaseEmpty      Phase = "empty"
	PhaseCollecting Phase = "collecting"
	PhaseFitted     Phase = "fitted"
)

// PointStore persists calibration points. *telemetry.Store satisfies it.
type PointStore interface {
	AddPoint(ctx context.Context, sensorID string, input, reference float64) (model.CalibrationPoint, error)
	Points(ctx context.Context, sensorID string) ([]model.CalibrationPoint, error)
	ResetPoints(ctx context.Context, sensorID string) (int64, error)
}

// Sensors resolves sensor ids. *sensor.Registry satisfies it.
type Sensors interface {
	Get(id string) (sensor.Sensor, bool)
}

// Status is the calibration view of one sensor.
type Status struct {
	SensorID     string               `json:"sensor_id"`
	Phase        Phase                `json:"phase"`
	Points       int                  `json:"points"`
	Coefficients *sensor.Coefficients `json:"coefficients,omitempty"`
	LastFit      *Result              `json:"last_fit,omitempty"`
	LastPush     *PushRecord          `json:"last_push,omitempty"`
}

// PushRecord remembers the outcome of the latest push attempt.
type PushRecord struct {
	At    time.Time `json:"at"`
	A     float64   `json:"a"`
	B     float64   `json:"b"`
	Error string    `json:"error,omitempty"`
}

type state struct {
	phase    Phase
	lastFit  *Result
	lastPush *PushRecord
}

// Engine tracks the calibration state machine of every sensor.
type Engine struct {
	store   PointStore
	sensors Sensors
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

func NewEngine(store PointStore, sensors Sensors, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{store: store, sensors: sensors, logger: logger, now: time.Now, states: make(map[string]*state)}
}

// stateOf returns the sensor's state, creating it from the stored points
// the first time the sensor is seen. Callers hold mu.
func (e *Engine) stateOf(ctx context.Context, id string) (*state, error) {
	if st, ok := e.states[id]; ok {
		return st, nil
	}
	pts, err := e.store.Points(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &state{phase: PhaseEmpty}
	if len(pts) > 0 {
		st.phase = PhaseCollecting
	}
	e.states[id] = st
	return st, nil
}

func (e *Engine) lookup(id string) (sensor.Sensor, error) {
	s, ok := e.sensors.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sensor.ErrUnknownSensor, id)
	}
	return s, nil
}

// AddPoint appends a point and moves the sensor to Collecting. Coefficients
// from an earlier fit stay on the sensor until the next fit or reset.
func (e *Engine) AddPoint(ctx context.Context, sensorID string, input, reference float64) (model.CalibrationPoint, error) {
	if _, err := e.lookup(sensorID); err != nil {
		return model.CalibrationPoint{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.stateOf(ctx, sensorID)
	if err != nil {
		return model.CalibrationPoint{}, err
	}
	p, err := e.store.AddPoint(ctx, sensorID, input, reference)
	if err != nil {
		return model.CalibrationPoint{}, err
	}
	st.phase = PhaseCollecting
	return p, nil
}

// Points lists the stored points of a sensor.
func (e *Engine) Points(ctx context.Context, sensorID string) ([]model.CalibrationPoint, error) {
	return e.store.Points(ctx, sensorID)
}

// Fit regresses the sensor's points. On success the coefficients are stored
// on the sensor and the phase becomes Fitted. On failure the neutral result
// is returned with ErrInsufficientData or ErrFitFailure and nothing changes.
func (e *Engine) Fit(ctx context.Context, sensorID string) (Result, error) {
	s, err := e.lookup(sensorID)
	if err != nil {
		return Neutral(), err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.stateOf(ctx, sensorID)
	if err != nil {
		return Neutral(), err
	}
	pts, err := e.store.Points(ctx, sensorID)
	if err != nil {
		return Neutral(), err
	}
	x := make([]float64, len(pts))
	y := make([]float64, len(pts))
	for i, p := range pts {
		x[i] = p.InputValue
		y[i] = p.ReferenceValue
	}

	res, err := Fit(x, y)
	if err != nil {
		e.logger.Warnf("sensor %s: %v", sensorID, err)
		return res, err
	}
	s.SetCoefficients(&sensor.Coefficients{A: res.A, B: res.B})
	st.phase = PhaseFitted
	st.lastFit = &res
	e.logger.Infof("sensor %s: fitted a=%g b=%g r=%.4f over %d points", sensorID, res.A, res.B, res.R, res.Points)
	return res, nil
}

// Push writes the sensor's coefficients to the device. Unsupported variants,
// unfitted and disconnected sensors are refused without I/O; every attempt
// is recorded in the sensor's status.
func (e *Engine) Push(ctx context.Context, sensorID string) error {
	s, err := e.lookup(sensorID)
	if err != nil {
		return err
	}
	coef, fitted := s.Coefficients()

	switch {
	case !s.SupportsCalibration():
		err = fmt.Errorf("%w: %s", sensor.ErrCalibrationUnsupported, sensorID)
	case !fitted:
		err = fmt.Errorf("%w: %s", ErrNotFitted, sensorID)
	case s.Status() != sensor.StatusConnected:
		err = fmt.Errorf("%w: sensor %s is disconnected", sensor.ErrConnection, sensorID)
	default:
		err = s.ApplyCalibration(ctx, coef.A, coef.B)
	}

	rec := &PushRecord{At: e.now(), A: coef.A, B: coef.B}
	if err != nil {
		rec.Error = err.Error()
		e.logger.Warnf("sensor %s: push calibration: %v", sensorID, err)
	}
	e.mu.Lock()
	if st, serr := e.stateOf(ctx, sensorID); serr == nil {
		st.lastPush = rec
	}
	e.mu.Unlock()
	return err
}

// Reset deletes the sensor's points, clears its coefficients and returns it
// to Empty. It also works for sensors no longer in the registry.
func (e *Engine) Reset(ctx context.Context, sensorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.store.ResetPoints(ctx, sensorID); err != nil {
		return err
	}
	if s, ok := e.sensors.Get(sensorID); ok {
		s.SetCoefficients(nil)
	}
	e.states[sensorID] = &state{phase: PhaseEmpty}
	return nil
}

// Status reports the phase, point count and latest fit and push of a sensor.
func (e *Engine) Status(ctx context.Context, sensorID string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.stateOf(ctx, sensorID)
	if err != nil {
		return Status{}, err
	}
	pts, err := e.store.Points(ctx, sensorID)
	if err != nil {
		return Status{}, err
	}
	out := Status{SensorID: sensorID, Phase: st.phase, Points: len(pts), LastFit: st.lastFit, LastPush: st.lastPush}
	if s, ok := e.sensors.Get(sensorID); ok {
		if c, ok := s.Coefficients(); ok {
			out.Coefficients = &c
		}
	}
	return out, nil
}
