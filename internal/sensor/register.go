package sensor

import (
	"context"
	"fmt"
	"math"
	"time"

	"chlorine-monitor/internal/link"
)

// Register layout of the register-protocol sensor.
const (
	WindowAddress   = 0  // start of the polled input-register window
	WindowSize      = 50 // registers read per sample
	CalibratedIndex = 0  // float32, words 0-1 of the window
	RawIndex        = 12 // float32, words 12-13 of the window
	SlopeAddress    = 25 // holding, float64
	InterceptAddr   = 30 // holding, float64

	// interWriteDelay separates the two coefficient writes; the devices drop
	// back-to-back requests.
	interWriteDelay = 10 * time.Millisecond
)

// RegisterSensor reads the raw and device-calibrated values from input
// registers and accepts pushed coefficients into holding registers.
type RegisterSensor struct {
	base
	link *link.RegisterLink
}

func newRegisterSensor(d Descriptor, opts Options) (*RegisterSensor, error) {
	l, err := link.NewRegisterLink(d.Endpoint, opts.Timeouts)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", d.ID, err)
	}
	d.Endpoint = l.Endpoint()
	s := &RegisterSensor{link: l}
	s.base.init(d, opts)
	if err := l.Connect(); err != nil {
		s.logger.Warnf("sensor %s: initial connect failed: %v", d.ID, err)
	} else {
		s.setConnected(true, nil)
	}
	return s, nil
}

func (s *RegisterSensor) SupportsCalibration() bool { return true }

// Sample reads the register window and decodes (raw, calibrated).
func (s *RegisterSensor) Sample(ctx context.Context) (Sample, error) {
	s.io.Lock()
	defer s.io.Unlock()
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if err := s.checkOpen(); err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if err := s.ensureConnected(); err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
	}

	words, err := s.link.ReadBlock(WindowAddress, WindowSize)
	if err != nil {
		s.setConnected(s.link.Connected(), err)
		return Sample{}, fmt.Errorf("%w: sensor %s: %w", ErrRead, s.desc.ID, err)
	}
	cal, err := link.WordsToFloat32(words[CalibratedIndex:])
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	raw, err := link.WordsToFloat32(words[RawIndex:])
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if !finite(raw) || !finite(cal) {
		return Sample{}, fmt.Errorf("%w: sensor %s: %w: non-finite value raw=%v calibrated=%v",
			ErrRead, s.desc.ID, ErrProtocol, raw, cal)
	}
	return Sample{
		SensorID:  s.desc.ID,
		Timestamp: s.now(),
		Primary:   float64(raw),
		Derived:   float64(cal),
	}, nil
}

// ApplyCalibration writes a and b as float64 to holding registers 25 and 30.
// The two writes are not atomic: if the second fails the device keeps the
// new slope with the old intercept.
func (s *RegisterSensor) ApplyCalibration(ctx context.Context, a, b float64) error {
	s.io.Lock()
	defer s.io.Unlock()
	if err := s.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := s.ensureConnected(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := s.link.WriteBlock(SlopeAddress, link.Float64ToWords(a)); err != nil {
		s.setConnected(s.link.Connected(), err)
		return fmt.Errorf("%w: slope: %w", ErrWrite, err)
	}
	select {
	case <-time.After(interWriteDelay):
	case <-ctx.Done():
		return fmt.Errorf("%w: intercept not written: %w", ErrWrite, ctx.Err())
	}
	if err := s.link.WriteBlock(InterceptAddr, link.Float64ToWords(b)); err != nil {
		s.setConnected(s.link.Connected(), err)
		return fmt.Errorf("%w: intercept: %w", ErrWrite, err)
	}
	s.logger.Infof("sensor %s: calibration applied a=%g b=%g", s.desc.ID, a, b)
	return nil
}

func (s *RegisterSensor) ensureConnected() error {
	if s.link.Connected() {
		return nil
	}
	if err := s.link.Connect(); err != nil {
		s.setConnected(false, err)
		return err
	}
	s.setConnected(true, nil)
	return nil
}

func (s *RegisterSensor) Close() error {
	s.io.Lock()
	defer s.io.Unlock()
	s.shutdown()
	return s.link.Close()
}

func finite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
