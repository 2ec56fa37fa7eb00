package sensor

import (
	"context"
	"fmt"

	"chlorine-monitor/internal/link"
)

// Valid loop current, in mA. Readings outside it report zero concentration.
const (
	LoopMin = 3.9
	LoopMax = 20.1
)

// Concentration maps a 4-20 mA signal linearly onto 0-2 mg/L. ok is false,
// and the concentration exactly 0, when mA lies outside [LoopMin, LoopMax].
func Concentration(mA float64) (c float64, ok bool) {
	if mA < LoopMin || mA > LoopMax {
		return 0, false
	}
	return (mA - 4) / 16 * 2, true
}

// CurrentLoopSensor queries an analog transmitter for its loop current.
type CurrentLoopSensor struct {
	base
	link *link.CurrentLoopLink
}

func newCurrentLoopSensor(d Descriptor, opts Options) *CurrentLoopSensor {
	s := &CurrentLoopSensor{link: link.NewCurrentLoopLink(d.Endpoint, opts.Timeouts)}
	s.base.init(d, opts)
	if err := s.link.Connect(); err != nil {
		s.logger.Warnf("sensor %s: initial connect failed: %v", d.ID, err)
	} else {
		s.setConnected(true, nil)
	}
	return s
}

func (s *CurrentLoopSensor) SupportsCalibration() bool { return false }

// Sample queries the loop current and converts it. An out-of-range current is
// still a sample: it is logged and flagged, not returned as an error.
func (s *CurrentLoopSensor) Sample(ctx context.Context) (Sample, error) {
	s.io.Lock()
	defer s.io.Unlock()
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if err := s.checkOpen(); err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if !s.link.Connected() {
		if err := s.link.Connect(); err != nil {
			s.setConnected(false, err)
			return Sample{}, fmt.Errorf("%w: %w", ErrRead, err)
		}
		s.setConnected(true, nil)
	}

	frame, err := s.link.Query()
	if err != nil {
		s.setConnected(s.link.Connected(), err)
		return Sample{}, fmt.Errorf("%w: sensor %s: %w", ErrRead, s.desc.ID, err)
	}
	mA, err := link.ParseLoopFrame(frame)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: sensor %s: %w", ErrRead, s.desc.ID, err)
	}

	conc, ok := Concentration(mA)
	if !ok {
		s.logger.Warnf("sensor %s: %v: %.2f mA outside [%.1f, %.1f]", s.desc.ID, ErrOutOfRange, mA, LoopMin, LoopMax)
	}
	return Sample{
		SensorID:   s.desc.ID,
		Timestamp:  s.now(),
		Primary:    mA,
		Derived:    conc,
		OutOfRange: !ok,
	}, nil
}

func (s *CurrentLoopSensor) ApplyCalibration(context.Context, float64, float64) error {
	return fmt.Errorf("%w: sensor %s is %s", ErrCalibrationUnsupported, s.desc.ID, VariantCurrentLoop)
}

func (s *CurrentLoopSensor) Close() error {
	s.io.Lock()
	defer s.io.Unlock()
	s.shutdown()
	return s.link.Close()
}
