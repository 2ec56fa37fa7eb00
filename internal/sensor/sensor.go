// Package sensor models the field sensors: a register-protocol sensor that
// reports a raw and a device-calibrated value and accepts pushed
// coefficients, and a current-loop sensor that reports a 4-20 mA signal.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/model"
)

var (
	ErrConnection = link.ErrConnection
	ErrProtocol   = link.ErrProtocol

	ErrRead                   = errors.New("sensor read failed")
	ErrWrite                  = errors.New("sensor write failed")
	ErrOutOfRange             = errors.New("reading out of range")
	ErrCalibrationUnsupported = errors.New("sensor does not accept calibration")
	ErrUnknownSensor          = errors.New("unknown sensor")
	ErrDuplicateSensor        = errors.New("sensor already exists")
)

type Variant string

const (
	VariantRegister    Variant = "register"
	VariantCurrentLoop Variant = "current-loop"
)

// ParseVariant accepts the configured spellings of a variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "register", "modbus", "":
		return VariantRegister, nil
	case "current-loop", "currentloop", "4-20ma", "analog":
		return VariantCurrentLoop, nil
	default:
		return "", fmt.Errorf("unknown sensor variant %q", s)
	}
}

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Descriptor identifies a sensor and where to reach it.
type Descriptor struct {
	ID       string        `json:"id"`
	Variant  Variant       `json:"variant"`
	Endpoint link.Endpoint `json:"endpoint"`
	Active   bool          `json:"active"`
}

// Validate checks the fields needed to build a sensor.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("sensor id is required")
	}
	if _, err := ParseVariant(string(d.Variant)); err != nil {
		return err
	}
	if d.Endpoint.Host == "" {
		return fmt.Errorf("sensor %s: host is required", d.ID)
	}
	if d.Endpoint.Port <= 0 || d.Endpoint.Port > 65535 {
		return fmt.Errorf("sensor %s: port %d out of range", d.ID, d.Endpoint.Port)
	}
	return nil
}

// Record converts the descriptor to its persisted form.
func (d Descriptor) Record() model.SensorRecord {
	return model.SensorRecord{
		SensorID: d.ID,
		Variant:  string(d.Variant),
		Host:     d.Endpoint.Host,
		Port:     d.Endpoint.Port,
		UnitID:   int(d.Endpoint.UnitID),
		Framing:  d.Endpoint.Framing,
		Active:   d.Active,
	}
}

// DescriptorFromRecord is the inverse of Descriptor.Record.
func DescriptorFromRecord(r model.SensorRecord) Descriptor {
	return Descriptor{
		ID:      r.SensorID,
		Variant: Variant(r.Variant),
		Endpoint: link.Endpoint{
			Host:    r.Host,
			Port:    r.Port,
			UnitID:  uint8(r.UnitID),
			Framing: r.Framing,
		},
		Active: r.Active,
	}
}

// Sample is one successful acquisition. For register sensors Primary is the
// raw signal (mV) and Derived the device-calibrated value; for current-loop
// sensors Primary is the loop current (mA) and Derived the concentration.
type Sample struct {
	SensorID   string    `json:"sensor_id"`
	Timestamp  time.Time `json:"timestamp"`
	Primary    float64   `json:"primary"`
	Derived    float64   `json:"derived"`
	OutOfRange bool      `json:"out_of_range,omitempty"`
}

// Coefficients of the linear model reference = A*input + B.
type Coefficients struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Sensor is implemented by both variants. Implementations serialize their own
// link I/O, so methods may be called from several goroutines.
type Sensor interface {
	ID() string
	Descriptor() Descriptor
	Status() Status
	SupportsCalibration() bool
	Sample(ctx context.Context) (Sample, error)
	ApplyCalibration(ctx context.Context, a, b float64) error
	// Coefficients returns the last fitted model, ok=false before any fit.
	Coefficients() (Coefficients, bool)
	// SetCoefficients stores c in memory; nil clears it.
	SetCoefficients(c *Coefficients)
	Close() error
}

// Options carries what every sensor needs besides its descriptor.
type Options struct {
	Timeouts link.Timeouts
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New builds the variant named by d and attempts an eager connection. A
// failed connection is not an error: the sensor starts disconnected and
// reconnects lazily on the next sample.
func New(d Descriptor, opts Options) (Sensor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	v, _ := ParseVariant(string(d.Variant))
	d.Variant = v
	opts = opts.withDefaults()

	var s Sensor
	switch v {
	case VariantCurrentLoop:
		s = newCurrentLoopSensor(d, opts)
	default:
		rs, err := newRegisterSensor(d, opts)
		if err != nil {
			return nil, err
		}
		s = rs
	}
	return s, nil
}

// base holds the state shared by both variants.
type base struct {
	desc   Descriptor
	logger *zap.SugaredLogger
	now    func() time.Time

	io        sync.Mutex // serializes link I/O
	closed    bool       // guarded by io; a closed sensor never redials
	connected atomic.Bool

	coefMu sync.RWMutex
	coef   *Coefficients
}

func (b *base) init(d Descriptor, opts Options) {
	b.desc = d
	b.logger = opts.Logger
	b.now = opts.Now
}

func (b *base) ID() string             { return b.desc.ID }
func (b *base) Descriptor() Descriptor { return b.desc }

func (b *base) Status() Status {
	if b.connected.Load() {
		return StatusConnected
	}
	return StatusDisconnected
}

func (b *base) Coefficients() (Coefficients, bool) {
	b.coefMu.RLock()
	defer b.coefMu.RUnlock()
	if b.coef == nil {
		return Coefficients{}, false
	}
	return *b.coef, true
}

func (b *base) SetCoefficients(c *Coefficients) {
	b.coefMu.Lock()
	defer b.coefMu.Unlock()
	if c == nil {
		b.coef = nil
		return
	}
	cp := *c
	b.coef = &cp
}

// checkOpen must be called with io held.
func (b *base) checkOpen() error {
	if b.closed {
		return fmt.Errorf("%w: sensor %s is closed", ErrConnection, b.desc.ID)
	}
	return nil
}

// shutdown marks the sensor closed. Callers hold io.
func (b *base) shutdown() {
	b.closed = true
	b.connected.Store(false)
}

// setConnected records the link state and logs transitions.
func (b *base) setConnected(ok bool, cause error) {
	if b.connected.Swap(ok) == ok {
		return
	}
	if ok {
		b.logger.Infof("sensor %s connected to %s", b.desc.ID, b.desc.Endpoint.Address())
		return
	}
	b.logger.Warnf("sensor %s disconnected: %v", b.desc.ID, cause)
}
