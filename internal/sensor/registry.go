package sensor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/model"
)

// RecordStore persists registry entries. *db.DB satisfies it.
type RecordStore interface {
	SaveSensor(ctx context.Context, s *model.SensorRecord) error
	DeleteSensor(ctx context.Context, sensorID string) error
	ListSensors(ctx context.Context) ([]model.SensorRecord, error)
}

// Info is the registry's view of one sensor for listings.
type Info struct {
	Descriptor
	Status              Status        `json:"status"`
	SupportsCalibration bool          `json:"supports_calibration"`
	Coefficients        *Coefficients `json:"coefficients,omitempty"`
}

// Registry owns every live sensor. The scheduler and the calibration engine
// look sensors up by id; removal closes the sensor's connection.
type Registry struct {
	opts  Options
	store RecordStore // optional

	mu      sync.RWMutex
	sensors map[string]Sensor
	active  map[string]bool
}

// NewRegistry creates an empty registry. store may be nil, in which case
// changes live in memory only.
func NewRegistry(opts Options, store RecordStore) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		store:   store,
		sensors: make(map[string]Sensor),
		active:  make(map[string]bool),
	}
}

// Load builds every sensor persisted in the store. Entries that fail to build
// are logged and skipped.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListSensors(ctx)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	for _, rec := range recs {
		d := DescriptorFromRecord(rec)
		if _, err := r.add(d); err != nil {
			r.opts.Logger.Warnf("skip stored sensor %s: %v", rec.SensorID, err)
		}
	}
	return nil
}

// Add builds a sensor, connects it eagerly and persists the descriptor.
func (r *Registry) Add(ctx context.Context, d Descriptor) (Sensor, error) {
	s, err := r.add(d)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		rec := s.Descriptor().Record()
		rec.Active = d.Active
		if err := r.store.SaveSensor(ctx, &rec); err != nil {
			r.opts.Logger.Errorf("persist sensor %s: %v", d.ID, err)
		}
	}
	return s, nil
}

func (r *Registry) add(d Descriptor) (Sensor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, exists := r.sensors[d.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, d.ID)
	}

	// Connecting may take the full connect timeout; do it outside the lock.
	s, err := New(d, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sensors[d.ID]; exists {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, d.ID)
	}
	r.sensors[d.ID] = s
	r.active[d.ID] = d.Active
	r.opts.Logger.Infof("sensor %s added (%s at %s, %s)", d.ID, s.Descriptor().Variant, d.Endpoint.Address(), s.Status())
	return s, nil
}

// Remove closes the sensor and forgets it. Its historical readings stay in
// the store.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sensors[id]
	if ok {
		delete(r.sensors, id)
		delete(r.active, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if err := s.Close(); err != nil {
		r.opts.Logger.Warnf("close sensor %s: %v", id, err)
	}
	if r.store != nil {
		if err := r.store.DeleteSensor(ctx, id); err != nil {
			return fmt.Errorf("delete sensor %s: %w", id, err)
		}
	}
	r.opts.Logger.Infof("sensor %s removed", id)
	return nil
}

func (r *Registry) Get(id string) (Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[id]
	return s, ok
}

// List returns every sensor sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sensors))
	for id, s := range r.sensors {
		d := s.Descriptor()
		d.Active = r.active[id]
		info := Info{Descriptor: d, Status: s.Status(), SupportsCalibration: s.SupportsCalibration()}
		if c, ok := s.Coefficients(); ok {
			info.Coefficients = &c
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive selects whether the scheduler polls the sensor.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	s, ok := r.sensors[id]
	if ok {
		r.active[id] = active
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if r.store != nil {
		rec := s.Descriptor().Record()
		rec.Active = active
		if err := r.store.SaveSensor(ctx, &rec); err != nil {
			return fmt.Errorf("persist sensor %s: %w", id, err)
		}
	}
	return nil
}

// Active returns the sensors selected for polling, sorted by id.
func (r *Registry) Active() []Sensor {
	r.mu.RLock()
	out := make([]Sensor, 0, len(r.sensors))
	for id, s := range r.sensors {
		if r.active[id] {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Check reports whether the sensor's endpoint accepts a TCP connection within
// timeout, without touching the sensor's own link.
func (r *Registry) Check(id string, timeout time.Duration) (bool, error) {
	s, ok := r.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	return link.Probe(s.Descriptor().Endpoint, timeout), nil
}

// Close closes every sensor.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sensors {
		if err := s.Close(); err != nil {
			r.opts.Logger.Warnf("close sensor %s: %v", id, err)
		}
	}
	r.sensors = make(map[string]Sensor)
	r.active = make(map[string]bool)
	return nil
}
