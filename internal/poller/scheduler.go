// Package poller drives acquisition: each tick samples every active sensor
// concurrently and records one reading per successful sample.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/sensor"
)

const (
	DefaultInterval   = 500 * time.Millisecond
	DefaultMaxWorkers = 8
)

// ReadingHandler is a callback to process recorded readings.
// Return an error to have it logged by the scheduler.
type ReadingHandler func(model.Reading) error

// Sensors supplies the sensors to poll. *sensor.Registry satisfies it.
type Sensors interface {
	Active() []sensor.Sensor
}

// Recorder persists a sample. *telemetry.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, smp sensor.Sample) (model.Reading, error)
}

// Stage names where a sensor's tick failed.
type Stage string

const (
	StageSample Stage = "sample"
	StageRecord Stage = "record"
)

// Failure is one sensor's failed attempt within a tick.
type Failure struct {
	SensorID string `json:"sensor_id"`
	Stage    Stage  `json:"stage"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

// TickReport summarizes one pass over the active sensors.
type TickReport struct {
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Polled   int             `json:"polled"`
	Readings []model.Reading `json:"readings"`
	Failures []Failure       `json:"failures"`
}

type Options struct {
	Interval   time.Duration
	MaxWorkers int
	Logger     *zap.SugaredLogger
	Handlers   []ReadingHandler
	// OnTick, if set, receives every report after the tick completes.
	OnTick func(TickReport)
}

// Scheduler is the single acquisition control loop.
type Scheduler struct {
	sensors Sensors
	store   Recorder
	logger  *zap.SugaredLogger
	workers int
	onTick  func(TickReport)

	mu       sync.RWMutex
	interval time.Duration
	handlers []ReadingHandler
	last     *TickReport

	intervalCh chan time.Duration
}

func New(sensors Sensors, store Recorder, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		sensors:    sensors,
		store:      store,
		logger:     opts.Logger,
		workers:    opts.MaxWorkers,
		onTick:     opts.OnTick,
		interval:   opts.Interval,
		handlers:   append([]ReadingHandler(nil), opts.Handlers...),
		intervalCh: make(chan time.Duration, 1),
	}
}

// AddHandler registers a callback for every recorded reading.
func (s *Scheduler) AddHandler(h ReadingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// SetInterval changes the cadence; a running loop applies it from the next
// tick on.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("poll interval must be positive")
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
	// keep only the latest pending change
	select {
	case <-s.intervalCh:
	default:
	}
	select {
	case s.intervalCh <- d:
	default:
	}
	s.logger.Infof("poll interval set to %s", d)
	return nil
}

// LastReport returns the most recent tick report, if any.
func (s *Scheduler) LastReport() (TickReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}

// Run ticks immediately and then every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.intervalCh:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick samples every active sensor once. Sensors are polled concurrently up
// to the worker limit, so a slow or unreachable sensor only costs its own
// timeout. Failures are logged and reported, never returned.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	rep := TickReport{Started: time.Now(), Readings: []model.Reading{}, Failures: []Failure{}}
	active := s.sensors.Active()
	rep.Polled = len(active)

	s.mu.RLock()
	handlers := append([]ReadingHandler(nil), s.handlers...)
	s.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.workers)
	)
	for _, sn := range active {
		wg.Add(1)
		go func(sn sensor.Sensor) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			r, f := s.pollOne(ctx, sn)
			mu.Lock()
			if f != nil {
				rep.Failures = append(rep.Failures, *f)
			} else {
				rep.Readings = append(rep.Readings, r)
			}
			mu.Unlock()
			if f != nil {
				return
			}
			for _, h := range handlers {
				if err := h(r); err != nil {
					s.logger.Warnf("handler error for sensor %s: %v", r.SensorID, err)
				}
			}
		}(sn)
	}
	wg.Wait()

	sort.Slice(rep.Readings, func(i, j int) bool { return rep.Readings[i].SensorID < rep.Readings[j].SensorID })
	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].SensorID < rep.Failures[j].SensorID })
	rep.Duration = time.Since(rep.Started)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	if s.onTick != nil {
		s.onTick(rep)
	}
	return rep
}

func (s *Scheduler) pollOne(ctx context.Context, sn sensor.Sensor) (model.Reading, *Failure) {
	smp, err := sn.Sample(ctx)
	if err != nil {
		s.logger.Warnf("sensor %s: sample skipped: %v", sn.ID(), err)
		return model.Reading{}, &Failure{SensorID: sn.ID(), Stage: StageSample, Err: err, Message: err.Error()}
	}
	r, err := s.store.Record(ctx, smp)
	if err != nil {
		s.logger.Errorf("sensor %s: record reading: %v", sn.ID(), err)
		return model.Reading{}, &Failure{SensorID: sn.ID(), Stage: StageRecord, Err: err, Message: err.Error()}
	}
	return r, nil
}
