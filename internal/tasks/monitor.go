package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/api"
	"chlorine-monitor/internal/calibration"
	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/db"
	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/logging"
	"chlorine-monitor/internal/metrics"
	"chlorine-monitor/internal/poller"
	"chlorine-monitor/internal/publish"
	"chlorine-monitor/internal/sensor"
	"chlorine-monitor/internal/telemetry"
)

// Options defines initialization overrides for the monitor.
// Mirrors the CLI flags used in cmd/monitor/main.go.
type Options struct {
	ConfigPath   string
	DBPath       string
	HTTPAddress  string
	PollInterval time.Duration
	LogLevel     string
	MQTTServer   string
}

// Apply copies the non-zero overrides onto cfg.
func (o Options) Apply(cfg *config.Root) {
	if o.DBPath != "" {
		cfg.Storage.DBPath = o.DBPath
	}
	if o.HTTPAddress != "" {
		cfg.HTTP.ListenAddress = o.HTTPAddress
		cfg.HTTP.Enabled = true
	}
	if o.PollInterval > 0 {
		cfg.System.PollInterval = o.PollInterval
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.MQTTServer != "" {
		cfg.MQTT.Server = o.MQTTServer
		cfg.MQTT.Enabled = true
	}
}

// Monitor is the assembled service: registry, store, calibration engine,
// scheduler and the optional HTTP API and MQTT publisher.
type Monitor struct {
	Cfg       config.Root
	Logger    *zap.SugaredLogger
	DB        *db.DB
	Registry  *sensor.Registry
	Store     *telemetry.Store
	Engine    *calibration.Engine
	Scheduler *poller.Scheduler
	Metrics   *metrics.Metrics
	API       *api.Server

	publisher *publish.Publisher
}

// DescriptorFromConfig converts a YAML sensor entry.
func DescriptorFromConfig(sc config.SensorConfig) (sensor.Descriptor, error) {
	v, err := sensor.ParseVariant(sc.Variant)
	if err != nil {
		return sensor.Descriptor{}, err
	}
	return sensor.Descriptor{
		ID:      sc.ID,
		Variant: v,
		Endpoint: link.Endpoint{
			Host:    sc.Host,
			Port:    sc.Port,
			UnitID:  sc.UnitID,
			Framing: sc.Framing,
		},
		Active: sc.Active,
	}, nil
}

// Build opens storage and wires every component. Sensors stored in the
// database are loaded first; YAML sensors not yet known are added and
// persisted.
func Build(ctx context.Context, cfg config.Root, logger *zap.SugaredLogger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	d, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", cfg.Storage.DBPath, err)
	}

	m := &Monitor{Cfg: cfg, Logger: logger, DB: d, Metrics: metrics.New()}

	sensorOpts := sensor.Options{
		Timeouts: link.Timeouts{Connect: cfg.System.ConnectTimeout, IO: cfg.System.IOTimeout},
		Logger:   logger.Named("sensor"),
	}
	m.Registry = sensor.NewRegistry(sensorOpts, d)
	if err := m.Registry.Load(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("load sensors: %w", err)
	}
	for _, sc := range cfg.Sensors {
		if _, ok := m.Registry.Get(sc.ID); ok {
			continue
		}
		desc, err := DescriptorFromConfig(sc)
		if err != nil {
			logger.Warnf("skip configured sensor %s: %v", sc.ID, err)
			continue
		}
		if _, err := m.Registry.Add(ctx, desc); err != nil {
			logger.Warnf("skip configured sensor %s: %v", sc.ID, err)
		}
	}

	m.Store = telemetry.New(d, telemetry.Options{
		RollingWindow: cfg.System.RollingWindow,
		LiveLimit:     cfg.System.LiveLimit,
		Logger:        logger.Named("telemetry"),
	})
	m.Engine = calibration.NewEngine(m.Store, m.Registry, logger.Named("calibration"))
	m.Scheduler = poller.New(m.Registry, m.Store, poller.Options{
		Interval:   cfg.System.PollInterval,
		MaxWorkers: cfg.System.MaxWorkers,
		Logger:     logger.Named("poller"),
		Handlers:   []poller.ReadingHandler{m.Metrics.ObserveReading},
		OnTick: func(rep poller.TickReport) {
			m.Metrics.ObserveTick(rep)
			m.Metrics.ObserveSensors(m.Registry.List())
		},
	})
	m.Metrics.SetPollInterval(cfg.System.PollInterval.Seconds())

	if cfg.MQTT.Enabled {
		pub, err := publish.Connect(cfg.MQTT, logger.Named("mqtt"), m.Metrics.PublishDropped)
		if err != nil {
			// The broker is optional; acquisition continues without it.
			logger.Errorf("mqtt disabled: %v", err)
		} else {
			m.publisher = pub
			m.Scheduler.AddHandler(pub.Handle)
		}
	}

	if cfg.HTTP.Enabled {
		m.API = api.New(api.Deps{
			Registry:     m.Registry,
			Store:        m.Store,
			Engine:       m.Engine,
			Scheduler:    m.Scheduler,
			Metrics:      m.Metrics,
			Logger:       logger.Named("api"),
			CheckTimeout: cfg.System.ConnectTimeout,
		})
		m.Scheduler.AddHandler(m.API.Hub().BroadcastReading)
	}
	return m, nil
}

// Run drives the scheduler and the HTTP API until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Scheduler.Run(ctx); err != nil {
			fail(fmt.Errorf("scheduler: %w", err))
		}
	}()

	if m.API != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.API.ListenAndServe(ctx, m.Cfg.HTTP.ListenAddress); err != nil {
				fail(fmt.Errorf("http api: %w", err))
			}
		}()
	}

	m.Logger.Infof("monitor running: %d sensors, poll every %s", len(m.Registry.List()), m.Scheduler.Interval())
	wg.Wait()
	return runErr
}

// Close releases the publisher, the sensor links and the database.
func (m *Monitor) Close() error {
	var errs []error
	if m.publisher != nil {
		errs = append(errs, m.publisher.Close())
	}
	errs = append(errs, m.Registry.Close(), m.DB.Close())
	return errors.Join(errs...)
}

// InitAndRunMonitor loads config, applies overrides, builds the monitor and
// runs it.
func InitAndRunMonitor(ctx context.Context, opts Options) error {
	cfg := config.Defaults()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	opts.Apply(&cfg)

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}()
	return m.Run(ctx)
}
