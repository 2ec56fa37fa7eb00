package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/config"
)

// driftPeriod is the period of the sinusoidal drift applied around each
// device's base value.
const driftPeriod = time.Minute

// Device is what the Manager runs: either simulator kind.
type Device interface {
	Listen(address string) error
	Addr() string
	Close()
}

// Manager spins up multiple simulated devices concurrently from YAML config.
// Each device drifts around its configured value until ctx is canceled.
type Manager struct {
	Cfg    config.Simulator
	Logger *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]Device
}

func NewManager(cfg config.Simulator, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{Cfg: cfg, Logger: logger, devices: make(map[string]Device)}
}

// Device returns a running device by name.
func (m *Manager) Device(name string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	return d, ok
}

// Run starts all enabled devices and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 16) // cap concurrent starts

	for _, dc := range m.Cfg.Devices {
		if !dc.IsEnabled() {
			continue
		}

		wg.Add(1)
		go func(dc config.DeviceConfig) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			dev, setValue, err := m.build(dc)
			if err != nil {
				<-sem
				m.Logger.Errorf("device %s: %v", dc.Name, err)
				return
			}

			retry := dc.RetryCount
			if retry < 0 {
				retry = 0
			}
			for attempt := 0; attempt <= retry; attempt++ {
				if err = dev.Listen(dc.ListenAddress); err == nil {
					break
				}
				if attempt == retry {
					<-sem
					m.Logger.Errorf("device %s listen %s failed: %v", dc.Name, dc.ListenAddress, err)
					return
				}
				time.Sleep(time.Second)
			}
			<-sem

			m.mu.Lock()
			m.devices[dc.Name] = dev
			m.mu.Unlock()
			m.Logger.Infof("device %s (%s) listening on %s", dc.Name, dc.Variant, dev.Addr())

			drift(ctx, dc, setValue)

			dev.Close()
			m.mu.Lock()
			delete(m.devices, dc.Name)
			m.mu.Unlock()
			m.Logger.Infof("device %s stopped", dc.Name)
		}(dc)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (m *Manager) build(dc config.DeviceConfig) (Device, func(float64), error) {
	switch dc.Variant {
	case "current-loop":
		d := NewCurrentLoopDevice()
		return d, d.SetMilliamps, nil
	default:
		d, err := NewRegisterDevice(dc.Framing, dc.UnitID)
		if err != nil {
			return nil, nil, err
		}
		return d, func(v float64) { d.SetRaw(float32(v)) }, nil
	}
}

// drift updates the device value every UpdateInterval until ctx is done.
func drift(ctx context.Context, dc config.DeviceConfig, set func(float64)) {
	start := time.Now()
	set(dc.Value)
	t := time.NewTicker(dc.UpdateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			phase := 2 * math.Pi * now.Sub(start).Seconds() / driftPeriod.Seconds()
			set(dc.Value + dc.Amplitude*math.Sin(phase))
		}
	}
}
