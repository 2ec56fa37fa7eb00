package tasks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/simulator"
)

func TestOptionsApply(t *testing.T) {
	cfg := config.Defaults()
	Options{DBPath: "x.sqlite", HTTPAddress: ":9000", PollInterval: 2 * time.Second, LogLevel: "debug", MQTTServer: "tcp://broker:1883"}.Apply(&cfg)
	require.Equal(t, "x.sqlite", cfg.Storage.DBPath)
	require.True(t, cfg.HTTP.Enabled)
	require.Equal(t, ":9000", cfg.HTTP.ListenAddress)
	require.Equal(t, 2*time.Second, cfg.System.PollInterval)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.MQTT.Enabled)

	before := config.Defaults()
	after := before
	Options{}.Apply(&after)
	require.Equal(t, before, after)
}

func TestBuildSeedsSensorsAndPolls(t *testing.T) {
	dev, err := simulator.NewRegisterDevice(link.FramingTCP, 3)
	require.NoError(t, err)
	require.NoError(t, dev.Listen("127.0.0.1:0"))
	t.Cleanup(dev.Close)
	dev.SetRaw(120)

	loop := simulator.NewCurrentLoopDevice()
	require.NoError(t, loop.Listen("127.0.0.1:0"))
	t.Cleanup(loop.Close)
	loop.SetMilliamps(12)

	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "data", "monitor.sqlite")
	cfg.System.ConnectTimeout = 300 * time.Millisecond
	cfg.System.IOTimeout = 300 * time.Millisecond
	cfg.Sensors = []config.SensorConfig{
		{ID: "reg", Variant: "register", Host: "127.0.0.1", Port: dev.Port(), UnitID: 3, Framing: "tcp", Active: true},
		{ID: "loop", Variant: "current-loop", Host: "127.0.0.1", Port: loop.Port(), Active: true},
	}

	ctx := context.Background()
	m, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	require.Nil(t, m.API)
	require.Len(t, m.Registry.List(), 2)

	rep := m.Scheduler.Tick(ctx)
	require.Len(t, rep.Readings, 2)
	require.Empty(t, rep.Failures)
	require.Equal(t, "loop", rep.Readings[0].SensorID)
	require.InDelta(t, 1.0, rep.Readings[0].DerivedValue, 1e-9)
	require.InDelta(t, 120, rep.Readings[1].PrimaryValue, 1e-6)
	require.NoError(t, m.Close())

	// A second start finds the sensors in the database, even without YAML.
	cfg.Sensors = nil
	m, err = Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.Len(t, m.Registry.List(), 2)
	rows, err := m.Store.QueryLive(ctx, []string{"reg", "loop"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "monitor.sqlite")
	cfg.HTTP.Enabled = true
	cfg.HTTP.ListenAddress = "127.0.0.1:0"
	cfg.System.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	m, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, ok := m.Scheduler.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
