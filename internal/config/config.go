package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Root configuration for the monitor service.
// This mirrors config/monitor.yaml.
type Root struct {
	System  SystemConfig   `yaml:"system"`
	Storage StorageConfig  `yaml:"storage"`
	HTTP    HTTPConfig     `yaml:"http"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Log     LogConfig      `yaml:"log"`
	Sensors []SensorConfig `yaml:"sensors"`
}

type SystemConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxWorkers     int           `yaml:"max_workers"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
	RollingWindow  int           `yaml:"rolling_window"`
	LiveLimit      int           `yaml:"live_limit"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type HTTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

type MQTTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Server       string        `yaml:"server"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Topic        string        `yaml:"topic"` // fmt pattern, receives the sensor id
	QoS          byte          `yaml:"qos"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	DedupTTL     time.Duration `yaml:"dedup_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SensorConfig struct {
	ID      string `yaml:"id"`
	Variant string `yaml:"variant"` // register | current-loop
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	UnitID  uint8  `yaml:"unit_id"`
	Framing string `yaml:"framing"` // rtu-over-tcp | tcp
	Active  bool   `yaml:"active"`
}

// Defaults returns a configuration with every default applied and no sensors.
func Defaults() Root {
	var cfg Root
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(b []byte) (Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Root{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Root{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Root) {
	s := &cfg.System
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = 8
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 2 * time.Second
	}
	if s.IOTimeout <= 0 {
		s.IOTimeout = time.Second
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = 100
	}
	if s.LiveLimit <= 0 {
		s.LiveLimit = 200
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/chlorine.sqlite"
	}
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = "127.0.0.1:8080"
	}
	if cfg.MQTT.Server == "" {
		cfg.MQTT.Server = "tcp://localhost:1883"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "chlorine/%s"
	}
	if cfg.MQTT.MaxQueueSize <= 0 {
		cfg.MQTT.MaxQueueSize = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	for i := range cfg.Sensors {
		sc := &cfg.Sensors[i]
		sc.Variant = strings.ToLower(strings.TrimSpace(sc.Variant))
		if sc.Variant == "" {
			sc.Variant = "register"
		}
		if sc.Variant == "register" && sc.UnitID == 0 {
			sc.UnitID = 1
		}
	}
}

// Validate performs basic checks on sensor entries.
func (cfg Root) Validate() error {
	seen := make(map[string]bool, len(cfg.Sensors))
	for i, sc := range cfg.Sensors {
		if strings.TrimSpace(sc.ID) == "" {
			return fmt.Errorf("sensors[%d]: id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d]: duplicate id %s", i, sc.ID)
		}
		seen[sc.ID] = true
		switch sc.Variant {
		case "register", "current-loop":
		default:
			return fmt.Errorf("sensor %s: unknown variant %q", sc.ID, sc.Variant)
		}
		if sc.Host == "" {
			return fmt.Errorf("sensor %s: host is required", sc.ID)
		}
		if sc.Port <= 0 || sc.Port > 65535 {
			return fmt.Errorf("sensor %s: port %d out of range", sc.ID, sc.Port)
		}
	}
	return nil
}

// Simulator configuration for cmd/simulator.
// This mirrors config/simulator.yaml.
type Simulator struct {
	Devices []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	Name           string        `yaml:"name"`
	Variant        string        `yaml:"variant"` // register | current-loop
	ListenAddress  string        `yaml:"listen_address"`
	Framing        string        `yaml:"framing"` // register only
	UnitID         uint8         `yaml:"unit_id"`
	Value          float64       `yaml:"value"`     // raw mV or loop mA
	Amplitude      float64       `yaml:"amplitude"` // sinusoidal drift around value
	UpdateInterval time.Duration `yaml:"update_interval"`
	RetryCount     int           `yaml:"retry_count"`
	Enabled        *bool         `yaml:"enabled"`
}

// IsEnabled treats a missing enabled key as true.
func (d DeviceConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// LoadSimulator reads the simulator YAML file.
func LoadSimulator(path string) (Simulator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Simulator{}, err
	}
	var cfg Simulator
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Simulator{}, fmt.Errorf("parse simulator config: %w", err)
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Variant = strings.ToLower(strings.TrimSpace(d.Variant))
		if d.Variant == "" {
			d.Variant = "register"
		}
		if d.UnitID == 0 {
			d.UnitID = 1
		}
		if d.UpdateInterval <= 0 {
			d.UpdateInterval = time.Second
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s-%d", d.Variant, i+1)
		}
		if d.ListenAddress == "" {
			return Simulator{}, fmt.Errorf("device %s: listen_address is required", d.Name)
		}
	}
	if len(cfg.Devices) == 0 {
		return Simulator{}, fmt.Errorf("no devices configured")
	}
	return cfg, nil
}
