// Package chlorinedb gives out-of-process consumers (exporters, reports)
// read and maintenance access to the monitor database.
package chlorinedb

import (
	"context"

	dbpkg "chlorine-monitor/internal/db"
	"chlorine-monitor/internal/model"
)

// Client exposes a stable API for third-party packages to access the DB.
// Placed in sensors.go so that all other files can reference it.
type Client struct{ db *dbpkg.DB }

// Open opens the SQLite database (runs migrations) and returns a client.
func Open(path string) (*Client, error) {
	d, err := dbpkg.Open(path)
	if err != nil {
		return nil, err
	}
	return &Client{db: d}, nil
}

// Close closes the underlying DB.
func (c *Client) Close() error { return c.db.Close() }

// --------------------
// Sensor DTOs and converters
// --------------------

type Sensor struct {
	SensorID string `json:"sensor_id"`
	Variant  string `json:"variant"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	UnitID   int    `json:"unit_id"`
	Framing  string `json:"framing"`
	Active   bool   `json:"active"`
}

func toModelSensor(s *Sensor) *model.SensorRecord {
	if s == nil {
		return nil
	}
	return &model.SensorRecord{
		SensorID: s.SensorID,
		Variant:  s.Variant,
		Host:     s.Host,
		Port:     s.Port,
		UnitID:   s.UnitID,
		Framing:  s.Framing,
		Active:   s.Active,
	}
}

func fromModelSensor(s model.SensorRecord) Sensor {
	return Sensor{
		SensorID: s.SensorID,
		Variant:  s.Variant,
		Host:     s.Host,
		Port:     s.Port,
		UnitID:   s.UnitID,
		Framing:  s.Framing,
		Active:   s.Active,
	}
}

// --------------------
// Sensor registry
// --------------------

// SaveSensor inserts or updates a registry entry. A running monitor only
// picks it up on its next start.
func (c *Client) SaveSensor(ctx context.Context, s *Sensor) error {
	return c.db.SaveSensor(ctx, toModelSensor(s))
}

func (c *Client) ListSensors(ctx context.Context) ([]Sensor, error) {
	list, err := c.db.ListSensors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Sensor, 0, len(list))
	for _, s := range list {
		out = append(out, fromModelSensor(s))
	}
	return out, nil
}

func (c *Client) DeleteSensor(ctx context.Context, sensorID string) error {
	return c.db.DeleteSensor(ctx, sensorID)
}
