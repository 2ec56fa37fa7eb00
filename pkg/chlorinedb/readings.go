package chlorinedb

import (
	"context"
	"time"

	"chlorine-monitor/internal/model"
)

// --------------------
// Reading DTOs
// --------------------

type Reading struct {
	ID                uint      `json:"id"`
	SensorID          string    `json:"sensor_id"`
	Timestamp         time.Time `json:"timestamp"`
	PrimaryValue      float64   `json:"primary_value"`
	DerivedValue      float64   `json:"derived_value"`
	RollingAvgPrimary float64   `json:"rolling_avg_primary"`
	RollingAvgDerived float64   `json:"rolling_avg_derived"`
}

func fromModelReading(r model.Reading) Reading {
	return Reading{
		ID:                r.ID,
		SensorID:          r.SensorID,
		Timestamp:         r.Timestamp,
		PrimaryValue:      r.PrimaryValue,
		DerivedValue:      r.DerivedValue,
		RollingAvgPrimary: r.RollingAvgPrimary,
		RollingAvgDerived: r.RollingAvgDerived,
	}
}

func fromModelReadings(rows []model.Reading) []Reading {
	out := make([]Reading, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromModelReading(r))
	}
	return out
}

// --------------------
// Reading operations
// --------------------

// SaveReading appends a row as given, e.g. when importing history. The
// timestamp is stored in UTC.
func (c *Client) SaveReading(ctx context.Context, r *Reading) error {
	mr := model.Reading{
		SensorID:          r.SensorID,
		Timestamp:         r.Timestamp.UTC(),
		PrimaryValue:      r.PrimaryValue,
		DerivedValue:      r.DerivedValue,
		RollingAvgPrimary: r.RollingAvgPrimary,
		RollingAvgDerived: r.RollingAvgDerived,
	}
	if err := c.db.SaveReading(ctx, &mr); err != nil {
		return err
	}
	r.ID = mr.ID
	return nil
}

// LatestReadings returns the newest limit rows across sensorIDs, newest first.
func (c *Client) LatestReadings(ctx context.Context, sensorIDs []string, limit int) ([]Reading, error) {
	rows, err := c.db.LatestReadings(ctx, sensorIDs, limit)
	if err != nil {
		return nil, err
	}
	return fromModelReadings(rows), nil
}

// ReadingsBetween returns rows with start <= timestamp <= end, newest first.
func (c *Client) ReadingsBetween(ctx context.Context, sensorIDs []string, start, end time.Time) ([]Reading, error) {
	rows, err := c.db.ReadingsBetween(ctx, sensorIDs, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	return fromModelReadings(rows), nil
}

// RollingAverage returns the mean of field ("primary" or "derived") over the
// newest window rows of a sensor, 0 without rows.
func (c *Client) RollingAverage(ctx context.Context, sensorID, field string, window int) (float64, error) {
	return c.db.AverageOfLatest(ctx, sensorID, field, window)
}

func (c *Client) CountReadings(ctx context.Context, sensorID string) (int64, error) {
	return c.db.CountReadings(ctx, sensorID)
}
