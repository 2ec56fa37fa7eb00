package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"chlorine-monitor/internal/model"
)

// DB wraps the sqlite connection.
type DB struct {
	ORM *gorm.DB
}

// Open opens the SQLite database using GORM and runs migrations.
func Open(path string) (*DB, error) {
	g, err := openORM(path)
	if err != nil {
		return nil, err
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, err
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// readingColumns maps a rolling-average field to its column. The column name
// is interpolated into SQL, so only these values are accepted.
var readingColumns = map[string]string{
	"primary": "primary_value",
	"derived": "derived_value",
}

// SaveReading inserts a row into readings.
func (d *DB) SaveReading(ctx context.Context, r *model.Reading) error {
	return insertReading(ctx, d.ORM, r)
}

// LatestReadings returns the newest rows across the given sensors, newest
// first. limit <= 0 returns every row.
func (d *DB) LatestReadings(ctx context.Context, sensorIDs []string, limit int) ([]model.Reading, error) {
	if len(sensorIDs) == 0 {
		return []model.Reading{}, nil
	}
	q := d.ORM.WithContext(ctx).
		Where("sensor_id IN ?", sensorIDs).
		Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.Reading
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadingsBetween returns rows with start <= timestamp <= end, newest first.
func (d *DB) ReadingsBetween(ctx context.Context, sensorIDs []string, start, end time.Time) ([]model.Reading, error) {
	if len(sensorIDs) == 0 {
		return []model.Reading{}, nil
	}
	var rows []model.Reading
	if err := d.ORM.WithContext(ctx).
		Where("sensor_id IN ?", sensorIDs).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AverageOfLatest returns the mean of field over the newest window rows of a
// sensor, or 0 when the sensor has no rows.
func (d *DB) AverageOfLatest(ctx context.Context, sensorID, field string, window int) (float64, error) {
	col, ok := readingColumns[field]
	if !ok {
		return 0, fmt.Errorf("unknown reading field %q", field)
	}
	if window <= 0 {
		return 0, fmt.Errorf("invalid window %d", window)
	}
	var avg sql.NullFloat64
	err := d.ORM.WithContext(ctx).
		Raw("SELECT AVG(v) FROM (SELECT "+col+" AS v FROM readings WHERE sensor_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?)", sensorID, window).
		Row().
		Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// CountReadings returns the number of stored rows for a sensor.
func (d *DB) CountReadings(ctx context.Context, sensorID string) (int64, error) {
	var n int64
	err := d.ORM.WithContext(ctx).Model(&model.Reading{}).Where("sensor_id = ?", sensorID).Count(&n).Error
	return n, err
}

// AddCalibrationPoint appends a calibration point.
func (d *DB) AddCalibrationPoint(ctx context.Context, p *model.CalibrationPoint) error {
	return insertCalibrationPoint(ctx, d.ORM, p)
}

// CalibrationPoints returns the points of a sensor in insertion order.
func (d *DB) CalibrationPoints(ctx context.Context, sensorID string) ([]model.CalibrationPoint, error) {
	var pts []model.CalibrationPoint
	if err := d.ORM.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("id").
		Find(&pts).Error; err != nil {
		return nil, err
	}
	return pts, nil
}

// DeleteCalibrationPoints clears all points of a sensor and reports how many
// were removed.
func (d *DB) DeleteCalibrationPoints(ctx context.Context, sensorID string) (int64, error) {
	return deleteCalibrationPoints(ctx, d.ORM, sensorID)
}

// SaveSensor inserts or updates a registry entry.
func (d *DB) SaveSensor(ctx context.Context, s *model.SensorRecord) error {
	return upsertSensor(ctx, d.ORM, s)
}

func (d *DB) DeleteSensor(ctx context.Context, sensorID string) error {
	return deleteSensor(ctx, d.ORM, sensorID)
}

// ListSensors returns all registry entries ordered by id.
func (d *DB) ListSensors(ctx context.Context) ([]model.SensorRecord, error) {
	var out []model.SensorRecord
	if err := d.ORM.WithContext(ctx).Order("sensor_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
