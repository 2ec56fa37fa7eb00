package db

import (
	"context"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// pure-Go driver registered as "sqlite"
	_ "modernc.org/sqlite"

	"chlorine-monitor/internal/model"
)

// dsn appends the driver pragmas used by every connection. Timestamps are
// written in the sqlite text layout so that ORDER BY timestamp sorts
// chronologically for UTC values.
func dsn(path string) string {
	params := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// openORM opens a GORM SQLite connection backed by modernc.org/sqlite.
func openORM(path string) (*gorm.DB, error) {
	g, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn(path)}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	// single writer; SQLite serializes writes anyway
	sqlDB.SetMaxOpenConns(1)
	return g, nil
}

// migrateORM creates or extends the schema. AutoMigrate only adds tables,
// columns and indexes, so historical rows survive upgrades.
func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.SensorRecord{}, &model.Reading{}, &model.CalibrationPoint{})
}

// closeORM closes the underlying SQL DB associated with the GORM connection.
func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func insertReading(ctx context.Context, db *gorm.DB, r *model.Reading) error {
	return db.WithContext(ctx).Create(r).Error
}

func insertCalibrationPoint(ctx context.Context, db *gorm.DB, p *model.CalibrationPoint) error {
	return db.WithContext(ctx).Create(p).Error
}

// deleteCalibrationPoints removes every point of a sensor in one statement.
func deleteCalibrationPoints(ctx context.Context, db *gorm.DB, sensorID string) (int64, error) {
	res := db.WithContext(ctx).Where("sensor_id = ?", sensorID).Delete(&model.CalibrationPoint{})
	return res.RowsAffected, res.Error
}

// upsertSensor inserts or updates a registry entry.
func upsertSensor(ctx context.Context, db *gorm.DB, s *model.SensorRecord) error {
	return db.WithContext(ctx).Save(s).Error
}

func deleteSensor(ctx context.Context, db *gorm.DB, sensorID string) error {
	return db.WithContext(ctx).Where("sensor_id = ?", sensorID).Delete(&model.SensorRecord{}).Error
}
