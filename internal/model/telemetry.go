package model

import "time"

// Reading is one acquisition row. Rows are append-only; the rolling averages
// are a snapshot over the sensor's prior rows taken when the row was written.
// Table: readings
type Reading struct {
	ID                uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp         time.Time `gorm:"column:timestamp;index:idx_readings_sensor_ts,priority:2" json:"timestamp"`
	SensorID          string    `gorm:"column:sensor_id;index:idx_readings_sensor_ts,priority:1" json:"sensor_id"`
	PrimaryValue      float64   `gorm:"column:primary_value" json:"primary_value"`
	DerivedValue      float64   `gorm:"column:derived_value" json:"derived_value"`
	RollingAvgPrimary float64   `gorm:"column:rolling_avg_primary" json:"rolling_avg_primary"`
	RollingAvgDerived float64   `gorm:"column:rolling_avg_derived" json:"rolling_avg_derived"`
}

func (Reading) TableName() string { return "readings" }

// CalibrationPoint pairs a sensor input with an externally measured reference.
// Table: calibration_points
type CalibrationPoint struct {
	ID             uint    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SensorID       string  `gorm:"column:sensor_id;index" json:"sensor_id"`
	InputValue     float64 `gorm:"column:input_value" json:"input_value"`
	ReferenceValue float64 `gorm:"column:reference_value" json:"reference_value"`
}

func (CalibrationPoint) TableName() string { return "calibration_points" }
