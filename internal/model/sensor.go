package model

// SensorRecord is the persisted registry entry for a sensor.
// Table: sensors
type SensorRecord struct {
	SensorID string `gorm:"column:sensor_id;primaryKey"`
	Variant  string `gorm:"column:variant"`
	Host     string `gorm:"column:host"`
	Port     int    `gorm:"column:port"`
	UnitID   int    `gorm:"column:unit_id;default:1"`
	Framing  string `gorm:"column:framing"`
	Active   bool   `gorm:"column:active"`
}

func (SensorRecord) TableName() string { return "sensors" }
