package chlorinedb

import (
	"context"

	"chlorine-monitor/internal/model"
)

type CalibrationPoint struct {
	ID             uint    `json:"id"`
	SensorID       string  `json:"sensor_id"`
	InputValue     float64 `json:"input_value"`
	ReferenceValue float64 `json:"reference_value"`
}

func (c *Client) AddCalibrationPoint(ctx context.Context, p *CalibrationPoint) error {
	mp := model.CalibrationPoint{SensorID: p.SensorID, InputValue: p.InputValue, ReferenceValue: p.ReferenceValue}
	if err := c.db.AddCalibrationPoint(ctx, &mp); err != nil {
		return err
	}
	p.ID = mp.ID
	return nil
}

// CalibrationPoints lists a sensor's points in insertion order.
func (c *Client) CalibrationPoints(ctx context.Context, sensorID string) ([]CalibrationPoint, error) {
	pts, err := c.db.CalibrationPoints(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	out := make([]CalibrationPoint, 0, len(pts))
	for _, p := range pts {
		out = append(out, CalibrationPoint{ID: p.ID, SensorID: p.SensorID, InputValue: p.InputValue, ReferenceValue: p.ReferenceValue})
	}
	return out, nil
}

func (c *Client) DeleteCalibrationPoints(ctx context.Context, sensorID string) (int64, error) {
	return c.db.DeleteCalibrationPoints(ctx, sensorID)
}
