package telemetry

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"chlorine-monitor/internal/model"
)

// Summary describes one value series.
type Summary struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

// Stats summarizes a sensor's readings over a time range.
type Stats struct {
	SensorID string    `json:"sensor_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Count    int       `json:"count"`
	Primary  Summary   `json:"primary"`
	Derived  Summary   `json:"derived"`
}

// Stats computes descriptive statistics of the sensor's readings in
// [start, end]. With no rows Count is 0 and the summaries are zero.
func (s *Store) Stats(ctx context.Context, sensorID string, start, end time.Time) (Stats, error) {
	rows, err := s.QueryRange(ctx, []string{sensorID}, start, end)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{SensorID: sensorID, Start: start, End: end, Count: len(rows)}
	if len(rows) == 0 {
		return out, nil
	}
	primary, derived := split(rows)
	out.Primary = summarize(primary)
	out.Derived = summarize(derived)
	return out, nil
}

func split(rows []model.Reading) (primary, derived []float64) {
	primary = make([]float64, len(rows))
	derived = make([]float64, len(rows))
	for i, r := range rows {
		primary[i] = r.PrimaryValue
		derived[i] = r.DerivedValue
	}
	return primary, derived
}

func summarize(x []float64) Summary {
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		std = 0
	}
	return Summary{Mean: mean, Min: floats.Min(x), Max: floats.Max(x), StdDev: std}
}
