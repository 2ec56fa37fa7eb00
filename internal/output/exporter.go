// Package output writes readings for external consumers.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"chlorine-monitor/internal/model"
)

// CSVHeader lists the columns written by WriteCSV, in order.
var CSVHeader = []string{"id", "timestamp", "sensor_id", "primary_value", "derived_value", "rolling_avg_primary", "rolling_avg_derived"}

// WriteJSON encodes v with indentation.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes one row per reading under CSVHeader.
func WriteCSV(w io.Writer, rows []model.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.SensorID,
			formatFloat(r.PrimaryValue),
			formatFloat(r.DerivedValue),
			formatFloat(r.RollingAvgPrimary),
			formatFloat(r.RollingAvgDerived),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes rows to path as JSON or CSV.
func WriteFile(path, format string, rows []model.Reading) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	switch format {
	case "csv":
		err = WriteCSV(f, rows)
	case "json", "":
		err = WriteJSON(f, rows)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
