package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chlorine-monitor/internal/model"
)

func sampleRows() []model.Reading {
	ts := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	return []model.Reading{
		{ID: 2, Timestamp: ts.Add(time.Second), SensorID: "1", PrimaryValue: 301.5, DerivedValue: 1.5075},
		{ID: 1, Timestamp: ts, SensorID: "1", PrimaryValue: 300, DerivedValue: 1.5, RollingAvgPrimary: 0.25},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows()))

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, CSVHeader, recs[0])
	require.Equal(t, []string{"2", "2024-05-01T12:00:01Z", "1", "301.5", "1.5075", "0", "0"}, recs[1])
	require.Equal(t, "0.25", recs[2][5])
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rows.json")
	require.NoError(t, WriteFile(p, "json", sampleRows()))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	var rows []model.Reading
	require.NoError(t, json.Unmarshal(b, &rows))
	require.Len(t, rows, 2)
	require.Equal(t, uint(2), rows[0].ID)

	require.Error(t, WriteFile(filepath.Join(dir, "rows.xml"), "xml", nil))
}
