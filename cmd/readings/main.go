// Command readings dumps stored readings, or their statistics, from the
// monitor database as JSON or CSV.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"chlorine-monitor/internal/db"
	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/output"
	"chlorine-monitor/internal/telemetry"
)

func main() {
	var (
		dbPath, sensors, format, out string
		since                        time.Duration
		limit                        int
		stats                        bool
	)
	flag.StringVar(&dbPath, "db", "data/chlorine.sqlite", "path to sqlite database file")
	flag.StringVar(&sensors, "sensors", "", "comma separated sensor ids (default: all registered)")
	flag.IntVar(&limit, "limit", telemetry.DefaultLiveLimit, "newest rows to print when -since is not set")
	flag.DurationVar(&since, "since", 0, "print rows from now-since to now instead of the newest rows")
	flag.BoolVar(&stats, "stats", false, "print per-sensor statistics over -since")
	flag.StringVar(&format, "format", "json", "output format: json or csv")
	flag.StringVar(&out, "o", "", "output file (default stdout)")
	flag.Parse()

	d, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids := splitIDs(sensors)
	if len(ids) == 0 {
		recs, err := d.ListSensors(ctx)
		if err != nil {
			log.Fatalf("list sensors: %v", err)
		}
		for _, r := range recs {
			ids = append(ids, r.SensorID)
		}
	}

	store := telemetry.New(d, telemetry.Options{})
	end := time.Now()
	start := end.Add(-since)

	if stats {
		if since <= 0 {
			log.Fatalf("-stats needs -since")
		}
		all := make([]telemetry.Stats, 0, len(ids))
		for _, id := range ids {
			st, err := store.Stats(ctx, id, start, end)
			if err != nil {
				log.Fatalf("stats %s: %v", id, err)
			}
			all = append(all, st)
		}
		if err := output.WriteJSON(os.Stdout, all); err != nil {
			log.Fatal(err)
		}
		return
	}

	var rows []model.Reading
	if since > 0 {
		rows, err = store.QueryRange(ctx, ids, start, end)
	} else {
		rows, err = store.QueryLive(ctx, ids, limit)
	}
	if err != nil {
		log.Fatalf("query readings: %v", err)
	}

	if out != "" {
		if err := output.WriteFile(out, format, rows); err != nil {
			log.Fatal(err)
		}
		return
	}
	if format == "csv" {
		err = output.WriteCSV(os.Stdout, rows)
	} else {
		err = output.WriteJSON(os.Stdout, rows)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
