// Command probe connects to one sensor, takes a single sample and prints it
// as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/logging"
	"chlorine-monitor/internal/sensor"
)

func main() {
	var (
		variant, host, framing string
		port, unitID           int
		timeout                time.Duration
		count                  int
		every                  time.Duration
		verbose                bool
	)
	flag.StringVar(&variant, "variant", "register", "sensor variant: register or current-loop")
	flag.StringVar(&host, "host", "127.0.0.1", "sensor host")
	flag.IntVar(&port, "port", 502, "sensor TCP port")
	flag.IntVar(&unitID, "unit", 1, "unit id (register only)")
	flag.StringVar(&framing, "framing", link.FramingRTUOverTCP, "framing: rtu-over-tcp or tcp (register only)")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "connect and I/O timeout")
	flag.IntVar(&count, "n", 1, "number of samples")
	flag.DurationVar(&every, "every", time.Second, "delay between samples")
	flag.BoolVar(&verbose, "v", false, "log link state changes")
	flag.Parse()

	v, err := sensor.ParseVariant(variant)
	if err != nil {
		log.Fatal(err)
	}
	if unitID < 0 || unitID > 247 {
		log.Fatalf("unit id %d out of range", unitID)
	}
	d := sensor.Descriptor{
		ID:       fmt.Sprintf("%s:%d", host, port),
		Variant:  v,
		Endpoint: link.Endpoint{Host: host, Port: port, UnitID: uint8(unitID), Framing: framing},
		Active:   true,
	}

	level := "error"
	if verbose {
		level = "debug"
	}
	logger := logging.Must(config.LogConfig{Level: level, Development: true})
	defer func() { _ = logger.Sync() }()

	s, err := sensor.New(d, sensor.Options{Timeouts: link.Timeouts{Connect: timeout, IO: timeout}, Logger: logger})
	if err != nil {
		log.Fatalf("sensor: %v", err)
	}
	defer s.Close()

	enc := json.NewEncoder(os.Stdout)
	failed := false
	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(every)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
		smp, err := s.Sample(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "sample %d: %v\n", i+1, err)
			failed = true
			continue
		}
		_ = enc.Encode(smp)
	}
	if failed {
		os.Exit(1)
	}
}
