package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chlorine-monitor/pkg/monitor"
)

func main() {
	var opts monitor.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/monitor.yaml", "path to YAML config")
	flag.StringVar(&opts.DBPath, "db", "", "sqlite database path (overrides storage.db_path)")
	flag.StringVar(&opts.HTTPAddress, "http", "", "HTTP API listen address (enables the API)")
	flag.DurationVar(&opts.PollInterval, "interval", 0, "poll interval (overrides system.poll_interval)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&opts.MQTTServer, "mqtt", "", "MQTT broker URL (enables publishing)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Run(ctx, opts); err != nil {
		log.Fatalf("monitor exited with error: %v", err)
	}
}
