package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/logging"
	"chlorine-monitor/internal/simulator"
)

func main() {
	var cfgPath, level string
	flag.StringVar(&cfgPath, "config", "config/simulator.yaml", "path to YAML config for simulated devices")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	cfg, err := config.LoadSimulator(cfgPath)
	if err != nil {
		log.Fatalf("load simulator config %s: %v", cfgPath, err)
	}
	logger := logging.Must(config.LogConfig{Level: level, Development: true})
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := simulator.NewManager(cfg, logger)
	if err := mgr.Run(ctx); err != nil {
		logger.Errorf("simulator exited with error: %v", err)
	}
	logger.Infof("simulator stopped")
}
