// Package api serves the monitor over HTTP: registry management, the read
// and calibration paths, the poll cadence, Prometheus metrics and a
// WebSocket stream of new readings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chlorine-monitor/internal/calibration"
	"chlorine-monitor/internal/metrics"
	"chlorine-monitor/internal/poller"
	"chlorine-monitor/internal/sensor"
	"chlorine-monitor/internal/telemetry"
)

// Deps are the components the API exposes. Metrics is optional.
type Deps struct {
	Registry     *sensor.Registry
	Store        *telemetry.Store
	Engine       *calibration.Engine
	Scheduler    *poller.Scheduler
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger
	CheckTimeout time.Duration
}

type Server struct {
	mux    *http.ServeMux
	hub    *Hub
	reg    *sensor.Registry
	store  *telemetry.Store
	engine *calibration.Engine
	sched  *poller.Scheduler
	met    *metrics.Metrics
	logger *zap.SugaredLogger

	checkTimeout time.Duration
	now          func() time.Time
}

type APIError struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
	Sensors   int       `json:"sensors"`
	Clients   int       `json:"ws_clients"`
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.CheckTimeout <= 0 {
		d.CheckTimeout = 2 * time.Second
	}
	s := &Server{
		mux:          http.NewServeMux(),
		hub:          NewHub(),
		reg:          d.Registry,
		store:        d.Store,
		engine:       d.Engine,
		sched:        d.Scheduler,
		met:          d.Metrics,
		logger:       d.Logger,
		checkTimeout: d.CheckTimeout,
		now:          time.Now,
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/sensors", s.handleListSensors)
	s.mux.HandleFunc("POST /api/sensors", s.handleAddSensor)
	s.mux.HandleFunc("DELETE /api/sensors/{id}", s.handleRemoveSensor)
	s.mux.HandleFunc("PUT /api/sensors/{id}/active", s.handleSetActive)
	s.mux.HandleFunc("GET /api/sensors/{id}/check", s.handleCheckSensor)

	s.mux.HandleFunc("GET /api/readings/live", s.handleLive)
	s.mux.HandleFunc("GET /api/readings/range", s.handleRange)
	s.mux.HandleFunc("GET /api/readings/rolling", s.handleRolling)
	s.mux.HandleFunc("GET /api/readings/stats", s.handleStats)

	s.mux.HandleFunc("GET /api/calibration/{id}", s.handleCalibrationStatus)
	s.mux.HandleFunc("GET /api/calibration/{id}/points", s.handleListPoints)
	s.mux.HandleFunc("POST /api/calibration/{id}/points", s.handleAddPoint)
	s.mux.HandleFunc("POST /api/calibration/{id}/fit", s.handleFit)
	s.mux.HandleFunc("POST /api/calibration/{id}/push", s.handlePush)
	s.mux.HandleFunc("POST /api/calibration/{id}/reset", s.handleReset)

	s.mux.HandleFunc("GET /api/poll/interval", s.handleGetInterval)
	s.mux.HandleFunc("PUT /api/poll/interval", s.handleSetInterval)
	s.mux.HandleFunc("GET /api/poll/last", s.handleLastTick)
	s.mux.HandleFunc("POST /api/poll/tick", s.handleTick)

	if s.met != nil {
		s.mux.Handle("GET /metrics", s.met.Handler())
	}
	s.mux.HandleFunc("GET /ws/readings", s.handleWSReadings)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the broadcast hub behind /ws/readings.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("http api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:        true,
		Timestamp: s.now().UTC(),
		Sensors:   len(s.reg.List()),
		Clients:   s.hub.Len(),
	})
}

// statusFor maps the domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sensor.ErrUnknownSensor):
		return http.StatusNotFound
	case errors.Is(err, sensor.ErrDuplicateSensor),
		errors.Is(err, sensor.ErrCalibrationUnsupported),
		errors.Is(err, calibration.ErrNotFitted):
		return http.StatusConflict
	case errors.Is(err, calibration.ErrInsufficientData),
		errors.Is(err, calibration.ErrFitFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, telemetry.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, sensor.ErrConnection),
		errors.Is(err, sensor.ErrProtocol),
		errors.Is(err, sensor.ErrRead),
		errors.Is(err, sensor.ErrWrite):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorf("api: %v", err)
	}
	writeJSON(w, code, APIError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, APIError{Error: msg})
}
