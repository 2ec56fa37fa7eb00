package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"chlorine-monitor/internal/calibration"
	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/sensor"
	"chlorine-monitor/internal/telemetry"
)

type AddSensorRequest struct {
	ID      string `json:"id"`
	Variant string `json:"variant"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	UnitID  uint8  `json:"unit_id"`
	Framing string `json:"framing"`
	Active  *bool  `json:"active"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type CheckResponse struct {
	ID        string `json:"id"`
	Reachable bool   `json:"reachable"`
}

type RollingResponse struct {
	SensorID string          `json:"sensor_id"`
	Field    telemetry.Field `json:"field"`
	Window   int             `json:"window"`
	Average  float64         `json:"average"`
}

type AddPointRequest struct {
	Input     float64 `json:"input"`
	Reference float64 `json:"reference"`
}

type FitResponse struct {
	calibration.Result
	Error string `json:"error,omitempty"`
}

type IntervalRequest struct {
	Interval string `json:"interval"` // Go duration, e.g. "500ms"
}

type IntervalResponse struct {
	Interval string  `json:"interval"`
	Seconds  float64 `json:"seconds"`
}

// sensors

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleAddSensor(w http.ResponseWriter, r *http.Request) {
	var req AddSensorRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	variant, err := sensor.ParseVariant(req.Variant)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	d := sensor.Descriptor{
		ID:      strings.TrimSpace(req.ID),
		Variant: variant,
		Endpoint: link.Endpoint{
			Host:    req.Host,
			Port:    req.Port,
			UnitID:  req.UnitID,
			Framing: req.Framing,
		},
		Active: req.Active == nil || *req.Active,
	}
	if variant == sensor.VariantRegister {
		if d.Endpoint.UnitID == 0 {
			d.Endpoint.UnitID = 1
		}
		if _, err := link.NormalizeFraming(d.Endpoint.Framing); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if err := d.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := s.reg.Add(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	for _, info := range s.reg.List() {
		if info.ID == d.ID {
			writeJSON(w, http.StatusCreated, info)
			return
		}
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRemoveSensor(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if err := s.reg.SetActive(r.Context(), id, req.Active); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SetActiveRequest{Active: req.Active})
}

func (s *Server) handleCheckSensor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.reg.Check(id, s.checkTimeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{ID: id, Reachable: ok})
}

// readings

// sensorIDs collects ids from repeated or comma separated "sensor" params.
// With none given, every registered sensor is selected.
func (s *Server) sensorIDs(r *http.Request) []string {
	var ids []string
	for _, v := range r.URL.Query()["sensor"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		for _, info := range s.reg.List() {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

func parseTime(v string) (time.Time, error) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseRange(r *http.Request) (start, end time.Time, msg string) {
	q := r.URL.Query()
	var err error
	if start, err = parseTime(q.Get("start")); err != nil {
		return start, end, "invalid start: " + err.Error()
	}
	if end, err = parseTime(q.Get("end")); err != nil {
		return start, end, "invalid end: " + err.Error()
	}
	return start, end, ""
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := s.store.QueryLive(r.Context(), s.sensorIDs(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	start, end, msg := parseRange(r)
	if msg != "" {
		badRequest(w, msg)
		return
	}
	rows, err := s.store.QueryRange(r.Context(), s.sensorIDs(r), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) handleRolling(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("sensor")
	if id == "" {
		badRequest(w, "sensor is required")
		return
	}
	field := telemetry.Field(q.Get("field"))
	if field == "" {
		field = telemetry.FieldPrimary
	}
	if field != telemetry.FieldPrimary && field != telemetry.FieldDerived {
		badRequest(w, "field must be primary or derived")
		return
	}
	window := s.store.Window()
	if v := q.Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "invalid window")
			return
		}
		window = n
	}
	avg, err := s.store.RollingAverage(r.Context(), id, field, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RollingResponse{SensorID: id, Field: field, Window: window, Average: avg})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	start, end, msg := parseRange(r)
	if msg != "" {
		badRequest(w, msg)
		return
	}
	ids := s.sensorIDs(r)
	out := make([]telemetry.Stats, 0, len(ids))
	for _, id := range ids {
		st, err := s.store.Stats(r.Context(), id, start, end)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func nonNil(rows []model.Reading) []model.Reading {
	if rows == nil {
		return []model.Reading{}
	}
	return rows
}

// calibration

func (s *Server) handleCalibrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListPoints(w http.ResponseWriter, r *http.Request) {
	pts, err := s.engine.Points(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pts == nil {
		pts = []model.CalibrationPoint{}
	}
	writeJSON(w, http.StatusOK, pts)
}

func (s *Server) handleAddPoint(w http.ResponseWriter, r *http.Request) {
	var req AddPointRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	p, err := s.engine.AddPoint(r.Context(), r.PathValue("id"), req.Input, req.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleFit always returns a result body; failed fits carry the neutral
// result next to the error.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Fit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, statusFor(err), FitResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, FitResponse{Result: res})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Push(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// poll loop

func (s *Server) intervalResponse() IntervalResponse {
	d := s.sched.Interval()
	return IntervalResponse{Interval: d.String(), Seconds: d.Seconds()}
}

func (s *Server) handleGetInterval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.intervalResponse())
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.sched.SetInterval(d); err != nil {
		badRequest(w, err.Error())
		return
	}
	if s.met != nil {
		s.met.SetPollInterval(d.Seconds())
	}
	s.logger.Infof("poll interval set to %s", d)
	writeJSON(w, http.StatusOK, s.intervalResponse())
}

func (s *Server) handleLastTick(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.sched.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, APIError{Error: "no tick has completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleTick runs one acquisition pass immediately, outside the ticker.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Tick(r.Context()))
}
