package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chlorine-monitor/internal/api"
	"chlorine-monitor/internal/calibration"
	"chlorine-monitor/internal/db"
	"chlorine-monitor/internal/link"
	"chlorine-monitor/internal/metrics"
	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/poller"
	"chlorine-monitor/internal/sensor"
	"chlorine-monitor/internal/simulator"
	"chlorine-monitor/internal/telemetry"
)

type harness struct {
	srv   *api.Server
	http  *httptest.Server
	reg   *sensor.Registry
	sched *poller.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "api.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	opts := sensor.Options{Timeouts: link.Timeouts{Connect: 300 * time.Millisecond, IO: 300 * time.Millisecond}}
	reg := sensor.NewRegistry(opts, d)
	t.Cleanup(func() { _ = reg.Close() })
	store := telemetry.New(d, telemetry.Options{})
	engine := calibration.NewEngine(store, reg, nil)
	sched := poller.New(reg, store, poller.Options{Interval: time.Second})
	met := metrics.New()

	srv := api.New(api.Deps{
		Registry:     reg,
		Store:        store,
		Engine:       engine,
		Scheduler:    sched,
		Metrics:      met,
		CheckTimeout: 300 * time.Millisecond,
	})
	sched.AddHandler(met.ObserveReading)
	sched.AddHandler(srv.Hub().BroadcastReading)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &harness{srv: srv, http: hs, reg: reg, sched: sched}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (h *harness) addRegister(t *testing.T, id string) *simulator.RegisterDevice {
	t.Helper()
	dev, err := simulator.NewRegisterDevice(link.FramingRTUOverTCP, 1)
	require.NoError(t, err)
	require.NoError(t, dev.Listen("127.0.0.1:0"))
	t.Cleanup(dev.Close)
	code, body := h.do(t, http.MethodPost, "/api/sensors", api.AddSensorRequest{
		ID: id, Variant: "register", Host: "127.0.0.1", Port: dev.Port(), Framing: "rtu-over-tcp",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	return dev
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	var hr api.HealthResponse
	require.NoError(t, json.Unmarshal(body, &hr))
	require.True(t, hr.OK)
	require.Equal(t, 0, hr.Sensors)
}

func TestSensorLifecycle(t *testing.T) {
	h := newHarness(t)
	h.addRegister(t, "1")

	code, body := h.do(t, http.MethodGet, "/api/sensors", nil)
	require.Equal(t, http.StatusOK, code)
	var infos []sensor.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 1)
	require.Equal(t, "1", infos[0].ID)
	require.Equal(t, sensor.StatusConnected, infos[0].Status)
	require.True(t, infos[0].Active)
	require.True(t, infos[0].SupportsCalibration)

	code, _ = h.do(t, http.MethodPost, "/api/sensors", api.AddSensorRequest{ID: "1", Variant: "register", Host: "127.0.0.1", Port: 1})
	require.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/sensors", api.AddSensorRequest{ID: "x", Variant: "thermocouple", Host: "127.0.0.1", Port: 1})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPut, "/api/sensors/1/active", api.SetActiveRequest{Active: false})
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, h.reg.Active())

	code, body = h.do(t, http.MethodGet, "/api/sensors/1/check", nil)
	require.Equal(t, http.StatusOK, code)
	var cr api.CheckResponse
	require.NoError(t, json.Unmarshal(body, &cr))
	require.True(t, cr.Reachable)

	code, _ = h.do(t, http.MethodDelete, "/api/sensors/1", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(t, http.MethodDelete, "/api/sensors/1", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodGet, "/api/sensors/1/check", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestTickAndReadPaths(t *testing.T) {
	h := newHarness(t)
	dev := h.addRegister(t, "1")
	dev.SetRaw(250)

	code, _ := h.do(t, http.MethodGet, "/api/poll/last", nil)
	require.Equal(t, http.StatusNotFound, code)

	for i := 0; i < 3; i++ {
		code, body := h.do(t, http.MethodPost, "/api/poll/tick", nil)
		require.Equal(t, http.StatusOK, code)
		var rep poller.TickReport
		require.NoError(t, json.Unmarshal(body, &rep))
		require.Len(t, rep.Readings, 1)
		require.Empty(t, rep.Failures)
	}

	code, body := h.do(t, http.MethodGet, "/api/readings/live?sensor=1&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var rows []model.Reading
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 2)
	require.InDelta(t, 250, rows[0].PrimaryValue, 1e-6)
	require.InDelta(t, 250, rows[0].RollingAvgPrimary, 1e-6)

	code, body = h.do(t, http.MethodGet, "/api/readings/rolling?sensor=1&field=derived", nil)
	require.Equal(t, http.StatusOK, code)
	var rr api.RollingResponse
	require.NoError(t, json.Unmarshal(body, &rr))
	require.Equal(t, telemetry.DefaultRollingWindow, rr.Window)
	require.InDelta(t, 250, rr.Average, 1e-6)

	code, _ = h.do(t, http.MethodGet, "/api/readings/rolling?sensor=1&field=bogus", nil)
	require.Equal(t, http.StatusBadRequest, code)

	now := time.Now()
	q := fmt.Sprintf("start=%d&end=%d", now.Add(-time.Minute).Unix(), now.Add(time.Minute).Unix())
	code, body = h.do(t, http.MethodGet, "/api/readings/range?sensor=1&"+q, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 3)

	bad := fmt.Sprintf("start=%d&end=%d", now.Unix(), now.Add(-time.Hour).Unix())
	code, _ = h.do(t, http.MethodGet, "/api/readings/range?sensor=1&"+bad, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/readings/stats?sensor=1&"+q, nil)
	require.Equal(t, http.StatusOK, code)
	var stats []telemetry.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Len(t, stats, 1)
	require.Equal(t, 3, stats[0].Count)
	require.InDelta(t, 0, stats[0].Primary.StdDev, 1e-9)

	code, body = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(string(body), `chlorine_readings_total{sensor="1"} 3`))
}

func TestCalibrationFlow(t *testing.T) {
	h := newHarness(t)
	dev := h.addRegister(t, "1")

	code, _ := h.do(t, http.MethodPost, "/api/calibration/1/push", nil)
	require.Equal(t, http.StatusConflict, code)

	for _, p := range [][2]float64{{100, 0.5}, {200, 1.0}} {
		code, _ := h.do(t, http.MethodPost, "/api/calibration/1/points", api.AddPointRequest{Input: p[0], Reference: p[1]})
		require.Equal(t, http.StatusCreated, code)
	}
	code, body := h.do(t, http.MethodPost, "/api/calibration/1/fit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	var fr api.FitResponse
	require.NoError(t, json.Unmarshal(body, &fr))
	require.NotEmpty(t, fr.Error)
	require.Zero(t, fr.A)
	require.Zero(t, fr.B)
	require.Zero(t, fr.R)
	require.Empty(t, fr.Line)

	code, _ = h.do(t, http.MethodPost, "/api/calibration/1/points", api.AddPointRequest{Input: 300, Reference: 1.5})
	require.Equal(t, http.StatusCreated, code)

	code, body = h.do(t, http.MethodGet, "/api/calibration/1/points", nil)
	require.Equal(t, http.StatusOK, code)
	var pts []model.CalibrationPoint
	require.NoError(t, json.Unmarshal(body, &pts))
	require.Len(t, pts, 3)

	code, body = h.do(t, http.MethodPost, "/api/calibration/1/fit", nil)
	require.Equal(t, http.StatusOK, code)
	fr = api.FitResponse{}
	require.NoError(t, json.Unmarshal(body, &fr))
	require.InDelta(t, 0.005, fr.A, 1e-12)
	require.InDelta(t, 0, fr.B, 1e-9)
	require.InDelta(t, 1, fr.R, 1e-12)

	code, body = h.do(t, http.MethodPost, "/api/calibration/1/push", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	a, b := dev.Coefficients()
	require.InDelta(t, 0.005, a, 1e-12)
	require.InDelta(t, 0, b, 1e-9)

	var st calibration.Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, calibration.PhaseFitted, st.Phase)
	require.NotNil(t, st.LastPush)
	require.Empty(t, st.LastPush.Error)

	code, _ = h.do(t, http.MethodPost, "/api/calibration/1/reset", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = h.do(t, http.MethodGet, "/api/calibration/1", nil)
	require.Equal(t, http.StatusOK, code)
	st = calibration.Status{}
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, calibration.PhaseEmpty, st.Phase)
	require.Zero(t, st.Points)
	require.Nil(t, st.Coefficients)

	code, _ = h.do(t, http.MethodPost, "/api/calibration/nope/points", api.AddPointRequest{Input: 1, Reference: 1})
	require.Equal(t, http.StatusNotFound, code)
}

func TestCurrentLoopRefusesPush(t *testing.T) {
	h := newHarness(t)
	dev := simulator.NewCurrentLoopDevice()
	require.NoError(t, dev.Listen("127.0.0.1:0"))
	t.Cleanup(dev.Close)

	code, body := h.do(t, http.MethodPost, "/api/sensors", api.AddSensorRequest{ID: "loop", Variant: "current-loop", Host: "127.0.0.1", Port: dev.Port()})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = h.do(t, http.MethodPost, "/api/calibration/loop/push", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, string(body), "does not accept calibration")
}

func TestPollInterval(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/poll/interval", nil)
	require.Equal(t, http.StatusOK, code)
	var ir api.IntervalResponse
	require.NoError(t, json.Unmarshal(body, &ir))
	require.Equal(t, "1s", ir.Interval)

	code, body = h.do(t, http.MethodPut, "/api/poll/interval", api.IntervalRequest{Interval: "250ms"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &ir))
	require.Equal(t, 0.25, ir.Seconds)
	require.Equal(t, 250*time.Millisecond, h.sched.Interval())

	for _, bad := range []string{"0s", "-1s", "soon"} {
		code, _ = h.do(t, http.MethodPut, "/api/poll/interval", api.IntervalRequest{Interval: bad})
		require.Equal(t, http.StatusBadRequest, code, bad)
	}
	require.Equal(t, 250*time.Millisecond, h.sched.Interval())
}

func TestWSReadings(t *testing.T) {
	h := newHarness(t)
	dev := h.addRegister(t, "1")
	dev.SetRaw(42)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/readings"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello api.Event
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	require.Eventually(t, func() bool { return h.srv.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, _ := h.do(t, http.MethodPost, "/api/poll/tick", nil)
	require.Equal(t, http.StatusOK, code)

	var msg struct {
		Type string        `json:"type"`
		Data model.Reading `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "reading", msg.Type)
	require.Equal(t, "1", msg.Data.SensorID)
	require.InDelta(t, 42, msg.Data.PrimaryValue, 1e-6)
}
