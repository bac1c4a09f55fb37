package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/cloudmetrics/internal/alerting"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
	"github.com/vesaa/cloudmetrics/internal/cache"
	"github.com/vesaa/cloudmetrics/internal/hoststat"
	"github.com/vesaa/cloudmetrics/internal/models"
	"github.com/vesaa/cloudmetrics/internal/store"
	"github.com/vesaa/cloudmetrics/internal/store/storetest"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv    *Server
	store  *store.Store
	alerts *alerting.Service
	hub    *broadcast.Hub
}

func newFixture(t *testing.T, auth *Auth) *fixture {
	t.Helper()
	st := storetest.New(t)
	hub := broadcast.NewHub(8, quiet)
	t.Cleanup(hub.Close)
	svc := alerting.NewService(st, models.DefaultThresholds(), quiet)
	if auth == nil {
		auth = NewAuth("", "", "")
	}

	srv := New(Deps{
		Metrics: cache.NewMetricsCache(cache.NewMemory(), st, time.Minute, quiet),
		Store:   st,
		Alerts:  svc,
		Hub:     hub,
		Auth:    auth,
		Log:     quiet,
	})
	srv.now = func() time.Time { return t0.Add(time.Hour) }
	srv.host = func(context.Context) (*hoststat.Snapshot, error) {
		return &hoststat.Snapshot{Hostname: "test-host"}, nil
	}
	return &fixture{srv: srv, store: st, alerts: svc, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) (int, envelope, json.RawMessage) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var raw struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	}
	return w.Code, raw.envelope, raw.Data
}

func (f *fixture) seedMetric(t *testing.T, id string, at time.Time, cpu float64) {
	t.Helper()
	m := models.Metric{InstanceID: id, CPUUsage: cpu, MemoryUsage: 40, RequestCount: 5, ResponseTime: 100, Timestamp: at}
	require.NoError(t, f.store.AppendMetric(context.Background(), &m))
}

func (f *fixture) seedAlert(t *testing.T) models.Alert {
	t.Helper()
	alerts, err := f.alerts.Check(context.Background(), &models.Metric{InstanceID: "i-a", CPUUsage: 95, Timestamp: t0})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	return alerts[0]
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	code, env, _ := f.do(t, http.MethodGet, "/api/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.Equal(t, "Route GET /api/nope not found", env.Error)
}

func TestHistoryValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name, query, want string
	}{
		{"missing end", "?start=2026-02-21T00:00:00Z", "start and end query parameters are required"},
		{"bad date", "?start=yesterday&end=2026-02-21T00:00:00Z", "Invalid date format. Use ISO 8601 format."},
		{"inverted", "?start=2026-02-22T00:00:00Z&end=2026-02-21T00:00:00Z", "start must not be after end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env, _ := f.do(t, http.MethodGet, "/api/metrics/history"+tt.query, nil, nil)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.want, env.Error)
		})
	}
}

func TestHistoryAndCurrent(t *testing.T) {
	f := newFixture(t, nil)
	f.seedMetric(t, "i-a", t0, 10)
	f.seedMetric(t, "i-b", t0.Add(time.Minute), 20)
	f.seedMetric(t, "i-a", t0.Add(2*time.Minute), 30)

	code, env, data := f.do(t, http.MethodGet, "/api/metrics/history?start=2026-02-21T11:00:00Z&end=2026-02-21T13:00:00Z&instance_id=i-a", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	var hist []models.Metric
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, 10.0, hist[0].CPUUsage)
	assert.Equal(t, 30.0, hist[1].CPUUsage)

	code, _, data = f.do(t, http.MethodGet, "/api/metrics/current", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var cur map[string]models.CurrentMetric
	require.NoError(t, json.Unmarshal(data, &cur))
	assert.Equal(t, 30.0, cur["i-a"].CPUUsage)
	assert.Equal(t, 20.0, cur["i-b"].CPUUsage)
}

func TestStatsDefaultsToLastDay(t *testing.T) {
	f := newFixture(t, nil)
	f.seedMetric(t, "i-a", t0, 10)
	f.seedMetric(t, "i-a", t0.Add(-48*time.Hour), 90)

	code, _, data := f.do(t, http.MethodGet, "/api/metrics/stats", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var stats models.MetricStats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 10.0, stats.MaxCPU)
	assert.Equal(t, int64(5), stats.TotalRequests)
}

func TestInstances(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.UpsertInstance(context.Background(), models.Instance{ID: "i-server-01", Name: "Web Server 1"}))

	code, _, data := f.do(t, http.MethodGet, "/api/metrics/instances", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var out []models.Instance
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "Web Server 1", out[0].Name)
}

func TestAlertsAndAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	a := f.seedAlert(t)

	code, _, data := f.do(t, http.MethodGet, "/api/alerts?limit=abc", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var list []models.Alert
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)

	code, env, _ := f.do(t, http.MethodPatch, "/api/alerts/abc/acknowledge", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid alert ID", env.Error)

	code, env, _ = f.do(t, http.MethodPatch, "/api/alerts/99999/acknowledge", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Alert not found", env.Error)

	code, _, data = f.do(t, http.MethodPatch, "/api/alerts/"+itoa(a.ID)+"/acknowledge", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var acked models.Alert
	require.NoError(t, json.Unmarshal(data, &acked))
	assert.True(t, acked.Acknowledged)
	assert.NotNil(t, acked.AcknowledgedAt)

	_, _, data = f.do(t, http.MethodGet, "/api/alerts", nil, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list)

	_, _, data = f.do(t, http.MethodGet, "/api/alerts?include_acknowledged=true", nil, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestLoginThenAcknowledge(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, NewAuth("signing-key", "admin", string(hash)))
	a := f.seedAlert(t)
	path := "/api/alerts/" + itoa(a.ID) + "/acknowledge"

	code, env, _ := f.do(t, http.MethodPatch, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Missing Authorization header", env.Error)

	code, _, _ = f.do(t, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _, data := f.do(t, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "s3cret"}, nil)
	require.Equal(t, http.StatusOK, code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	code, _, _ = f.do(t, http.MethodPatch, path, nil, http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _, _ = f.do(t, http.MethodPatch, path, nil, http.Header{"Authorization": {"Bearer " + login.Token}})
	assert.Equal(t, http.StatusOK, code)
}

func TestLoginDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, nil)
	code, _, _ := f.do(t, http.MethodPost, "/api/login", map[string]string{"username": "a", "password": "b"}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)

	code, env, data := f.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Contains(t, string(data), `"hostname":"test-host"`)

	code, _, _ = f.do(t, http.MethodGet, "/api/ready", nil, nil)
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, f.store.Close())
	code, env, _ = f.do(t, http.MethodGet, "/api/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Storage unavailable", env.Error)
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/alerts", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestWebsocketReceivesBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	f.seedMetric(t, "i-a", t0, 10)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.BroadcastMetrics([]models.Metric{{InstanceID: "i-a", CPUUsage: 55, Timestamp: t0}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Event string                `json:"event"`
		Data  []models.MetricUpdate `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "metrics:update", frame.Event)
	require.Len(t, frame.Data, 1)
	assert.Equal(t, 55.0, frame.Data[0].CPU)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "metrics:request"}))
	var current struct {
		Event string                          `json:"event"`
		Data  map[string]models.CurrentMetric `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&current))
	assert.Equal(t, "metrics:current", current.Event)
	assert.Equal(t, 10.0, current.Data["i-a"].CPUUsage)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
