package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/energysim/pkg/command"
	"github.com/raterudder/energysim/pkg/registry"
	"github.com/raterudder/energysim/pkg/sim"
	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/storage/storagemock"
	"github.com/raterudder/energysim/pkg/stream"
	"github.com/raterudder/energysim/pkg/types"
)

const testDevice = "PW-001-ABC123"

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*Server
	reg    *registry.Registry
	engine *sim.Engine
	db     storage.Database
}

func newTestServer(t *testing.T, db storage.Database) *testServer {
	t.Helper()
	reg := registry.New()
	for _, d := range registry.DefaultFleet(testNow) {
		require.NoError(t, reg.Register(d))
	}
	if db == nil {
		db = storage.NewMemory()
	}
	eng := sim.New(reg, 42)
	proc := command.New(reg)
	proc.OnResult(func(ctx context.Context, cmd types.Command, result types.CommandResult) {
		_ = db.UpsertCommand(ctx, result.DeviceID, types.CommandRecord{Command: cmd, Result: result})
	})
	srv := New(reg, eng, proc, db, stream.NewHub())
	srv.now = func() time.Time { return testNow }
	t.Cleanup(proc.Wait)
	return &testServer{Server: srv, reg: reg, engine: eng, db: db}
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(b)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	ts.setupHandler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func historyURL(id string, start, end time.Time, extra string) string {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	u := "/api/telemetry/" + id + "/history?" + q.Encode()
	if extra != "" {
		u += "&" + extra
	}
	return u
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "energysim", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("List", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/devices", nil)
		require.Equal(t, http.StatusOK, w.Code)
		devices := decodeBody[[]types.Device](t, w)
		require.Len(t, devices, 3)
		assert.Equal(t, "PW-001-ABC123", devices[0].ID)
		assert.Equal(t, "PW-002-XYZ789", devices[1].ID)
		assert.Equal(t, "SI-001-SOLAR1", devices[2].ID)
	})

	t.Run("Get", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/devices/"+testDevice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		d := decodeBody[types.Device](t, w)
		assert.Equal(t, testDevice, d.ID)
		assert.Equal(t, 13.5, d.BatteryCapacityKWH)
	})

	t.Run("Not Found", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/devices/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"error"`)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})
}

func TestCurrentTelemetry(t *testing.T) {
	t.Run("Archives Sample", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodGet, "/api/telemetry/"+testDevice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		sample := decodeBody[types.TelemetrySample](t, w)
		assert.Equal(t, testDevice, sample.DeviceID)
		assert.True(t, testNow.Equal(sample.Timestamp))
		assert.GreaterOrEqual(t, sample.BatteryChargePercent, 0.0)
		assert.LessOrEqual(t, sample.BatteryChargePercent, 100.0)

		archived, err := ts.db.GetTelemetryHistory(context.Background(), testDevice, testNow, testNow)
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, sample.BatteryChargePercent, archived[0].BatteryChargePercent)
	})

	t.Run("Archive Failure Still Responds", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("InsertTelemetry", mock.Anything, mock.Anything).Return(assert.AnError)
		ts := newTestServer(t, db)
		w := ts.do(t, http.MethodGet, "/api/telemetry/"+testDevice, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("Not Found", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodGet, "/api/telemetry/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTelemetryHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("Backfills Empty Archive", func(t *testing.T) {
		ts := newTestServer(t, nil)
		charge, err := ts.engine.CurrentCharge(testDevice)
		require.NoError(t, err)

		start := testNow.Add(-10 * time.Minute)
		w := ts.do(t, http.MethodGet, historyURL(testDevice, start, testNow, ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := decodeBody[types.TelemetryHistory](t, w)
		assert.Equal(t, testDevice, history.DeviceID)
		assert.True(t, start.Equal(history.StartTime))
		assert.True(t, testNow.Equal(history.EndTime))
		require.Len(t, history.DataPoints, 11)
		for i := 1; i < len(history.DataPoints); i++ {
			assert.True(t, history.DataPoints[i-1].Timestamp.Before(history.DataPoints[i].Timestamp))
		}
		assert.InDelta(t, charge, history.DataPoints[10].BatteryChargePercent, 1e-9)

		archived, err := ts.db.GetTelemetryHistory(ctx, testDevice, start, testNow)
		require.NoError(t, err)
		assert.Len(t, archived, 11)
	})

	t.Run("Backfills Before Archived Sample", func(t *testing.T) {
		ts := newTestServer(t, nil)
		archivedAt := testNow.Add(-5 * time.Minute)
		require.NoError(t, ts.db.InsertTelemetry(ctx, []types.TelemetrySample{{
			DeviceID:             testDevice,
			Timestamp:            archivedAt,
			BatteryChargePercent: 50,
		}}))

		start := testNow.Add(-10 * time.Minute)
		w := ts.do(t, http.MethodGet, historyURL(testDevice, start, testNow, ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := decodeBody[types.TelemetryHistory](t, w)
		require.Len(t, history.DataPoints, 6)
		assert.True(t, start.Equal(history.DataPoints[0].Timestamp))
		last := history.DataPoints[5]
		assert.True(t, archivedAt.Equal(last.Timestamp))
		assert.Equal(t, 50.0, last.BatteryChargePercent)
		assert.True(t, history.DataPoints[4].Timestamp.Before(archivedAt))
	})

	t.Run("Archive Covers Start", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		start := testNow.Add(-2 * time.Minute)
		db.On("GetTelemetryHistory", mock.Anything, testDevice, mock.Anything, mock.Anything).Return([]types.TelemetrySample{
			{DeviceID: testDevice, Timestamp: start, BatteryChargePercent: 40},
			{DeviceID: testDevice, Timestamp: testNow, BatteryChargePercent: 41},
		}, nil)
		ts := newTestServer(t, db)

		w := ts.do(t, http.MethodGet, historyURL(testDevice, start, testNow, ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := decodeBody[types.TelemetryHistory](t, w)
		require.Len(t, history.DataPoints, 2)
		db.AssertNotCalled(t, "InsertTelemetry", mock.Anything, mock.Anything)
	})

	t.Run("Limit Keeps Latest", func(t *testing.T) {
		ts := newTestServer(t, nil)
		start := testNow.Add(-10 * time.Minute)
		w := ts.do(t, http.MethodGet, historyURL(testDevice, start, testNow, "limit=3"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := decodeBody[types.TelemetryHistory](t, w)
		require.Len(t, history.DataPoints, 3)
		assert.True(t, testNow.Equal(history.DataPoints[2].Timestamp))
	})

	t.Run("Reversed And Naive Range", func(t *testing.T) {
		ts := newTestServer(t, nil)
		target := "/api/telemetry/" + testDevice + "/history?start=2025-06-15T12:00:00&end=2025-06-15T11:55:00"
		w := ts.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := decodeBody[types.TelemetryHistory](t, w)
		assert.True(t, testNow.Add(-5*time.Minute).Equal(history.StartTime))
		assert.True(t, testNow.Equal(history.EndTime))
		assert.Len(t, history.DataPoints, 6)
	})

	t.Run("Bad Requests", func(t *testing.T) {
		ts := newTestServer(t, nil)
		for _, target := range []string{
			"/api/telemetry/" + testDevice + "/history?start=yesterday",
			"/api/telemetry/" + testDevice + "/history?end=2025-13-01",
			"/api/telemetry/" + testDevice + "/history?limit=0",
			"/api/telemetry/" + testDevice + "/history?limit=ten",
		} {
			w := ts.do(t, http.MethodGet, target, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
		}
	})

	t.Run("Not Found", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodGet, historyURL("nope", testNow.Add(-time.Minute), testNow, ""), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{
			name:      "Defaults",
			query:     "",
			wantStart: testNow.Add(-24 * time.Hour),
			wantEnd:   testNow,
		},
		{
			name:      "Start Only",
			query:     "start=2025-06-15T06:00:00Z",
			wantStart: time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC),
			wantEnd:   testNow,
		},
		{
			name:      "Offset Converted To UTC",
			query:     "start=2025-06-15T06:00:00-04:00&end=2025-06-15T11:00:00Z",
			wantStart: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name:    "Garbage",
			query:   "end=noon",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			start, end, err := parseTimeRange(req, testNow)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(start), "start %s", start)
			assert.True(t, tt.wantEnd.Equal(end), "end %s", end)
		})
	}
}

func TestControl(t *testing.T) {
	t.Run("Charge Now", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodPost, "/api/control/"+testDevice, map[string]any{"command": "charge_now"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		result := decodeBody[types.CommandResult](t, w)
		assert.Equal(t, types.CommandStatusCompleted, result.Status)
		assert.Equal(t, testDevice, result.DeviceID)

		flags, err := ts.reg.Flags(testDevice)
		require.NoError(t, err)
		assert.False(t, flags.ChargeUntil.IsZero())

		w = ts.do(t, http.MethodGet, "/api/control/"+testDevice+"/history", nil)
		require.Equal(t, http.StatusOK, w.Code)
		records := decodeBody[[]types.CommandRecord](t, w)
		require.Len(t, records, 1)
		assert.Equal(t, result.ID, records[0].Result.ID)
		assert.Equal(t, types.CommandStatusCompleted, records[0].Result.Status)
		assert.Equal(t, types.CommandChargeNow, records[0].Command.Type)
	})

	t.Run("Rejected Requests", func(t *testing.T) {
		ts := newTestServer(t, nil)
		tests := []struct {
			name string
			id   string
			body any
			code int
		}{
			{"Unknown Command", testDevice, map[string]any{"command": "self_destruct"}, http.StatusBadRequest},
			{"Bad Body", testDevice, "not an object", http.StatusBadRequest},
			{"Reserve Out Of Range", testDevice, map[string]any{
				"command":    "set_backup_reserve",
				"parameters": map[string]any{"percent": 150},
			}, http.StatusBadRequest},
			{"Unknown Mode", testDevice, map[string]any{
				"command":    "set_operation_mode",
				"parameters": map[string]any{"mode": "turbo"},
			}, http.StatusBadRequest},
			{"Unknown Device", "nope", map[string]any{"command": "reboot"}, http.StatusNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := ts.do(t, http.MethodPost, "/api/control/"+tt.id, tt.body)
				assert.Equal(t, tt.code, w.Code, w.Body.String())
			})
		}
		d, err := ts.reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, 20.0, d.BackupReservePercent)
		assert.Equal(t, types.OperationModeSelfPowered, d.OperationMode)
	})

	t.Run("Empty History", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodGet, "/api/control/"+testDevice+"/history?limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("History Not Found", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(t, http.MethodGet, "/api/control/nope/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Storage Failure", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetCommandHistory", mock.Anything, testDevice, defaultCommandLimit).Return(nil, assert.AnError)
		ts := newTestServer(t, db)
		w := ts.do(t, http.MethodGet, "/api/control/"+testDevice+"/history", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	})
}

func TestTelemetryStream(t *testing.T) {
	ts := newTestServer(t, nil)
	httpServer := httptest.NewServer(ts.setupHandler())
	defer httpServer.Close()
	base := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	t.Run("Subscribes", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(base+"/api/telemetry/"+testDevice+"/ws", nil)
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool {
			return ts.hub.ClientCount(testDevice) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, ts.hub.Send(context.Background(), types.TelemetrySample{DeviceID: testDevice, Timestamp: testNow}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var env stream.Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, stream.TypeTelemetry, env.Type)
		assert.Equal(t, testDevice, env.DeviceID)
	})

	t.Run("Unknown Device", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(base+"/api/telemetry/nope/ws", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
