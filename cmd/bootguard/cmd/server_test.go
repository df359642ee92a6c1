package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bootguard/internal/report"
	"github.com/psantana5/bootguard/pkg/config"
	"github.com/psantana5/bootguard/pkg/metrics"
	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/store"
	"github.com/psantana5/bootguard/pkg/tracing"
)

func TestDebugRouter(t *testing.T) {
	rec := metrics.NewRecorder()
	rec.RecordHeartbeat()
	snaps := store.NewMemoryStore()
	require.NoError(t, snaps.Save(&models.RegisterSnapshot{BootID: "b-1", Fault: models.FaultHardFault, PC: 0x08000100}))
	require.NoError(t, snaps.Save(&models.RegisterSnapshot{BootID: "b-2", Fault: models.FaultHardFault}))

	history := report.NewHistory(10)
	s := report.NewSession("b-1", 1, time.Now(), time.Now(), report.OutcomeHalted)
	s.SetFault(string(models.FaultHardFault))
	history.Record(s)

	router := newDebugRouter(rec, snaps, history, &deviceView{}, "")

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/health", http.StatusOK, `"ok"`},
		{"/metrics", http.StatusOK, "bootguard_heartbeats_total 1"},
		{"/tasks", http.StatusServiceUnavailable, "device not booted"},
		{"/faults", http.StatusOK, `"count":2`},
		{"/faults?boot=b-1", http.StatusOK, `"count":1`},
		{"/faults?limit=-1", http.StatusBadRequest, "limit"},
		{"/faults/latest", http.StatusOK, `"boot_id":"b-2"`},
		{"/sessions", http.StatusOK, `"outcome":"halted"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest("GET", tt.path, nil))
			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.body) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.body)
			}
		})
	}
}

func TestDebugRouter_LatestEmpty(t *testing.T) {
	router := newDebugRouter(metrics.NewRecorder(), store.NewMemoryStore(), report.NewHistory(1), &deviceView{}, "")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/faults/latest", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDebugRouter_Token(t *testing.T) {
	router := newDebugRouter(metrics.NewRecorder(), store.NewMemoryStore(), report.NewHistory(1), &deviceView{}, "s3cret")

	tests := []struct {
		path   string
		auth   string
		status int
	}{
		{"/health", "", http.StatusOK},
		{"/metrics", "", http.StatusUnauthorized},
		{"/metrics", "Bearer wrong", http.StatusUnauthorized},
		{"/metrics", "Bearer s3cret", http.StatusOK},
		{"/sessions", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != tt.status {
			t.Errorf("%s with %q: expected %d, got %d", tt.path, tt.auth, tt.status, rr.Code)
		}
	}
}

func TestRenderSnapshots(t *testing.T) {
	var buf bytes.Buffer
	renderSnapshots(&buf, nil)
	assert.Contains(t, buf.String(), "No snapshots captured")

	buf.Reset()
	renderSnapshots(&buf, []models.RegisterSnapshot{{
		ID:         1,
		BootID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		Fault:      models.FaultHardFault,
		Stack:      "psp",
		PC:         0x08000120,
		CapturedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "0f8fad5b")
	assert.Contains(t, out, "0x08000120")
	assert.Contains(t, out, "Total snapshots: 1")
}

func testHost(t *testing.T, mutate func(c *config.DeviceConfig)) *host {
	t.Helper()
	cfg := config.Default()
	cfg.Boot.FlushDelay = "1ms"
	cfg.Log.Baud = 0
	cfg.Log.Level = "error"
	mutate(cfg)
	require.NoError(t, cfg.Validate())

	tp, err := tracing.InitTracer(cfg.Tracing)
	require.NoError(t, err)
	return &host{
		cfg:     cfg,
		tap:     &faultTap{Recorder: metrics.NewRecorder()},
		snaps:   store.NewMemoryStore(),
		tracer:  tp,
		history: report.NewHistory(10),
		view:    &deviceView{},
	}
}

func TestBootOnce_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.DeviceConfig)
		outcome string
		fault   models.FaultKind
		state   models.DeviceState
	}{
		{"stack smash resets", func(c *config.DeviceConfig) {
			c.Sim.Fault = config.FaultStack
			c.Sim.FaultAfter = "5ms"
		}, report.OutcomeReset, models.FaultStackCorruption, models.StateRunning},
		{"registration failure halts", func(c *config.DeviceConfig) {
			c.Sim.FailTask = "SerialInterfaceManager"
		}, report.OutcomeHalted, models.FaultTaskCreation, models.StateHalted},
		{"hard fault capture halts", func(c *config.DeviceConfig) {
			c.Sim.Fault = config.FaultHard
			c.Sim.FaultAfter = "5ms"
			c.Diag.CaptureEnabled = true
		}, report.OutcomeHalted, models.FaultHardFault, models.StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHost(t, tt.mutate)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			session, err := h.bootOnce(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, session.Outcome)
			assert.Equal(t, string(tt.fault), session.FaultKind)
			assert.Equal(t, string(tt.state), session.State)
			assert.NotEmpty(t, session.BootID)
		})
	}
}

func TestBootOnce_CaptureSavesSnapshot(t *testing.T) {
	h := testHost(t, func(c *config.DeviceConfig) {
		c.Sim.Fault = config.FaultHard
		c.Sim.FaultAfter = "1ms"
		c.Diag.CaptureEnabled = true
	})

	session, err := h.bootOnce(context.Background(), 1)
	require.NoError(t, err)

	snap, err := h.snaps.Latest()
	require.NoError(t, err)
	assert.Equal(t, session.BootID, snap.BootID)
	assert.Equal(t, "psp", snap.Stack)
	assert.Equal(t, models.FaultHardFault, snap.Fault)

	// the router serves what was just captured
	rr := httptest.NewRecorder()
	newDebugRouter(h.tap.Recorder, h.snaps, h.history, h.view, "").ServeHTTP(rr, httptest.NewRequest("GET", "/faults/latest", nil))
	var got models.RegisterSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, snap.PC, got.PC)
}

func TestBootOnce_StoppedByHost(t *testing.T) {
	h := testHost(t, func(c *config.DeviceConfig) {})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	session, err := h.bootOnce(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeStopped, session.Outcome)
	assert.True(t, session.Clean())
	assert.Equal(t, string(models.StateRunning), session.State)
	assert.Equal(t, 6, session.Tasks)
	assert.NotZero(t, session.Beats)

	rr := httptest.NewRecorder()
	newDebugRouter(h.tap.Recorder, h.snaps, h.history, h.view, "").ServeHTTP(rr, httptest.NewRequest("GET", "/tasks", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"FrameManager"`)
}
