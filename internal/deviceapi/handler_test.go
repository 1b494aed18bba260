package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	commandsapp "homepi-cloud/internal/commands/application"
	commandsmem "homepi-cloud/internal/commands/infrastructure/memory"
	devapp "homepi-cloud/internal/devices/application"
	devices "homepi-cloud/internal/devices/domain"
	devmem "homepi-cloud/internal/devices/infrastructure/memory"
	schedulesapp "homepi-cloud/internal/schedules/application"
	schedmem "homepi-cloud/internal/schedules/infrastructure/memory"
)

type fixture struct {
	handler   *Handler
	mux       *http.ServeMux
	queue     *commandsapp.Queue
	schedules *schedulesapp.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	devRepo := devmem.NewDeviceRepository()
	devRepo.Add(devices.Device{ID: "dev-1", Serial: "PI-0001", Token: "secret-token"})

	directory, err := devapp.NewHeartbeatService(devRepo, nil)
	if err != nil {
		t.Fatalf("NewHeartbeatService: %v", err)
	}
	queue, err := commandsapp.NewQueue(commandsmem.NewCommandRepository(), directory, nil,
		commandsapp.WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	scheduleService, err := schedulesapp.NewService(schedmem.NewScheduleRepository(), directory, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	handler, err := NewHandler(directory, queue, scheduleService, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return &fixture{handler: handler, mux: mux, queue: queue, schedules: scheduleService}
}

func (f *fixture) do(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedCaps(t *testing.T) {
	t.Helper()
	rec := f.do(t, "/api/device/heartbeat", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"caps":          []map[string]any{{"slug": "light-1", "kind": "light", "name": "Light"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed heartbeat: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHeartbeatPong(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/device/heartbeat", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "pong" {
		t.Fatalf("expected pong, got %v", resp)
	}
}

func TestAuthStatusCodes(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown serial", map[string]any{"serial_number": "PI-9999", "token": "x"}, http.StatusNotFound},
		{"bad token", map[string]any{"serial_number": "PI-0001", "token": "wrong"}, http.StatusUnauthorized},
		{"missing fields", map[string]any{"serial_number": "PI-0001"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, "/api/device/heartbeat", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHeartbeatRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/device/heartbeat", bytes.NewReader([]byte("{oops")))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestClaimReturns204WhenEmpty(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	rec := f.do(t, "/api/device/claim", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"max_wait":      1,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Fatalf("claim returned before the wait lapsed")
	}
}

func TestClaimDeliversQueuedCommand(t *testing.T) {
	f := newFixture(t)
	f.seedCaps(t)

	cmd, err := f.queue.Enqueue(context.Background(), commandsapp.EnqueueRequest{
		Serial:  "PI-0001",
		Name:    "light_on",
		Payload: json.RawMessage(`{"slug":"light-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.do(t, "/api/device/claim", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"max_wait":      1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Cmd     string          `json:"cmd"`
		ReqID   string          `json:"req_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cmd != "light_on" || resp.ReqID != cmd.ReqID {
		t.Fatalf("unexpected claim response: %+v", resp)
	}
}

func TestAckRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedCaps(t)

	cmd, err := f.queue.Enqueue(context.Background(), commandsapp.EnqueueRequest{
		Serial: "PI-0001", Name: "light_on",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim := f.do(t, "/api/device/claim", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token", "max_wait": 1,
	})
	if claim.Code != http.StatusOK {
		t.Fatalf("claim: %d", claim.Code)
	}

	ack := f.do(t, "/api/device/ack", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"req_id":        cmd.ReqID,
		"ok":            true,
		"state":         map[string]any{"light-1": map[string]any{"is_on": true}},
	})
	if ack.Code != http.StatusOK {
		t.Fatalf("ack: %d body %s", ack.Code, ack.Body.String())
	}

	// Replay with a different outcome is absorbed.
	replay := f.do(t, "/api/device/ack", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"req_id":        cmd.ReqID,
		"ok":            false,
		"error":         "late",
	})
	if replay.Code != http.StatusOK {
		t.Fatalf("replay ack: %d", replay.Code)
	}

	history, err := f.queue.History(context.Background(), "PI-0001", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Status != "done" {
		t.Fatalf("expected done preserved, got %s", history[0].Status)
	}
}

func TestAckRequiresReqID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/device/ack", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token", "ok": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAckUnknownReqID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/device/ack", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token", "req_id": "deadbeefdeadbeef", "ok": true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSchedulesFetchAndAck(t *testing.T) {
	f := newFixture(t)
	sched, err := f.schedules.Create(context.Background(), schedulesapp.CreateRequest{
		Serial: "PI-0001",
		Action: "light_on",
		RunAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	fetch := f.do(t, "/api/device/schedules", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token",
	})
	if fetch.Code != http.StatusOK {
		t.Fatalf("fetch: %d body %s", fetch.Code, fetch.Body.String())
	}
	var resp struct {
		OK    bool `json:"ok"`
		Items []struct {
			ID     string `json:"id"`
			Action string `json:"action"`
			TS     int64  `json:"ts"`
		} `json:"items"`
	}
	if err := json.Unmarshal(fetch.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != sched.ID {
		t.Fatalf("unexpected items: %+v", resp.Items)
	}
	if resp.Items[0].TS != sched.RunAt.Unix() {
		t.Fatalf("expected epoch seconds %d, got %d", sched.RunAt.Unix(), resp.Items[0].TS)
	}

	ack := f.do(t, "/api/device/schedule_ack", map[string]any{
		"serial_number": "PI-0001",
		"token":         "secret-token",
		"schedule_id":   sched.ID,
		"ok":            true,
	})
	if ack.Code != http.StatusOK {
		t.Fatalf("schedule ack: %d body %s", ack.Code, ack.Body.String())
	}

	refetch := f.do(t, "/api/device/schedules", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token",
	})
	var after struct {
		Items []any `json:"items"`
	}
	if err := json.Unmarshal(refetch.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(after.Items) != 0 {
		t.Fatalf("expected resolved schedule gone from fetch, got %+v", after.Items)
	}
}

func TestScheduleAckUnknownID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "/api/device/schedule_ack", map[string]any{
		"serial_number": "PI-0001", "token": "secret-token", "schedule_id": "missing", "ok": true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/device/claim", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
