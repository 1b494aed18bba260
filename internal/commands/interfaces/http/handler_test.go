package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"homepi-cloud/internal/audit"
	commandsapp "homepi-cloud/internal/commands/application"
	commandsmem "homepi-cloud/internal/commands/infrastructure/memory"
	devapp "homepi-cloud/internal/devices/application"
	devices "homepi-cloud/internal/devices/domain"
	devmem "homepi-cloud/internal/devices/infrastructure/memory"
)

type captureAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureAudit) Log(_ context.Context, entry audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *captureAudit) {
	t.Helper()
	devRepo := devmem.NewDeviceRepository()
	devRepo.Add(devices.Device{ID: "dev-1", Serial: "PI-0001", Token: "secret-token"})
	if _, err := devRepo.UpsertCapabilities(context.Background(), "dev-1", []devices.CapabilityDecl{
		{Slug: "light-1", Kind: "light", Name: "Light"},
	}); err != nil {
		t.Fatalf("UpsertCapabilities: %v", err)
	}
	directory, err := devapp.NewHeartbeatService(devRepo, nil)
	if err != nil {
		t.Fatalf("NewHeartbeatService: %v", err)
	}
	queue, err := commandsapp.NewQueue(commandsmem.NewCommandRepository(), directory, nil,
		commandsapp.WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	auditLog := &captureAudit{}
	handler, err := NewHandler(queue, auditLog)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler, auditLog
}

func postCommand(t *testing.T, handler *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueCreatesCommand(t *testing.T) {
	handler, auditLog := newTestHandler(t)

	rec := postCommand(t, handler, map[string]any{"serial": "PI-0001", "name": "light_on"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body %s", rec.Code, rec.Body.String())
	}
	var view commandView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Name != "light_on" || view.Status != "pending" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.ReqID) != 16 {
		t.Fatalf("expected 16 char req_id, got %q", view.ReqID)
	}

	if len(auditLog.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(auditLog.entries))
	}
	entry := auditLog.entries[0]
	if entry.Action != "command.enqueue" || entry.Serial != "PI-0001" || entry.ResourceID != view.ID {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestEnqueueUnknownSerial(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postCommand(t, handler, map[string]any{"serial": "PI-MISSING", "name": "ping"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnqueueUnsupportedCommand(t *testing.T) {
	handler, auditLog := newTestHandler(t)

	rec := postCommand(t, handler, map[string]any{"serial": "PI-0001", "name": "open"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
	}
	if len(auditLog.entries) != 0 {
		t.Fatalf("rejected enqueue must not be audited")
	}
}

func TestHistoryListsNewestFirst(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, name := range []string{"light_on", "light_off"} {
		if rec := postCommand(t, handler, map[string]any{"serial": "PI-0001", "name": name}); rec.Code != http.StatusCreated {
			t.Fatalf("enqueue %s: status %d", name, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands?serial=PI-0001", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Items []commandView `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(resp.Items))
	}
	if resp.Items[0].Name != "light_off" {
		t.Fatalf("expected newest first, got %q", resp.Items[0].Name)
	}
}

func TestHistoryRequiresSerial(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
