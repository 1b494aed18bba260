package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	commandsapp "homepi-cloud/internal/commands/application"
	commands "homepi-cloud/internal/commands/domain"
	devapp "homepi-cloud/internal/devices/application"
	devices "homepi-cloud/internal/devices/domain"
	schedulesapp "homepi-cloud/internal/schedules/application"
	schedules "homepi-cloud/internal/schedules/domain"
)

// Handler exposes the device-initiated protocol: heartbeat, claim, ack,
// schedules, schedule_ack. Every request is an authenticated POST with a
// JSON body carrying serial_number and token; devices behind NAT never
// receive inbound connections.
type Handler struct {
	devices   *devapp.HeartbeatService
	queue     *commandsapp.Queue
	schedules *schedulesapp.Service
	logger    *log.Logger
}

// NewHandler constructs the protocol handler.
func NewHandler(devices *devapp.HeartbeatService, queue *commandsapp.Queue, scheduleService *schedulesapp.Service, logger *log.Logger) (*Handler, error) {
	if devices == nil {
		return nil, errors.New("deviceapi: nil device service")
	}
	if queue == nil {
		return nil, errors.New("deviceapi: nil queue")
	}
	if scheduleService == nil {
		return nil, errors.New("deviceapi: nil schedule service")
	}
	return &Handler{devices: devices, queue: queue, schedules: scheduleService, logger: logger}, nil
}

// Register mounts the protocol routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/device/heartbeat", h.post(h.handleHeartbeat))
	mux.HandleFunc("/api/device/claim", h.post(h.handleClaim))
	mux.HandleFunc("/api/device/ack", h.post(h.handleAck))
	mux.HandleFunc("/api/device/schedules", h.post(h.handleSchedules))
	mux.HandleFunc("/api/device/schedule_ack", h.post(h.handleScheduleAck))
}

type authFields struct {
	Serial string `json:"serial_number"`
	Token  string `json:"token"`
}

type heartbeatRequest struct {
	authFields
	Caps  []devices.CapabilityDecl   `json:"caps,omitempty"`
	State map[string]map[string]any  `json:"state,omitempty"`
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

type claimRequest struct {
	authFields
	MaxWait int `json:"max_wait,omitempty"`
}

type ackRequest struct {
	authFields
	ReqID string                    `json:"req_id"`
	OK    bool                      `json:"ok"`
	Error string                    `json:"error,omitempty"`
	State map[string]map[string]any `json:"state,omitempty"`
}

type scheduleAckRequest struct {
	authFields
	ScheduleID string `json:"schedule_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

func (h *Handler) post(handle func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body error")
			return
		}
		defer r.Body.Close()
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, "empty body")
			return
		}
		handle(w, r, body)
	}
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, body []byte) {
	var req heartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Serial == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "serial_number/token required")
		return
	}

	// Merge fields the agent tucked under extra, top level wins.
	if req.Caps == nil {
		if raw, ok := req.Extra["caps"]; ok {
			_ = json.Unmarshal(raw, &req.Caps)
		}
	}
	if req.State == nil {
		if raw, ok := req.Extra["state"]; ok {
			_ = json.Unmarshal(raw, &req.State)
		}
	}

	addr := clientAddr(r)
	result, err := h.devices.Heartbeat(r.Context(), req.Serial, req.Token, addr, req.Caps, req.State)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":      "pong",
		"ip":          result.ObservedAddr,
		"caps_synced": result.CapsSynced,
	})
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request, body []byte) {
	var req claimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Serial == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "serial_number/token required")
		return
	}
	dev, err := h.devices.Authenticate(r.Context(), req.Serial, req.Token)
	if err != nil {
		h.respondError(w, err)
		return
	}

	cmd, err := h.queue.Claim(r.Context(), dev, time.Duration(req.MaxWait)*time.Second)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away mid-poll; nothing left to answer.
			return
		}
		h.respondError(w, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, map[string]any{
		"cmd":     cmd.Name,
		"req_id":  cmd.ReqID,
		"payload": json.RawMessage(payloadOrEmpty(cmd.Payload)),
	})
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request, body []byte) {
	var req ackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Serial == "" || req.Token == "" || req.ReqID == "" {
		writeError(w, http.StatusBadRequest, "serial_number/token/req_id required")
		return
	}
	dev, err := h.devices.Authenticate(r.Context(), req.Serial, req.Token)
	if err != nil {
		h.respondError(w, err)
		return
	}

	status := commands.StatusDone
	result := ""
	if !req.OK {
		status = commands.StatusFailed
		result = req.Error
		if result == "" {
			result = "unknown"
		}
	}
	if _, err := h.queue.Acknowledge(r.Context(), dev, req.ReqID, status, result, req.State); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handler) handleSchedules(w http.ResponseWriter, r *http.Request, body []byte) {
	var req authFields
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Serial == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "serial_number/token required")
		return
	}
	dev, err := h.devices.Authenticate(r.Context(), req.Serial, req.Token)
	if err != nil {
		h.respondError(w, err)
		return
	}

	scheds, err := h.schedules.FetchUpcoming(r.Context(), dev)
	if err != nil {
		h.respondError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(scheds))
	for _, sched := range scheds {
		items = append(items, map[string]any{
			"id":      sched.ID,
			"action":  sched.Action,
			"payload": json.RawMessage(payloadOrEmpty(sched.Payload)),
			// Epoch seconds keep the agent side simple.
			"ts": sched.RunAt.Unix(),
		})
	}
	writeJSON(w, map[string]any{"ok": true, "items": items})
}

func (h *Handler) handleScheduleAck(w http.ResponseWriter, r *http.Request, body []byte) {
	var req scheduleAckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Serial == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "serial_number/token required")
		return
	}
	if req.ScheduleID == "" {
		writeError(w, http.StatusBadRequest, "schedule_id required")
		return
	}
	dev, err := h.devices.Authenticate(r.Context(), req.Serial, req.Token)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if _, err := h.schedules.Acknowledge(r.Context(), dev, req.ScheduleID, req.OK, req.Error); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, devices.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, commands.ErrNotFound):
		writeError(w, http.StatusNotFound, "command not found")
	case errors.Is(err, schedules.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, commands.ErrValidation), errors.Is(err, schedules.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, commands.ErrExhausted):
		writeError(w, http.StatusTooManyRequests, "retry later")
	default:
		if h.logger != nil {
			h.logger.Printf("deviceapi: internal error: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func payloadOrEmpty(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
