package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"homepi-cloud/internal/audit"
	"homepi-cloud/internal/auth"
	devices "homepi-cloud/internal/devices/domain"
	schedulesapp "homepi-cloud/internal/schedules/application"
	schedules "homepi-cloud/internal/schedules/domain"
)

// Handler provides operator schedule endpoints.
type Handler struct {
	service     *schedulesapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *schedulesapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("schedules handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// ServeHTTP handles POST/GET /api/v1/schedules.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// CancelHandler handles POST /api/v1/schedules/{id}/cancel.
func (h *Handler) CancelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/v1/schedules/")
		id, ok := strings.CutSuffix(path, "/cancel")
		if !ok || id == "" {
			http.Error(w, "schedule id required", http.StatusBadRequest)
			return
		}
		sched, err := h.service.Cancel(r.Context(), id)
		if err != nil {
			respondScheduleError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(viewOf(sched))
	})
}

type scheduleView struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     string          `json:"run_at"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type createBody struct {
	Serial  string          `json:"serial"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RunAt   time.Time       `json:"run_at"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req createBody
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sched, err := h.service.Create(r.Context(), schedulesapp.CreateRequest{
		Serial:  req.Serial,
		Action:  req.Action,
		Payload: req.Payload,
		RunAt:   req.RunAt,
	})
	if err != nil {
		respondScheduleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(viewOf(sched))

	h.logAudit(r, sched, req.Serial)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "serial required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.service.History(r.Context(), serial, limit)
	if err != nil {
		respondScheduleError(w, err)
		return
	}
	views := make([]scheduleView, 0, len(history))
	for i := range history {
		views = append(views, viewOf(&history[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": views})
}

func (h *Handler) logAudit(r *http.Request, sched *schedules.Schedule, serial string) {
	if h.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]any{
		"action": sched.Action,
		"run_at": sched.RunAt.UTC().Format(time.RFC3339),
	})
	entry := audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       "schedule.create",
		ResourceType: "schedule",
		ResourceID:   sched.ID,
		Serial:       serial,
		Metadata:     metadata,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	_ = h.auditLogger.Log(r.Context(), entry)
}

func viewOf(sched *schedules.Schedule) scheduleView {
	return scheduleView{
		ID:        sched.ID,
		Action:    sched.Action,
		Payload:   sched.Payload,
		RunAt:     sched.RunAt.UTC().Format(time.RFC3339),
		Status:    sched.Status,
		Error:     sched.Error,
		CreatedAt: sched.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func respondScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	case errors.Is(err, schedules.ErrNotFound):
		http.Error(w, "schedule not found", http.StatusNotFound)
	case errors.Is(err, schedules.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
