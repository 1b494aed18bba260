package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"homepi-cloud/internal/audit"
	"homepi-cloud/internal/auth"
	commandsapp "homepi-cloud/internal/commands/application"
	commands "homepi-cloud/internal/commands/domain"
	devices "homepi-cloud/internal/devices/domain"
)

// Handler provides operator command endpoints.
type Handler struct {
	queue       *commandsapp.Queue
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(queue *commandsapp.Queue, auditLogger audit.Logger) (*Handler, error) {
	if queue == nil {
		return nil, errors.New("commands handler: nil queue")
	}
	return &Handler{queue: queue, auditLogger: auditLogger}, nil
}

// ServeHTTP handles POST/GET /api/v1/commands.
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

type commandView struct {
	ID        string          `json:"id"`
	ReqID     string          `json:"req_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Result    string          `json:"result,omitempty"`
	CreatedAt string          `json:"created_at"`
	ExpiresAt string          `json:"expires_at"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cmd, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(viewOf(cmd))

	h.logAudit(r, cmd, req.Serial)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "serial required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.queue.History(r.Context(), serial, limit)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	views := make([]commandView, 0, len(history))
	for i := range history {
		views = append(views, viewOf(&history[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": views})
}

func (h *Handler) logAudit(r *http.Request, cmd *commands.Command, serial string) {
	if h.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]any{
		"name":   cmd.Name,
		"req_id": cmd.ReqID,
	})
	entry := audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       "command.enqueue",
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Serial:       serial,
		Metadata:     metadata,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	_ = h.auditLogger.Log(r.Context(), entry)
}

func viewOf(cmd *commands.Command) commandView {
	view := commandView{
		ID:        cmd.ID,
		ReqID:     cmd.ReqID,
		Name:      cmd.Name,
		Payload:   cmd.Payload,
		Status:    cmd.Status,
		Result:    cmd.Result,
		CreatedAt: cmd.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: cmd.ExpiresAt.UTC().Format(time.RFC3339),
	}
	return view
}

func respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	case errors.Is(err, devices.ErrUnsupportedCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrExhausted):
		http.Error(w, "retry later", http.StatusTooManyRequests)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
