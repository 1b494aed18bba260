package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	devapp "homepi-cloud/internal/devices/application"
	devices "homepi-cloud/internal/devices/domain"
)

// CommandDirectory answers whether a device has undelivered work.
type CommandDirectory interface {
	HasLivePending(ctx context.Context, deviceID string) (bool, error)
}

// Handler serves the operator read endpoints for devices and their
// capability state.
type Handler struct {
	devices *devapp.HeartbeatService
	queue   CommandDirectory
	logger  *log.Logger
}

// NewHandler constructs the read handler.
func NewHandler(deviceService *devapp.HeartbeatService, queue CommandDirectory, logger *log.Logger) (*Handler, error) {
	if deviceService == nil {
		return nil, errors.New("api: nil device service")
	}
	if queue == nil {
		return nil, errors.New("api: nil command directory")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{devices: deviceService, queue: queue, logger: logger}, nil
}

// Register mounts the read routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/devices", h.handleList)
	mux.HandleFunc("/api/v1/devices/", h.handleState)
}

type deviceView struct {
	Serial       string `json:"serial"`
	DisplayName  string `json:"display_name,omitempty"`
	Online       bool   `json:"online"`
	ObservedAddr string `json:"observed_addr,omitempty"`
	LastSeenTS   int64  `json:"last_seen_ts,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.devices.ListDevices(r.Context())
	if err != nil {
		h.logger.Printf("api: list devices: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	now := time.Now().UTC()
	window := h.devices.OnlineWindow()
	views := make([]deviceView, 0, len(list))
	for _, dev := range list {
		view := deviceView{
			Serial:       dev.Serial,
			DisplayName:  dev.DisplayName,
			Online:       dev.Online(now, window),
			ObservedAddr: dev.ObservedAddr,
		}
		if !dev.LastSeenAt.IsZero() {
			view.LastSeenTS = dev.LastSeenAt.Unix()
		}
		views = append(views, view)
	}
	writeJSON(w, h.logger, map[string]any{"items": views})
}

type capabilityView struct {
	Slug    string         `json:"slug"`
	Kind    string         `json:"kind"`
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	State   map[string]any `json:"state"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	serial, ok := strings.CutSuffix(rest, "/state")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	dev, err := h.devices.Lookup(r.Context(), serial)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		h.logger.Printf("api: lookup %s: %v", serial, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	caps, err := h.devices.Capabilities(r.Context(), dev.ID)
	if err != nil {
		h.logger.Printf("api: capabilities %s: %v", serial, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pending, err := h.queue.HasLivePending(r.Context(), dev.ID)
	if err != nil {
		h.logger.Printf("api: pending %s: %v", serial, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	views := make([]capabilityView, 0, len(caps))
	for _, c := range caps {
		state := c.CachedState
		if state == nil {
			state = map[string]any{}
		}
		views = append(views, capabilityView{
			Slug:    c.Slug,
			Kind:    c.Kind,
			Name:    c.Name,
			Enabled: c.Enabled,
			State:   state,
		})
	}
	writeJSON(w, h.logger, map[string]any{
		"serial":    dev.Serial,
		"online":    dev.Online(now, h.devices.OnlineWindow()),
		"pending":   pending,
		"caps":      views,
		"server_ts": now.Unix(),
	})
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Printf("api: encode response: %v", err)
	}
}
