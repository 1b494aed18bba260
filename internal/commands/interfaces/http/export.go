package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	commandsapp "homepi-cloud/internal/commands/application"
	"homepi-cloud/internal/commands/interfaces"
	"homepi-cloud/internal/observability/metrics"
)

// ExportHandler serves command history downloads.
type ExportHandler struct {
	queue *commandsapp.Queue
}

// NewExportHandler constructs an export handler.
func NewExportHandler(queue *commandsapp.Queue) (*ExportHandler, error) {
	if queue == nil {
		return nil, errors.New("commands export: nil queue")
	}
	return &ExportHandler{queue: queue}, nil
}

// ServeHTTP handles GET /api/v1/commands/export.{xlsx,pdf}.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := ""
	switch {
	case strings.HasSuffix(r.URL.Path, ".xlsx"):
		format = "xlsx"
	case strings.HasSuffix(r.URL.Path, ".pdf"):
		format = "pdf"
	default:
		http.Error(w, "unknown export format", http.StatusNotFound)
		return
	}
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "serial required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	start := time.Now()
	history, err := h.queue.History(r.Context(), serial, limit)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		respondQueueError(w, err)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "xlsx":
		body, err = interfaces.BuildHistoryXLSX(serial, history)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		body, err = interfaces.BuildHistoryPDF(serial, history)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=commands-%s.%s", serial, format))
	_, _ = w.Write(body)
}
