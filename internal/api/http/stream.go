package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	commandsevents "homepi-cloud/internal/commands/application/events"
	devevents "homepi-cloud/internal/devices/application/events"
	"homepi-cloud/internal/eventing"
	schedulesevents "homepi-cloud/internal/schedules/application/events"
)

type streamFrame struct {
	event   string
	payload []byte
}

// SSEBroker fans out control plane events to connected clients.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan streamFrame]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan streamFrame]struct{})}
}

// Bind subscribes the broker to the event types worth surfacing live.
func (b *SSEBroker) Bind(bus eventing.EventBus) {
	if b == nil || bus == nil {
		return
	}
	eventing.On(bus, func(_ context.Context, event devevents.DeviceOnline) error {
		b.publish("device_online", event)
		return nil
	})
	eventing.On(bus, func(_ context.Context, event devevents.DeviceAddressChanged) error {
		b.publish("device_address_changed", event)
		return nil
	})
	eventing.On(bus, func(_ context.Context, event devevents.CapabilityStateChanged) error {
		b.publish("state_changed", event)
		return nil
	})
	eventing.On(bus, func(_ context.Context, event commandsevents.CommandEnqueued) error {
		b.publish("command_enqueued", event)
		return nil
	})
	eventing.On(bus, func(_ context.Context, event commandsevents.CommandCompleted) error {
		b.publish("command_completed", event)
		return nil
	})
	eventing.On(bus, func(_ context.Context, event schedulesevents.ScheduleResolved) error {
		b.publish("schedule_resolved", event)
		return nil
	})
}

func (b *SSEBroker) publish(name string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.broadcast(streamFrame{event: name, payload: payload})
}

// Subscribe registers a new client channel.
func (b *SSEBroker) Subscribe() chan streamFrame {
	if b == nil {
		return nil
	}
	ch := make(chan streamFrame, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a client channel. The close happens
// under the same lock broadcast sends under, so a publisher can never
// hit a closed channel.
func (b *SSEBroker) Unsubscribe(ch chan streamFrame) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

func (b *SSEBroker) broadcast(frame streamFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		// Non-blocking: a slow reader drops frames instead of
		// stalling the publisher.
		select {
		case ch <- frame:
		default:
		}
	}
}

// StreamHandler serves the SSE event stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/events/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.Subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + frame.event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(frame.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
