package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupportedCommand is returned for a command with no handler.
var ErrUnsupportedCommand = errors.New("dispatch: unsupported command")

// Payload is a loosely typed command payload with typed accessors.
type Payload map[string]any

// String returns a string field, empty when absent or mistyped.
func (p Payload) String(key string) string {
	value, _ := p[key].(string)
	return value
}

// Float returns a numeric field.
func (p Payload) Float(key string) (float64, bool) {
	value, ok := p[key].(float64)
	return value, ok
}

// Bool returns a boolean field.
func (p Payload) Bool(key string) bool {
	value, _ := p[key].(bool)
	return value
}

// StateDelta is the per-slug state change a handler reports, attached to
// the acknowledgement so the control plane cache stays fresh.
type StateDelta map[string]map[string]any

// HandlerFunc executes one command. The returned delta may be nil.
type HandlerFunc func(ctx context.Context, payload Payload) (StateDelta, error)

// Table routes command names to handlers. Safe for concurrent dispatch
// from the claim loop, the scheduler and the controller.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a command name, replacing any previous one.
func (t *Table) Register(name string, handler HandlerFunc) {
	if name == "" || handler == nil {
		return
	}
	t.mu.Lock()
	t.handlers[name] = handler
	t.mu.Unlock()
}

// Names lists the registered command names.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch parses the raw payload and executes the named handler. A
// handler panic is caught here and reported as an error so no worker
// loop ever dies on a bad command.
func (t *Table) Dispatch(ctx context.Context, name string, raw json.RawMessage) (delta StateDelta, err error) {
	t.mu.RLock()
	handler, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}

	payload := Payload{}
	if len(raw) > 0 {
		if unmarshalErr := json.Unmarshal(raw, &payload); unmarshalErr != nil {
			return nil, fmt.Errorf("dispatch: invalid payload for %s: %w", name, unmarshalErr)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			delta = nil
			err = fmt.Errorf("dispatch: handler %s panicked: %v", name, r)
		}
	}()
	return handler(ctx, payload)
}
