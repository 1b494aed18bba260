package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the control plane rejects the token.
var ErrUnauthorized = errors.New("transport: unauthorized")

// ErrUnknownDevice is returned when the serial is not registered.
var ErrUnknownDevice = errors.New("transport: unknown device")

// Command is a claimed command as delivered on the wire.
type Command struct {
	Name    string          `json:"cmd"`
	ReqID   string          `json:"req_id"`
	Payload json.RawMessage `json:"payload"`
}

// ScheduleEntry is an upcoming schedule as delivered on the wire.
type ScheduleEntry struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// RunAt converts the epoch timestamp.
func (e ScheduleEntry) RunAt() time.Time { return time.Unix(e.TS, 0).UTC() }

// HeartbeatResponse is the pong reply.
type HeartbeatResponse struct {
	Status     string `json:"status"`
	IP         string `json:"ip"`
	CapsSynced int    `json:"caps_synced"`
}

// CapabilityDecl mirrors the declaration the control plane stores.
type CapabilityDecl struct {
	Slug    string          `json:"slug"`
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config,omitempty"`
	Order   int             `json:"order"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// Client speaks the device protocol over outbound HTTP. One client per
// agent; every call carries the serial and token.
type Client struct {
	baseURL string
	serial  string
	token   string
	maxWait time.Duration
	client  *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient swaps the HTTP client. The claim call still overrides
// the timeout so a long poll is never cut short.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMaxWait sets the claim long-poll duration.
func WithMaxWait(maxWait time.Duration) Option {
	return func(c *Client) {
		if maxWait > 0 {
			c.maxWait = maxWait
		}
	}
}

// NewClient constructs a client.
func NewClient(baseURL, serial, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("transport: empty base url")
	}
	if serial == "" || token == "" {
		return nil, errors.New("transport: serial and token required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		serial:  serial,
		token:   token,
		maxWait: 20 * time.Second,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Heartbeat reports liveness. Caps and state are optional and omitted
// when nil.
func (c *Client) Heartbeat(ctx context.Context, caps []CapabilityDecl, state map[string]map[string]any) (HeartbeatResponse, error) {
	body := map[string]any{
		"serial_number": c.serial,
		"token":         c.token,
	}
	if caps != nil {
		body["caps"] = caps
	}
	if state != nil {
		body["state"] = state
	}
	var resp HeartbeatResponse
	if _, err := c.doJSON(ctx, "/api/device/heartbeat", body, &resp, 0); err != nil {
		return HeartbeatResponse{}, err
	}
	return resp, nil
}

// Claim long-polls for the next command. A nil command means the wait
// elapsed with nothing to do.
func (c *Client) Claim(ctx context.Context) (*Command, error) {
	body := map[string]any{
		"serial_number": c.serial,
		"token":         c.token,
		"max_wait":      int(c.maxWait.Seconds()),
	}
	var cmd Command
	// The server holds the connection up to max_wait; give it slack.
	status, err := c.doJSON(ctx, "/api/device/claim", body, &cmd, c.maxWait+10*time.Second)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &cmd, nil
}

// Ack reports a command outcome, optionally attaching a state delta.
func (c *Client) Ack(ctx context.Context, reqID string, ok bool, errMsg string, state map[string]map[string]any) error {
	if reqID == "" {
		return errors.New("transport: req_id required")
	}
	body := map[string]any{
		"serial_number": c.serial,
		"token":         c.token,
		"req_id":        reqID,
		"ok":            ok,
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	if state != nil {
		body["state"] = state
	}
	_, err := c.doJSON(ctx, "/api/device/ack", body, nil, 0)
	return err
}

// FetchSchedules returns the upcoming schedule entries.
func (c *Client) FetchSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	body := map[string]any{
		"serial_number": c.serial,
		"token":         c.token,
	}
	var resp struct {
		Items []ScheduleEntry `json:"items"`
	}
	if _, err := c.doJSON(ctx, "/api/device/schedules", body, &resp, 0); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ScheduleAck reports a schedule outcome.
func (c *Client) ScheduleAck(ctx context.Context, scheduleID string, ok bool, errMsg string) error {
	if scheduleID == "" {
		return errors.New("transport: schedule_id required")
	}
	body := map[string]any{
		"serial_number": c.serial,
		"token":         c.token,
		"schedule_id":   scheduleID,
		"ok":            ok,
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	_, err := c.doJSON(ctx, "/api/device/schedule_ack", body, nil, 0)
	return err
}

func (c *Client) doJSON(ctx context.Context, path string, body any, out any, timeout time.Duration) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.client
	if timeout > 0 {
		longPoll := *c.client
		longPoll.Timeout = timeout
		client = &longPoll
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrUnknownDevice
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("transport: %s http %d", path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}
