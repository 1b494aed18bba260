package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSChannel publishes notification content to a NATS subject so other
// services can fan it out. Core publish only, fire and forget.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel connects to NATS and returns a channel.
func NewNATSChannel(url, subject, name string) (*NATSChannel, error) {
	if url == "" {
		return nil, errors.New("nats channel: empty url")
	}
	if subject == "" {
		return nil, errors.New("nats channel: empty subject")
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

// Send publishes the content.
func (c *NATSChannel) Send(_ context.Context, content string) error {
	if c == nil || c.conn == nil {
		return errors.New("nats channel: not connected")
	}
	return c.conn.Publish(c.subject, []byte(content))
}

// Close drains the connection.
func (c *NATSChannel) Close() {
	if c != nil && c.conn != nil {
		c.conn.Close()
	}
}
