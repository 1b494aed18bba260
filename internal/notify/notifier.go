package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"
)

// Event is one human-facing notification about a device.
type Event struct {
	Type   string
	Serial string
	Text   string
	At     time.Time
}

// Notifier delivers notification events.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Channel delivers rendered content to one sink.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// ChannelNotifier renders events and pushes them through a Channel,
// suppressing repeats inside the cooldown and dedupe windows.
type ChannelNotifier struct {
	channel      Channel
	clock        Clock
	mu           sync.Mutex
	sent         map[string]sendRecord
	cooldown     time.Duration
	dedupeWindow time.Duration
}

// Option configures the notifier.
type Option func(*ChannelNotifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *ChannelNotifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// device and event type.
func WithCooldown(interval time.Duration) Option {
	return func(n *ChannelNotifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *ChannelNotifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewChannelNotifier constructs a notifier over a channel.
func NewChannelNotifier(channel Channel, opts ...Option) (*ChannelNotifier, error) {
	if channel == nil {
		return nil, errNilChannel
	}
	n := &ChannelNotifier{
		channel: channel,
		clock:   systemClock{},
		sent:    make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify sends the event, best effort.
func (n *ChannelNotifier) Notify(ctx context.Context, event Event) {
	if n == nil || event.Text == "" {
		return
	}
	if !n.shouldSend(event) {
		return
	}
	if err := n.channel.Send(ctx, event.Text); err != nil {
		return
	}
	n.markSent(event)
}

func (n *ChannelNotifier) shouldSend(event Event) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := event.Serial + "|" + event.Type
	now := n.clock.Now().UTC()
	hash := hashContent(event.Text)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *ChannelNotifier) markSent(event Event) {
	key := event.Serial + "|" + event.Type
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(event.Text),
	}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
