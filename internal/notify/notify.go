// Package notify delivers ledger events to downstream observers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel for ledger events.
const DefaultChannel = "ar.events"

// Envelope wraps an event for transport.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(event string, payload any, at time.Time) (Envelope, error) {
	if event == "" {
		return Envelope{}, errors.New("notify: event name required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("notify: marshal %s payload: %w", event, err)
	}
	return Envelope{ID: uuid.New(), Event: event, Payload: raw, OccurredAt: at.UTC()}, nil
}

// Publisher matches the ledger notification gateway.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// RedisPublisher publishes envelopes on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedisPublisher constructs a RedisPublisher. An empty channel uses DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

// Publish wraps payload in an envelope and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload, p.now())
	if err != nil {
		return err
	}
	return p.Deliver(ctx, env)
}

// Deliver publishes a prepared envelope, keeping its id.
func (p *RedisPublisher) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", env.Event, err)
	}
	return nil
}

// LogPublisher writes events through slog.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs the event and its payload.
func (p LogPublisher) Publish(ctx context.Context, event string, payload any) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "ledger event", slog.String("event", event), slog.Any("payload", payload))
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

// Publish delivers to all publishers even when some fail.
func (f Fanout) Publish(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
