// Package redis publishes signal plan events to a Redis Stream so
// downstream consumers (variable message signs, dashboards) can follow
// the controller's decisions without polling the audit database.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/argisarris/rampctl/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// EventPublisher is the sink for per-tick signal plan events.
type EventPublisher interface {
	PublishJSON(ctx context.Context, stream string, payload any) error
	Close() error
}

// Stream publishes events to Redis Streams via XADD.
type Stream struct {
	client *redis.Client
	maxLen int64
}

var _ EventPublisher = (*Stream)(nil)

// NewStream connects to Redis. maxLen caps each stream's length with
// approximate trimming; zero means unbounded.
func NewStream(url string, maxLen int64) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client, maxLen: maxLen}, nil
}

func (s *Stream) PublishJSON(ctx context.Context, stream string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": string(body)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	metrics.SignalEventsPublished.Inc()
	return nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

// InMemoryPublisher collects published events in memory. Used in tests
// and when no Redis URL is configured.
type InMemoryPublisher struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

var _ EventPublisher = (*InMemoryPublisher)(nil)

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{events: make(map[string][]json.RawMessage)}
}

func (p *InMemoryPublisher) PublishJSON(_ context.Context, stream string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[stream] = append(p.events[stream], json.RawMessage(body))
	return nil
}

// Events returns the payloads published to stream so far.
func (p *InMemoryPublisher) Events(stream string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]json.RawMessage, len(p.events[stream]))
	copy(out, p.events[stream])
	return out
}

func (p *InMemoryPublisher) Close() error { return nil }
