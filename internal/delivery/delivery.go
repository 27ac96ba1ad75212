// Package delivery is the out-of-band result channel: async CLI jobs and
// the occasional synchronous file handoff enqueue delivery requests here,
// and the outer messaging layer drains them. Backed by Redis so pending
// deliveries survive restarts.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/normanking/relay/internal/logging"
)

// Request is one delivery to a conversation on an external platform.
type Request struct {
	DeliveryID string    `json:"deliveryId"`
	AccountID  string    `json:"accountId"`
	Recipient  string    `json:"recipient"`
	Platform   string    `json:"platform"`
	Content    string    `json:"content,omitempty"`
	MediaPath  string    `json:"mediaPath,omitempty"`
	Caption    string    `json:"caption,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Receipt reports what happened to an enqueued request.
type Receipt struct {
	DeliveryID string
	Sent       bool
	Queued     bool
}

// Sink accepts delivery requests.
type Sink interface {
	Enqueue(ctx context.Context, req *Request) (*Receipt, error)
}

// queueKey is the Redis list holding pending deliveries.
const queueKey = "relay:deliveries:pending"

// RedisQueue persists delivery requests in a Redis list. The outer
// messaging layer pops and sends them; Relay only enqueues.
type RedisQueue struct {
	client *redis.Client
	log    *logging.Logger
}

// NewRedisQueue connects to Redis and verifies connectivity.
func NewRedisQueue(addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisQueue{
		client: client,
		log:    logging.Global().WithComponent("delivery"),
	}, nil
}

// Enqueue implements Sink by pushing the request onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, req *Request) (*Receipt, error) {
	if req.Recipient == "" || req.Platform == "" {
		return nil, fmt.Errorf("delivery request needs recipient and platform")
	}
	if req.DeliveryID == "" {
		req.DeliveryID = uuid.NewString()
	}
	req.EnqueuedAt = time.Now()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery request: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueue delivery: %w", err)
	}
	q.log.Debug("[Delivery] queued %s for %s/%s", req.DeliveryID, req.Platform, req.Recipient)
	return &Receipt{DeliveryID: req.DeliveryID, Queued: true}, nil
}

// Pop removes and returns the oldest pending delivery, or nil when the
// queue is empty. Used by the outer sender loop.
func (q *RedisQueue) Pop(ctx context.Context) (*Request, error) {
	payload, err := q.client.RPop(ctx, queueKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop delivery: %w", err)
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("parse delivery request: %w", err)
	}
	return &req, nil
}

// PendingCount returns the number of queued deliveries.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemorySink records deliveries in memory. Used when Redis is not
// configured and in tests; deliveries do not survive restarts.
type MemorySink struct {
	mu       sync.Mutex
	requests []*Request
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Enqueue implements Sink.
func (m *MemorySink) Enqueue(ctx context.Context, req *Request) (*Receipt, error) {
	if req.Recipient == "" || req.Platform == "" {
		return nil, fmt.Errorf("delivery request needs recipient and platform")
	}
	if req.DeliveryID == "" {
		req.DeliveryID = uuid.NewString()
	}
	req.EnqueuedAt = time.Now()

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return &Receipt{DeliveryID: req.DeliveryID, Sent: true}, nil
}

// Requests returns a copy of everything enqueued.
func (m *MemorySink) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}
