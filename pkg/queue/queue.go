// Package queue runs background jobs with retries and a dead letter list, either in process
// or on Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher is the producing half of a Queue.
type Publisher interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// Queue is implemented by RedisQueue and MemoryQueue. Jobs must be registered before Start.
type Queue interface {
	Publisher
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
	RegisterJob(job Job)
	Start() error
	Stop(ctx context.Context) error
}

// Job consumes the messages of one type. A returned error schedules a retry unless it wraps
// context.Canceled.
type Job interface {
	Name() string
	Type() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

type QueueConfig struct {
	Workers    int
	QueueSize  int           // in-process buffer only
	RetryLimit int           // retries after the first attempt
	RetryDelay time.Duration // first retry delay, doubled per attempt
}

// Message is one delivery. Payload is the JSON encoding of what was enqueued.
type Message struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	Timestamp time.Time
}

// ParsePayload decodes a message payload into T.
func ParsePayload[T any](payload json.RawMessage) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode %T payload: %w", *v, err)
	}
	return v, nil
}
