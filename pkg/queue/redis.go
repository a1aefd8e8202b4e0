package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"AirCast/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the queue lists and retry set.
const DefaultKeyPrefix = "aircast:queue"

const (
	popTimeout    = time.Second
	retryInterval = time.Second
	maxRetryDelay = 5 * time.Minute
)

// RedisQueue is a list-backed work queue shared by every replica. A worker moves a message
// onto its consumer's processing list while the job runs, so messages held by a crashed
// replica go back on the queue when that consumer starts again. Failed messages wait in a
// sorted set with exponential backoff and land on a dead letter list after RetryLimit
// attempts.
type RedisQueue struct {
	logger     *logger.Logger
	config     *QueueConfig
	client     *redis.Client
	keyPrefix  string
	consumerID string

	mu        sync.RWMutex
	jobs      map[string]Job
	isRunning bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ Queue = (*RedisQueue)(nil)

// wireMessage is the stored form of a Message; the payload stays raw until a job parses it.
type wireMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithConsumerID names the processing list of this process. It must be stable across
// restarts of the same replica; the host name is used by default.
func WithConsumerID(id string) RedisQueueOption {
	return func(r *RedisQueue) {
		if id != "" {
			r.consumerID = id
		}
	}
}

// NewRedisQueue creates a queue on client. Call RegisterJob for every message type, then Start.
func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if config == nil {
		config = &QueueConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	if lgr == nil {
		lgr = logger.NewNop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	r := &RedisQueue{
		logger:     lgr,
		config:     config,
		client:     client,
		keyPrefix:  DefaultKeyPrefix,
		consumerID: host,
		jobs:       make(map[string]Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterJob routes messages of job.Type() to job.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Type()]; exists {
		r.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.logger.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("type", job.Type()))
}

// Start checks the connection, requeues messages this consumer left in flight and launches
// the workers and the retry mover.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	n, err := r.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight messages: %w", err)
	}
	if n > 0 {
		r.logger.Warn("requeued in-flight messages", logger.Int("count", n), logger.String("consumer", r.consumerID))
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.isRunning = true
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retryMover()

	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("addr", r.client.Options().Addr),
		logger.String("consumer", r.consumerID))
	return nil
}

func (r *RedisQueue) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.client.LMove(ctx, r.processingKey(), r.queueKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Stop cancels running jobs and waits for the workers.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.logger.Info("redis queue stopped gracefully")
		return nil
	}
}

// Enqueue pushes a message for a registered job type.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.isRunning
	_, known := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return fmt.Errorf("queue not running")
	}
	if !known {
		return fmt.Errorf("no job registered for type: %s", msgType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now()
	data, err := json.Marshal(wireMessage{
		ID:        strconv.FormatInt(now.UnixNano(), 36),
		Type:      msgType,
		Payload:   raw,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// PublishMessage is Enqueue under the Publisher name.
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return r.Enqueue(ctx, msgType, payload)
}

// DeadLetterCount reports how many messages sit on the dead letter list.
func (r *RedisQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.deadLetterKey()).Result()
}

// Depth reports the number of messages waiting to be picked up.
func (r *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.queueKey()).Result()
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.logger.Debug("queue worker started", logger.Int("worker_id", id))

	for r.ctx.Err() == nil {
		raw, err := r.client.BLMove(r.ctx, r.queueKey(), r.processingKey(), "RIGHT", "LEFT", popTimeout).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case r.ctx.Err() != nil:
			return
		case err != nil:
			r.logger.Error("blmove error", logger.Error(err))
			r.sleep(time.Second)
			continue
		}
		r.handle(raw)
	}
}

func (r *RedisQueue) handle(raw string) {
	// The processing list entry is removed even when the job was cancelled: a cancelled job
	// has already recorded its own outcome.
	defer func() {
		if err := r.client.LRem(context.Background(), r.processingKey(), 1, raw).Err(); err != nil {
			r.logger.Error("lrem processing", logger.Error(err))
		}
	}()

	var msg wireMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.logger.Error("unmarshal message", logger.Error(err))
		r.deadLetter(raw)
		return
	}

	r.mu.RLock()
	job, exists := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !exists {
		r.logger.Error("no job found", logger.String("type", msg.Type), logger.String("id", msg.ID))
		r.deadLetter(raw)
		return
	}

	start := time.Now()
	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Warn("message cancelled",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Int64("elapsed_ms", time.Since(start).Milliseconds()))
		return
	}

	r.logger.Error("message processing error",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))

	if msg.Attempts >= r.config.RetryLimit {
		r.logger.Error("max retries reached", logger.String("id", msg.ID), logger.String("job", job.Name()))
		r.deadLetter(raw)
		return
	}
	msg.Attempts++
	r.scheduleRetry(msg, time.Now().Add(backoff(r.config.RetryDelay, msg.Attempts)))
}

// backoff doubles base per attempt, capped at maxRetryDelay.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

func (r *RedisQueue) scheduleRetry(msg wireMessage, due time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal retry", logger.Error(err))
		return
	}
	err = r.client.ZAdd(context.Background(), r.retryKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		r.logger.Error("zadd retry", logger.Error(err))
		return
	}
	r.logger.Info("scheduled retry",
		logger.String("id", msg.ID),
		logger.Int("attempt", msg.Attempts),
		logger.Time("retry_at", due))
}

func (r *RedisQueue) deadLetter(raw string) {
	if err := r.client.LPush(context.Background(), r.deadLetterKey(), raw).Err(); err != nil {
		r.logger.Error("lpush dlq", logger.Error(err))
	}
}

func (r *RedisQueue) retryMover() {
	defer r.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.moveDueRetries()
		}
	}
}

// moveDueRetries pushes due messages back onto the queue. Only the replica whose ZREM
// succeeds pushes a message, so concurrent movers never duplicate one.
func (r *RedisQueue) moveDueRetries() {
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("fetch retry messages", logger.Error(err))
		}
		return
	}

	for _, member := range due {
		removed, err := r.client.ZRem(r.ctx, r.retryKey(), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := r.client.LPush(r.ctx, r.queueKey(), member).Err(); err != nil {
			r.logger.Error("move retry to queue", logger.Error(err))
			// Put it back so the next tick tries again.
			_ = r.client.ZAdd(context.Background(), r.retryKey(), redis.Z{Score: 0, Member: member}).Err()
		}
	}
}

func (r *RedisQueue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
}

func (r *RedisQueue) queueKey() string      { return r.keyPrefix + ":messages" }
func (r *RedisQueue) retryKey() string      { return r.keyPrefix + ":retry" }
func (r *RedisQueue) deadLetterKey() string { return r.keyPrefix + ":dlq" }
func (r *RedisQueue) processingKey() string { return r.keyPrefix + ":processing:" + r.consumerID }
