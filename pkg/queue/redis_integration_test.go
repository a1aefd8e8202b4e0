//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	cli := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func stopRedisQueue(t *testing.T, q *RedisQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRedisQueueRetriesThenDelivers(t *testing.T) {
	cli := startRedis(t)
	q := NewRedisQueue(nil, &QueueConfig{Workers: 2, RetryLimit: 2, RetryDelay: 10 * time.Millisecond}, cli,
		WithKeyPrefix("test:retry"), WithConsumerID("w1"))
	done := make(chan struct{})
	job := &recordingJob{fail: 1, done: done}
	q.RegisterJob(job)
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopRedisQueue(t, q)

	if err := q.Enqueue(context.Background(), "fit", fitPayload{Name: "aq-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("message not delivered after retry")
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.calls != 2 || len(job.names) != 1 || job.names[0] != "aq-1" {
		t.Fatalf("calls=%d names=%v", job.calls, job.names)
	}
}

func TestRedisQueueRecoversInFlight(t *testing.T) {
	cli := startRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(nil, &QueueConfig{Workers: 1}, cli, WithKeyPrefix("test:recover"), WithConsumerID("w1"))
	done := make(chan struct{})
	q.RegisterJob(&recordingJob{done: done})

	// A message left on the processing list by a crashed run of the same consumer.
	orphan := `{"id":"x","type":"fit","payload":{"name":"orphan"},"attempts":0}`
	if err := cli.LPush(ctx, q.processingKey(), orphan).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopRedisQueue(t, q)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("orphaned message not recovered")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := cli.LLen(ctx, q.processingKey()).Result()
		if err == nil && n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("processing list len=%d err=%v", n, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
