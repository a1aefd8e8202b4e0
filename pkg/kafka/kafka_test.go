package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves queued messages, then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queued    chan kafka.Message
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queued: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.queued <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queued:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) Close() error { return nil }

type countingHandler struct {
	mu    sync.Mutex
	topic string
	fail  int
	panic bool
	calls int
	seen  []string
}

func (h *countingHandler) Topic() string { return h.topic }

func (h *countingHandler) Handle(ctx context.Context, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.seen = append(h.seen, TraceID(ctx))
	if h.panic {
		panic("boom")
	}
	if h.calls <= h.fail {
		return errors.New("transient")
	}
	return nil
}

func TestProducerPublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, prometheus.NewRegistry(), nil)

	err := p.Publish(context.Background(), "aircast.jobs", []byte("job-1"), map[string]string{"status": "Completed"}, TraceHeaderFor("evt-1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.PublishMessage(context.Background(), "aircast.logs", "raw"); err != nil {
		t.Fatalf("publish message: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages=%d", len(w.msgs))
	}
	var body map[string]string
	if err := json.Unmarshal(w.msgs[0].Value, &body); err != nil || body["status"] != "Completed" {
		t.Fatalf("value=%s err=%v", w.msgs[0].Value, err)
	}
	if ExtractTraceID(w.msgs[0]) != "evt-1" || string(w.msgs[1].Value) != "raw" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), "aircast.jobs", nil, "x"); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestNewProducerRejectsUnknownCompression(t *testing.T) {
	if _, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Compression: "brotli"}, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewProducer(ProducerConfig{}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func testConsumer(h *countingHandler, retries int, dlq *fakeWriter) (*Consumer, *fakeReader) {
	c := newConsumer(ConsumerConfig{
		RetryMax:   retries,
		BackoffMin: time.Millisecond,
		BackoffMax: time.Millisecond,
		Registerer: prometheus.NewRegistry(),
	}, nil)
	if dlq != nil {
		c.cfg.DLQTopic = "aircast.jobs.dlq"
		c.dlq = dlq
	}
	c.Use(Recover(), Trace())
	c.RegisterHandler(h)
	r := newFakeReader()
	c.readers[h.topic] = r
	return c, r
}

func TestConsumerRetriesThenCommits(t *testing.T) {
	h := &countingHandler{topic: "aircast.jobs", fail: 2}
	c, r := testConsumer(h, 3, nil)

	c.process(kafka.Message{Topic: "aircast.jobs", Value: []byte("{}"), Headers: []kafka.Header{TraceHeaderFor("t-9")}})

	if h.calls != 3 {
		t.Fatalf("calls=%d want 3", h.calls)
	}
	if h.seen[2] != "t-9" {
		t.Fatalf("trace id not propagated: %v", h.seen)
	}
	if r.commits() != 1 {
		t.Fatalf("commits=%d", r.commits())
	}
}

func TestConsumerSendsPoisonToDLQ(t *testing.T) {
	h := &countingHandler{topic: "aircast.jobs", panic: true}
	dlq := &fakeWriter{}
	c, r := testConsumer(h, 1, dlq)

	c.process(kafka.Message{Topic: "aircast.jobs", Key: []byte("k"), Value: []byte("bad")})

	if h.calls != 2 {
		t.Fatalf("calls=%d want 2", h.calls)
	}
	if len(dlq.msgs) != 1 || string(dlq.msgs[0].Value) != "bad" || dlq.msgs[0].Topic != "aircast.jobs.dlq" {
		t.Fatalf("dlq=%+v", dlq.msgs)
	}
	if r.commits() != 1 {
		t.Fatalf("poison message should be committed after dlq")
	}
}

func TestConsumerNoCommitWithoutDLQ(t *testing.T) {
	h := &countingHandler{topic: "aircast.jobs", fail: 100}
	c, r := testConsumer(h, 0, nil)
	c.process(kafka.Message{Topic: "aircast.jobs", Value: []byte("bad")})
	if r.commits() != 0 {
		t.Fatalf("failed message without dlq must not be committed")
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 40; attempt++ {
		d := backoff(10*time.Millisecond, 80*time.Millisecond, attempt)
		if d <= 0 || d > 80*time.Millisecond {
			t.Fatalf("attempt %d: %v out of bounds", attempt, d)
		}
	}
}

func TestConsumerDeliversAndStops(t *testing.T) {
	h := &countingHandler{topic: "aircast.jobs"}
	c, _ := testConsumer(h, 0, nil)
	c.lanes = append(c.lanes, make(chan kafka.Message, 1))
	r := newFakeReader(
		kafka.Message{Topic: "aircast.jobs", Partition: 0, Value: []byte("{}")},
		kafka.Message{Topic: "aircast.jobs", Partition: 1, Value: []byte("{}")},
	)
	c.readers[h.topic] = r
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.commits() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("commits=%d", r.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
