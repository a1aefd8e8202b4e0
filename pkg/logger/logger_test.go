package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	batches [][]AggregatedLogEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.batches = append(p.batches, payload.([]AggregatedLogEntry))
	return nil
}

func TestWithStampsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.InfoLevel).Component("trainer")
	l.Info("fit done", String("job", "j-1"), Float64("rmse", 1.5))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "trainer" || entry["job"] != "j-1" || entry["rmse"] != 1.5 {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.WarnLevel)
	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn entry")
	}
}

func TestCollectorAggregatesErrors(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{
		TimeInterval:   time.Hour,
		CountThreshold: 100,
		Topic:          "aircast.logs",
		Publisher:      pub,
	})

	for i := 0; i < 3; i++ {
		l.Error("fit failed", String("job", "a"), Error(errors.New("boom")))
	}
	l.Error("fit failed", String("job", "b"))
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.topic != "aircast.logs" {
		t.Fatalf("topic=%q", pub.topic)
	}
	total := 0
	counts := map[string]int{}
	for _, batch := range pub.batches {
		for _, e := range batch {
			total++
			counts[e.Fields["job"].(string)] = e.Count
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 unique entries, got %d", total)
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestCollectorKeepsWarningsApartFromErrors(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub})

	child := l.Component("queue")
	child.Warn("retry scheduled", Int("attempt", 1))
	child.Warn("retry scheduled", Int("attempt", 1))
	child.Error("retry scheduled", Int("attempt", 1))
	l.RemoveCollector()
	l.Error("after close")

	levels := map[string]int{}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, batch := range pub.batches {
		for _, e := range batch {
			levels[e.Level] += e.Count
		}
	}
	if levels["warn"] != 2 || levels["error"] != 1 || len(levels) != 2 {
		t.Fatalf("unexpected levels %v", levels)
	}
}

func TestEntryKeyIgnoresFieldOrder(t *testing.T) {
	a := entryKey("error", "m", map[string]interface{}{"x": 1, "y": "z"}, "c:1")
	b := entryKey("error", "m", map[string]interface{}{"y": "z", "x": 1}, "c:1")
	if a != b {
		t.Fatal("field order changed the key")
	}
	if a == entryKey("warn", "m", map[string]interface{}{"x": 1, "y": "z"}, "c:1") {
		t.Fatal("level not part of the key")
	}
}
