package repository

import (
	"context"
	"errors"
	"sync"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	pkgkafka "AirCast/pkg/kafka"
	applogger "AirCast/pkg/logger"
)

// KafkaEventPublisher publishes job events to a Kafka topic keyed by resource name. The
// event ID travels as the trace header so consumers can correlate retries.
type KafkaEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)

func NewKafkaEventPublisher(producer *pkgkafka.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, evt models.JobEvent) error {
	key := []byte(string(evt.Kind) + "/" + evt.Name)
	return p.producer.Publish(ctx, p.topic, key, evt, pkgkafka.TraceHeaderFor(evt.ID))
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// HistoryPublisher writes events straight into a HistoryStore. Local mode uses it in place
// of the Kafka round trip.
type HistoryPublisher struct {
	store domrepo.HistoryStore
}

var _ domrepo.EventPublisher = (*HistoryPublisher)(nil)

func NewHistoryPublisher(store domrepo.HistoryStore) *HistoryPublisher {
	return &HistoryPublisher{store: store}
}

func (p *HistoryPublisher) Publish(ctx context.Context, evt models.JobEvent) error {
	return p.store.Insert(ctx, evt)
}

func (p *HistoryPublisher) Close() error { return nil }

// EventHub fans events out to downstream publishers and to in-process subscribers such as
// websocket watchers. Slow subscribers miss events rather than block publishers.
type EventHub struct {
	next []domrepo.EventPublisher
	l    *applogger.Logger

	mu   sync.RWMutex
	subs map[string]map[chan models.JobEvent]struct{}
}

var _ domrepo.EventPublisher = (*EventHub)(nil)

func NewEventHub(l *applogger.Logger, next ...domrepo.EventPublisher) *EventHub {
	if l == nil {
		l = applogger.NewNop()
	}
	return &EventHub{
		next: next,
		l:    l.Component("event_hub"),
		subs: make(map[string]map[chan models.JobEvent]struct{}),
	}
}

func subKey(kind models.ResourceKind, name string) string { return string(kind) + "/" + name }

// Publish forwards evt to every downstream publisher and notifies subscribers. Downstream
// errors are joined; subscribers are notified regardless.
func (h *EventHub) Publish(ctx context.Context, evt models.JobEvent) error {
	var errs []error
	for _, p := range h.next {
		if err := p.Publish(ctx, evt); err != nil {
			h.l.Error("publish event",
				applogger.String("kind", string(evt.Kind)),
				applogger.String("name", evt.Name),
				applogger.String("type", evt.Type),
				applogger.Error(err),
			)
			errs = append(errs, err)
		}
	}

	h.mu.RLock()
	for ch := range h.subs[subKey(evt.Kind, evt.Name)] {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.RUnlock()

	return errors.Join(errs...)
}

// Subscribe returns a channel of events for one resource and a cancel func that must be
// called to release it.
func (h *EventHub) Subscribe(kind models.ResourceKind, name string) (<-chan models.JobEvent, func()) {
	ch := make(chan models.JobEvent, 8)
	key := subKey(kind, name)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan models.JobEvent]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], ch)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Close() error {
	var errs []error
	for _, p := range h.next {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
