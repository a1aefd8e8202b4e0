package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	pkgkafka "AirCast/pkg/kafka"
	applogger "AirCast/pkg/logger"

	"github.com/google/uuid"
)

// emitter stamps and publishes lifecycle events. Publish failures are logged and counted but
// never fail the transition that produced them.
type emitter struct {
	pub     domrepo.EventPublisher
	metrics domrepo.Metrics
	log     *applogger.Logger
	now     func() time.Time
}

func (e emitter) emit(ctx context.Context, kind models.ResourceKind, name, typ, status, msg string, metrics models.Metrics) {
	e.metrics.RecordJob(string(kind), status)
	if e.pub == nil {
		return
	}
	evt := models.JobEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Name:       name,
		Type:       typ,
		Status:     status,
		Message:    msg,
		Metrics:    finiteMetrics(metrics),
		OccurredAt: e.now().UTC(),
	}
	if err := e.pub.Publish(ctx, evt); err != nil {
		e.metrics.RecordError("event_publish")
		e.log.Warn("event publish failed",
			applogger.String("kind", string(kind)),
			applogger.String("name", name),
			applogger.String("type", typ),
			applogger.Error(err),
		)
	}
}

// finiteMetrics drops NaN and Inf values, which JSON cannot carry.
func finiteMetrics(m models.Metrics) models.Metrics {
	if len(m) == 0 {
		return nil
	}
	out := make(models.Metrics, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	return out
}

// JobEventsHandler consumes job events from Kafka and stores them as job history.
type JobEventsHandler struct {
	topic   string
	history domrepo.HistoryStore
	metrics domrepo.Metrics
}

var _ pkgkafka.MessageHandler = (*JobEventsHandler)(nil)

func NewJobEventsHandler(topic string, history domrepo.HistoryStore, metrics domrepo.Metrics) *JobEventsHandler {
	return &JobEventsHandler{topic: topic, history: history, metrics: metrics}
}

func (h *JobEventsHandler) Topic() string { return h.topic }

func (h *JobEventsHandler) Handle(ctx context.Context, b []byte) error {
	var evt models.JobEvent
	if err := json.Unmarshal(b, &evt); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode job event: %w", err)
	}
	if evt.ID == "" {
		evt.ID = pkgkafka.TraceID(ctx)
	}
	if evt.ID == "" || evt.Name == "" {
		h.metrics.RecordError("consumer_invalid")
		return fmt.Errorf("%w: job event without id or name", models.ErrInvalid)
	}
	h.metrics.RecordLatency("event_lag_seconds", time.Since(evt.OccurredAt).Seconds())

	start := time.Now()
	err := h.history.Insert(ctx, evt)
	h.metrics.RecordLatency("history_insert_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	return nil
}

// HistoryService reads stored job events.
type HistoryService struct {
	history domrepo.HistoryStore
}

func NewHistoryService(history domrepo.HistoryStore) *HistoryService {
	return &HistoryService{history: history}
}

func (s *HistoryService) List(ctx context.Context, q models.HistoryQuery) ([]models.JobEvent, error) {
	return s.history.List(ctx, q)
}
