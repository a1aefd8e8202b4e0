package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	applogger "AirCast/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

// ProducerConfig mirrors the kafka.Writer knobs the service exposes. Zero values take the
// defaults of NewProducer.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int // -1 waits for all in-sync replicas
	Compression  string
	MaxAttempts  int
	BatchSize    int
	BatchBytes   int64
	Linger       time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	Async        bool
	Registerer   prometheus.Registerer
}

// writer is the part of *kafka.Writer the producer and the consumer DLQ use.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON values keyed for per-key ordering.
type Producer struct {
	w       writer
	metrics *producerMetrics
	log     *applogger.Logger
}

var _ applogger.Publisher = (*Producer)(nil)

var compressions = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

func NewProducer(cfg ProducerConfig, log *applogger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer: no brokers")
	}
	comp, ok := compressions[cfg.Compression]
	if !ok && cfg.Compression != "" {
		return nil, fmt.Errorf("kafka producer: unknown compression %q", cfg.Compression)
	}
	if cfg.Compression == "" {
		comp = kafka.Gzip
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            comp,
		MaxAttempts:            orDefault(cfg.MaxAttempts, 3),
		BatchSize:              orDefault(cfg.BatchSize, 100),
		BatchBytes:             orDefault(cfg.BatchBytes, 1<<20),
		BatchTimeout:           orDefault(cfg.Linger, 50*time.Millisecond),
		WriteTimeout:           orDefault(cfg.WriteTimeout, 10*time.Second),
		ReadTimeout:            orDefault(cfg.ReadTimeout, 10*time.Second),
		Async:                  cfg.Async,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, cfg.Registerer, log), nil
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func newProducer(w writer, reg prometheus.Registerer, log *applogger.Logger) *Producer {
	if log == nil {
		log = applogger.NewNop()
	}
	return &Producer{w: w, metrics: newProducerMetrics(reg), log: log.Component("kafka_producer")}
}

func encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return json.Marshal(v)
}

// Publish writes value to topic. Messages with the same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...kafka.Header) error {
	b, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	start := time.Now()
	err = p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: b, Headers: headers, Time: start})
	p.metrics.observe(topic, 1, int64(len(b)), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishMessage publishes without a key; the log collector ships its batches through it.
func (p *Producer) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.Publish(ctx, topic, nil, payload)
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	if err := p.w.Close(); err != nil {
		p.log.Error("close writer", applogger.Error(err))
		return err
	}
	return nil
}
