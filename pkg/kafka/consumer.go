package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	applogger "AirCast/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

// MessageHandler handles the messages of one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, value []byte) error
}

// ConsumerConfig configures a Consumer. Zero values take the defaults of NewConsumer.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Workers    int
	BufferSize int // per worker
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	DLQTopic   string // failed messages are committed only when this is set
	MinBytes   int
	MaxBytes   int
	Registerer prometheus.Registerer
}

// reader is the part of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads every registered topic in one consumer group. A message goes to the worker
// chosen by its partition, so each partition is handled in order.
type Consumer struct {
	cfg      ConsumerConfig
	log      *applogger.Logger
	metrics  *consumerMetrics
	handlers map[string]HandlerFunc
	mws      []Middleware
	readers  map[string]reader
	dlq      writer
	lanes    []chan kafka.Message

	open   func(topic string) reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewConsumer(cfg ConsumerConfig, log *applogger.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers")
	}
	cfg.GroupID = orString(cfg.GroupID, "aircast")
	cfg.MinBytes = orDefault(cfg.MinBytes, 1)
	cfg.MaxBytes = orDefault(cfg.MaxBytes, 10e6)

	c := newConsumer(cfg, log)
	c.open = func(topic string) reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}, AllowAutoTopicCreation: true}
	}
	return c, nil
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newConsumer(cfg ConsumerConfig, log *applogger.Logger) *Consumer {
	cfg.Workers = orDefault(cfg.Workers, 1)
	cfg.BufferSize = orDefault(cfg.BufferSize, 16)
	cfg.BackoffMin = orDefault(cfg.BackoffMin, 50*time.Millisecond)
	cfg.BackoffMax = orDefault(cfg.BackoffMax, 2*time.Second)
	if log == nil {
		log = applogger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:      cfg,
		log:      log.Component("kafka_consumer"),
		metrics:  newConsumerMetrics(cfg.Registerer),
		handlers: make(map[string]HandlerFunc),
		readers:  make(map[string]reader),
		lanes:    make([]chan kafka.Message, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range c.lanes {
		c.lanes[i] = make(chan kafka.Message, cfg.BufferSize)
	}
	return c
}

// Use adds middleware around every handler. Call it before RegisterHandler.
func (c *Consumer) Use(mws ...Middleware) {
	c.mws = append(c.mws, mws...)
}

// RegisterHandler subscribes h to its topic. A second handler for a topic is ignored.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	topic := h.Topic()
	if _, dup := c.handlers[topic]; dup {
		c.log.Warn("handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = chain(func(ctx context.Context, msg kafka.Message) error {
		return h.Handle(ctx, msg.Value)
	}, c.mws)
}

// Start opens a reader per topic and the workers. It does not block.
func (c *Consumer) Start() error {
	for topic := range c.handlers {
		if _, ok := c.readers[topic]; !ok {
			c.readers[topic] = c.open(topic)
		}
	}
	for i, lane := range c.lanes {
		c.wg.Add(1)
		go c.work(i, lane)
	}
	for topic, r := range c.readers {
		c.wg.Add(1)
		go c.read(topic, r)
	}
	c.log.Info("started", applogger.Int("workers", len(c.lanes)), applogger.Int("topics", len(c.readers)))
	return nil
}

// Stop cancels reading and in-flight retries, then closes readers. Uncommitted messages are
// redelivered to the group later.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer stop: %w", ctx.Err())
		}
		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Error("close reader", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return err
}

func (c *Consumer) read(topic string, r reader) {
	defer c.wg.Done()
	for {
		msg, err := r.FetchMessage(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("read message", applogger.String("topic", topic), applogger.Error(err))
			if !c.pause(c.cfg.BackoffMin) {
				return
			}
			continue
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}
		lane := msg.Partition % len(c.lanes)
		select {
		case c.lanes[lane] <- msg:
			c.metrics.backlog.WithLabelValues(strconv.Itoa(lane)).Set(float64(len(c.lanes[lane])))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(id int, lane <-chan kafka.Message) {
	defer c.wg.Done()
	label := strconv.Itoa(id)
	for {
		select {
		case msg := <-lane:
			c.process(msg)
			c.metrics.backlog.WithLabelValues(label).Set(float64(len(lane)))
		case <-c.ctx.Done():
			return
		}
	}
}

// process handles msg with retries. The offset is committed on success, or after a failed
// message has been written to the DLQ.
func (c *Consumer) process(msg kafka.Message) {
	handle, ok := c.handlers[msg.Topic]
	if !ok {
		return
	}
	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		if err = handle(c.ctx, msg); err == nil || attempt >= c.cfg.RetryMax {
			break
		}
		if !c.pause(backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return
		}
	}
	defer func() { c.metrics.latency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds()) }()

	switch {
	case err == nil:
		c.metrics.handled.WithLabelValues(msg.Topic, "ok").Inc()
	case c.dlq == nil:
		c.metrics.handled.WithLabelValues(msg.Topic, "error").Inc()
		c.log.Error("handle message failed", applogger.String("topic", msg.Topic),
			applogger.Int64("offset", msg.Offset), applogger.Error(err))
		return
	default:
		c.metrics.handled.WithLabelValues(msg.Topic, "dlq").Inc()
		c.log.Error("handle message failed, sending to dlq", applogger.String("topic", msg.Topic),
			applogger.Int64("offset", msg.Offset), applogger.Error(err))
		dead := kafka.Message{
			Topic:   c.cfg.DLQTopic,
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: append(msg.Headers, kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)}),
			Time:    time.Now(),
		}
		if derr := c.dlq.WriteMessages(context.Background(), dead); derr != nil {
			c.log.Error("write dlq", applogger.Error(derr))
			return
		}
	}
	c.commit(msg)
}

func (c *Consumer) commit(msg kafka.Message) {
	r := c.readers[msg.Topic]
	if r == nil {
		return
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoff(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("commit failed", applogger.String("topic", msg.Topic), applogger.Error(err))
}

// pause sleeps for d and reports false if the consumer stopped meanwhile.
func (c *Consumer) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// backoff doubles lo per attempt up to hi and subtracts up to half as jitter.
func backoff(lo, hi time.Duration, attempt int) time.Duration {
	d := hi
	if attempt < 30 {
		if exp := lo << attempt; exp > 0 && exp < hi {
			d = exp
		}
	}
	if half := int64(d / 2); half > 0 {
		d -= time.Duration(rand.Int64N(half))
	}
	return d
}
