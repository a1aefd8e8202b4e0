package di

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	api "AirCast/internal/handler/api"
	mid "AirCast/internal/middleware"
	domrepo "AirCast/internal/domain/repository"
	internalrepo "AirCast/internal/repository"
	"AirCast/internal/usecase"
	pkgcache "AirCast/pkg/cache"
	pkgch "AirCast/pkg/clickhouse"
	"AirCast/pkg/config"
	pkgkafka "AirCast/pkg/kafka"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/metrics"
	"AirCast/pkg/objectstore"
	"AirCast/pkg/queue"
	"AirCast/pkg/server"
	"AirCast/pkg/sqlite"

	"github.com/redis/go-redis/v9"
)

const initTimeout = 10 * time.Second

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	k := cfg.Kafka
	producer, err := pkgkafka.NewProducer(pkgkafka.ProducerConfig{
		Brokers:      k.Brokers,
		RequiredAcks: k.RequiredAcks,
		Compression:  k.Compression,
		MaxAttempts:  k.Producer.MaxAttempts,
		BatchSize:    k.Producer.BatchSize,
		BatchBytes:   int64(k.Producer.BatchBytes),
		Linger:       k.Producer.Linger,
		WriteTimeout: k.Producer.WriteTimeout,
		ReadTimeout:  k.Producer.ReadTimeout,
		Async:        k.Producer.Async,
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the application logger. With log collection enabled, repeated
// warnings and errors are aggregated and shipped to the logs topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	l = l.With(applogger.String("env", cfg.Environment), applogger.String("mode", cfg.Mode))
	if cfg.Log.Collection.Enabled && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.Collection.Interval,
			CountThreshold: cfg.Log.Collection.Threshold,
			Topic:          cfg.Kafka.LogsTopic,
			Publisher:      producer,
		})
		return l, l.RemoveCollector, nil
	}
	return l, func() {}, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideRedisCache connects to Redis in cloud mode; it returns nil in local mode. The
// underlying client is shared by the job store and the work queue.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, func(), error) {
	if !cfg.IsCloud() {
		return nil, func() {}, nil
	}
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
		pkgcache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		pkgcache.WithRedisPrefix(cfg.Redis.Prefix+":cache"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

func redisClient(rc *pkgcache.RedisCache) *redis.Client {
	if rc == nil {
		return nil
	}
	return rc.Client()
}

// ProvideSQLite opens the local state database. Cloud mode only needs it when ClickHouse is
// disabled and job history falls back to SQLite.
func ProvideSQLite(cfg *config.Config) (*sql.DB, func(), error) {
	if cfg.IsCloud() && cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	db, err := sqlite.Open(ctx, cfg.SQLite.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := sqlite.Migrate(ctx, db, internalrepo.SQLiteSchema()...); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

// ProvideClickHouseClient creates a ClickHouse client with the job history schema, or nil
// when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithAuth(cfg.ClickHouse.Database, cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithPool(10, 5, 0),
		pkgch.WithLimits(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		// History rows are keyed by event id; retried inserts must not duplicate them.
		pkgch.WithSetting("insert_deduplicate", "1"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, internalrepo.ClickHouseHistorySchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideJobStore selects Redis (cloud) or SQLite (local) for jobs and endpoints.
func ProvideJobStore(cfg *config.Config, rc *pkgcache.RedisCache, db *sql.DB, l *applogger.Logger) (domrepo.JobStore, error) {
	if cfg.IsCloud() {
		return internalrepo.NewRedisJobStore(redisClient(rc), cfg.Redis.Prefix, l), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	return internalrepo.NewSQLiteJobStore(ctx, db, l)
}

// ProvideHistoryStore keeps job history in ClickHouse when enabled, otherwise in SQLite.
func ProvideHistoryStore(ch *pkgch.Client, db *sql.DB, l *applogger.Logger) domrepo.HistoryStore {
	if ch != nil {
		return internalrepo.NewCHHistoryStore(ch, l)
	}
	return internalrepo.NewSQLiteHistoryStore(db)
}

// ProvideEventHub routes job events to Kafka when it is enabled (the consumer then writes
// history) or straight into the history store.
func ProvideEventHub(cfg *config.Config, producer *pkgkafka.Producer, history domrepo.HistoryStore, l *applogger.Logger) *internalrepo.EventHub {
	if producer != nil {
		return internalrepo.NewEventHub(l, internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventsTopic))
	}
	return internalrepo.NewEventHub(l, internalrepo.NewHistoryPublisher(history))
}

// ProvideKafkaConsumer creates the job event consumer, or nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	kc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		GroupID:    kc.GroupID,
		Workers:    kc.Workers,
		BufferSize: kc.BufferSize,
		RetryMax:   kc.RetryMax,
		BackoffMin: kc.BackoffMin,
		BackoffMax: kc.BackoffMax,
		DLQTopic:   kc.DLQTopic,
		MinBytes:   kc.MinBytes,
		MaxBytes:   kc.MaxBytes,
	}, l)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.Use(pkgkafka.Recover(), pkgkafka.Trace())
	return consumer, nil
}

// ProvideJobEventsHandler stores consumed job events as history.
func ProvideJobEventsHandler(cfg *config.Config, history domrepo.HistoryStore, m *metrics.Recorder) *usecase.JobEventsHandler {
	return usecase.NewJobEventsHandler(cfg.Kafka.EventsTopic, history, m)
}

// ProvideObjectStore opens the S3 bucket or the local object directory.
func ProvideObjectStore(cfg *config.Config) (domrepo.ObjectStore, error) {
	return OpenObjectStore(context.Background(), cfg)
}

// OpenObjectStore is shared with the pipeline CLI.
func OpenObjectStore(ctx context.Context, cfg *config.Config) (domrepo.ObjectStore, error) {
	if cfg.Storage.Backend == "s3" {
		ctx, cancel := context.WithTimeout(ctx, initTimeout)
		defer cancel()
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Region:    cfg.Storage.S3.Region,
			UseSSL:    cfg.Storage.S3.UseSSL,
			Bucket:    cfg.Storage.Bucket,
		})
	}
	return objectstore.NewLocal(cfg.Storage.LocalDir)
}

// ProvideQueue creates the Redis list queue in cloud mode and the in-process queue locally.
func ProvideQueue(cfg *config.Config, rc *pkgcache.RedisCache, l *applogger.Logger) queue.Queue {
	qc := &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		QueueSize:  cfg.Queue.Size,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
	}
	ql := l.Component("queue")
	if cfg.IsCloud() {
		return queue.NewRedisQueue(ql, qc, redisClient(rc), queue.WithKeyPrefix(cfg.Queue.KeyPrefix))
	}
	return queue.NewMemoryQueue(ql, qc)
}

// ProvideCache is the prediction cache: memory only, or memory over Redis in cloud mode.
func ProvideCache(cfg *config.Config, rc *pkgcache.RedisCache) pkgcache.Service {
	return pkgcache.NewLayeredCache(rc,
		pkgcache.WithLayeredMemorySize(cfg.Serving.CacheSize),
		pkgcache.WithLayeredMemoryTTL(time.Minute),
	)
}

func ProvideTrainingJobRunner(cfg *config.Config, store domrepo.JobStore, objects domrepo.ObjectStore, hub *internalrepo.EventHub, m *metrics.Recorder, l *applogger.Logger) *usecase.TrainingJobRunner {
	return usecase.NewTrainingJobRunner(store, objects, hub, m, cfg.Training.Timeout, l)
}

func ProvideTrainingService(cfg *config.Config, store domrepo.JobStore, objects domrepo.ObjectStore, q queue.Queue, runner *usecase.TrainingJobRunner, hub *internalrepo.EventHub, m *metrics.Recorder, l *applogger.Logger) *usecase.TrainingService {
	return usecase.NewTrainingService(store, objects, q, runner, hub, m, usecase.TrainingConfig{
		DefaultEngine: cfg.Training.DefaultEngine,
		OutputPrefix:  cfg.Training.OutputPrefix,
	}, l)
}

func ProvideTuningJobRunner(cfg *config.Config, store domrepo.JobStore, training *usecase.TrainingService, trainer *usecase.TrainingJobRunner, hub *internalrepo.EventHub, m *metrics.Recorder, l *applogger.Logger) *usecase.TuningJobRunner {
	return usecase.NewTuningJobRunner(store, training, trainer, hub, m, cfg.Tuning.PollInterval, l)
}

func ProvideTuningService(store domrepo.JobStore, training *usecase.TrainingService, q queue.Queue, runner *usecase.TuningJobRunner, hub *internalrepo.EventHub, m *metrics.Recorder, l *applogger.Logger) *usecase.TuningService {
	return usecase.NewTuningService(store, training, q, runner, hub, m, l)
}

func ProvideEndpointService(cfg *config.Config, store domrepo.JobStore, objects domrepo.ObjectStore, c pkgcache.Service, hub *internalrepo.EventHub, m *metrics.Recorder, l *applogger.Logger) *usecase.EndpointService {
	return usecase.NewEndpointService(store, store, objects, c, hub, m, usecase.ServingConfig{
		CacheTTL:        cfg.Serving.CacheTTL,
		MaxDates:        cfg.Serving.MaxDates,
		DefaultEndpoint: cfg.Serving.DefaultEndpoint,
	}, l)
}

// ProvideHandler builds the platform API with a health check per backing service.
func ProvideHandler(
	l *applogger.Logger,
	training *usecase.TrainingService,
	tuning *usecase.TuningService,
	endpoints *usecase.EndpointService,
	history *usecase.HistoryService,
	hub *internalrepo.EventHub,
	rc *pkgcache.RedisCache,
	db *sql.DB,
	ch *pkgch.Client,
) *api.PlatformHandler {
	opts := []api.Option{}
	if rc != nil {
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return rc.Client().Ping(ctx).Err()
		}))
	}
	if db != nil {
		opts = append(opts, api.WithHealthCheck("sqlite", db.PingContext))
	}
	if ch != nil {
		opts = append(opts, api.WithHealthCheck("clickhouse", ch.Health))
	}
	return api.NewPlatformHandler(l, training, tuning, endpoints, history, hub, opts...)
}

// ProvideRateLimit returns nil when rate limiting is disabled.
func ProvideRateLimit(cfg *config.Config, m *metrics.Recorder) *mid.RateLimit {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return mid.NewRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst, m)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	q queue.Queue,
	trainer *usecase.TrainingJobRunner,
	tuner *usecase.TuningJobRunner,
	training *usecase.TrainingService,
	tuning *usecase.TuningService,
	endpoints *usecase.EndpointService,
	handler *api.PlatformHandler,
	consumer *pkgkafka.Consumer,
	events *usecase.JobEventsHandler,
	rl *mid.RateLimit,
) *server.App {
	opts := []server.Option{}
	if consumer != nil {
		opts = append(opts, server.WithEventConsumer(consumer, events))
	}
	if rl != nil {
		opts = append(opts, server.WithRateLimit(rl))
	}
	if !cfg.IsCloud() {
		opts = append(opts, server.WithRequeue(training, tuning))
	}
	return server.New(cfg, l, q, []queue.Job{trainer, tuner}, endpoints, handler, opts...)
}
