package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AirCast/internal/middleware"
	"AirCast/internal/usecase"
	"AirCast/pkg/config"
	xhttp "AirCast/pkg/http"
	pkgkafka "AirCast/pkg/kafka"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/queue"

	"github.com/labstack/echo/v4"
)

// App encapsulates the platform service lifecycle: the job queue and its runners, the job
// event consumer, the endpoint registry and the HTTP API.
type App struct {
	cfg       *config.Config
	log       *applogger.Logger
	queue     queue.Queue
	runners   []queue.Job
	consumer  *pkgkafka.Consumer
	events    pkgkafka.MessageHandler
	endpoints *usecase.EndpointService
	handler   xhttp.Handler
	rateLimit *middleware.RateLimit
	requeue   []Requeuer

	httpServer *xhttp.Server
}

// Option configures optional App parts.
type Option func(*App)

// WithEventConsumer ingests job events from Kafka with h.
func WithEventConsumer(c *pkgkafka.Consumer, h pkgkafka.MessageHandler) Option {
	return func(a *App) {
		a.consumer = c
		a.events = h
	}
}

// Requeuer publishes unfinished work again after a restart.
type Requeuer interface {
	Requeue(ctx context.Context) (int, error)
}

// WithRequeue resumes unfinished jobs once the queue is running. Only queues that lose
// messages on restart need it.
func WithRequeue(r ...Requeuer) Option {
	return func(a *App) { a.requeue = append(a.requeue, r...) }
}

// WithRateLimit throttles API requests.
func WithRateLimit(rl *middleware.RateLimit) Option {
	return func(a *App) { a.rateLimit = rl }
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	q queue.Queue,
	runners []queue.Job,
	endpoints *usecase.EndpointService,
	handler xhttp.Handler,
	opts ...Option,
) *App {
	if log == nil {
		log = applogger.NewNop()
	}
	a := &App{
		cfg:       cfg,
		log:       log.Component("app"),
		queue:     q,
		runners:   runners,
		endpoints: endpoints,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.Shutdown(context.Background())
}

// Start brings up every component without blocking.
func (a *App) Start(ctx context.Context) error {
	for _, r := range a.runners {
		a.queue.RegisterJob(r)
	}
	if err := a.queue.Start(); err != nil {
		return err
	}
	a.log.Info("job queue started",
		applogger.String("mode", a.cfg.Mode),
		applogger.Int("workers", a.cfg.Queue.Workers),
	)

	if len(a.requeue) > 0 {
		go a.resume(ctx)
	}

	if a.consumer != nil && a.events != nil {
		a.consumer.RegisterHandler(a.events)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.events.Topic()))
	}

	// Endpoints come back from the store; a model that cannot be loaded marks only its
	// endpoint Failed.
	if err := a.endpoints.Restore(ctx); err != nil {
		a.log.Warn("endpoint restore incomplete", applogger.Error(err))
	}

	var mw []echo.MiddlewareFunc
	if a.rateLimit != nil {
		mw = append(mw, a.rateLimit.Middleware())
		go a.rateLimit.Sweep(ctx, time.Minute)
	}
	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout),
		xhttp.WithLogger(a.log),
		xhttp.WithMiddleware(mw...),
	)
	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("platform API listening", applogger.Int("port", a.cfg.Server.Port))
	return nil
}

func (a *App) resume(ctx context.Context) {
	for _, r := range a.requeue {
		n, err := r.Requeue(ctx)
		if err != nil {
			a.log.Error("requeue unfinished jobs", applogger.Error(err))
			continue
		}
		if n > 0 {
			a.log.Info("requeued unfinished jobs", applogger.Int("count", n))
		}
	}
}

// Shutdown stops accepting requests, then drains the queue and the consumer. Jobs still
// running when the queue stops are cancelled and end up Stopped.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down...")
	var errs []error

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	if err := a.queue.Stop(shutdownCtx); err != nil {
		a.log.Warn("queue stop error", applogger.Error(err))
		errs = append(errs, err)
	}

	a.endpoints.Wait()

	if a.consumer != nil {
		if err := a.consumer.Stop(shutdownCtx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}
