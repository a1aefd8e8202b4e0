package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/internal/usecase"
	xhttp "AirCast/pkg/http"
	xlogger "AirCast/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Subscriber delivers lifecycle events of one resource. Implemented by repository.EventHub.
type Subscriber interface {
	Subscribe(kind models.ResourceKind, name string) (<-chan models.JobEvent, func())
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// PlatformHandler serves the platform API: training and tuning jobs, endpoints, history and
// the container-style /ping and /invocations routes.
type PlatformHandler struct {
	logger    *xlogger.Logger
	training  *usecase.TrainingService
	tuning    *usecase.TuningService
	endpoints *usecase.EndpointService
	history   *usecase.HistoryService
	events    Subscriber

	checks      []HealthCheck
	watchPoll   time.Duration
	maxBodySize int64
}

type Option func(*PlatformHandler)

func WithHealthCheck(name string, fn func(ctx context.Context) error) Option {
	return func(h *PlatformHandler) {
		h.checks = append(h.checks, HealthCheck{Name: name, Check: fn})
	}
}

// WithWatchInterval sets how often watch streams re-read state that may have been changed by
// another replica.
func WithWatchInterval(d time.Duration) Option {
	return func(h *PlatformHandler) {
		if d > 0 {
			h.watchPoll = d
		}
	}
}

func NewPlatformHandler(
	logger *xlogger.Logger,
	training *usecase.TrainingService,
	tuning *usecase.TuningService,
	endpoints *usecase.EndpointService,
	history *usecase.HistoryService,
	events Subscriber,
	opts ...Option,
) *PlatformHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	h := &PlatformHandler{
		logger:      logger.Component("api"),
		training:    training,
		tuning:      tuning,
		endpoints:   endpoints,
		history:     history,
		events:      events,
		watchPoll:   2 * time.Second,
		maxBodySize: 8 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ xhttp.Handler = (*PlatformHandler)(nil)

func (h *PlatformHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.POST("/invocations", h.InvokeDefault)
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.POST("/training-jobs", h.CreateTrainingJob)
	g.GET("/training-jobs", h.ListTrainingJobs)
	g.GET("/training-jobs/:name", h.DescribeTrainingJob)
	g.POST("/training-jobs/:name/stop", h.StopTrainingJob)
	g.GET("/training-jobs/:name/watch", h.WatchTrainingJob)

	g.POST("/tuning-jobs", h.CreateTuningJob)
	g.GET("/tuning-jobs", h.ListTuningJobs)
	g.GET("/tuning-jobs/:name", h.DescribeTuningJob)
	g.POST("/tuning-jobs/:name/stop", h.StopTuningJob)
	g.GET("/tuning-jobs/:name/watch", h.WatchTuningJob)

	g.POST("/endpoints", h.CreateEndpoint)
	g.GET("/endpoints", h.ListEndpoints)
	g.GET("/endpoints/:name", h.DescribeEndpoint)
	g.PUT("/endpoints/:name", h.UpdateEndpoint)
	g.DELETE("/endpoints/:name", h.DeleteEndpoint)
	g.POST("/endpoints/:name/invocations", h.Invoke)

	g.GET("/history", h.History)
}

// appError maps domain errors onto HTTP errors.
func appError(err error) *xhttp.AppError {
	var ae *xhttp.AppError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrConflict):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrInvalid), errors.Is(err, models.ErrInsufficientData):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrNotReady):
		return xhttp.NewAppError("ERR_NOT_READY", "", err.Error(), http.StatusServiceUnavailable).WithError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return xhttp.NewAppError("ERR_TIMEOUT", "", "request timed out", http.StatusGatewayTimeout).WithError(err)
	default:
		return xhttp.InternalError("something went wrong").WithError(err)
	}
}

func (h *PlatformHandler) fail(c echo.Context, op string, err error) error {
	ae := appError(err)
	if ae.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			xlogger.String("path", c.Path()),
			xlogger.String("name", c.Param("name")),
			xlogger.Error(err),
		)
	}
	return xhttp.AppErrorResponse(c, ae)
}

func filterOf(req *models.ListJobsRequest) models.ListFilter {
	return models.ListFilter{
		Status:    models.JobStatus(req.Status),
		TuningJob: req.TuningJob,
		Limit:     req.Limit,
	}
}

func (h *PlatformHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(h.checks))
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[chk.Name] = err.Error()
			continue
		}
		result[chk.Name] = "ok"
	}
	return xhttp.DataResponse(c, status, result)
}

func (h *PlatformHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := h.history.List(c.Request().Context(), models.HistoryQuery{
		Kind:  models.ResourceKind(req.Kind),
		Name:  req.Name,
		Limit: req.Limit,
	})
	if err != nil {
		return h.fail(c, "history", err)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}
