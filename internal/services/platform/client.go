// Package platform is the HTTP client of the AirCast platform API used by the pipeline CLI.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/pkg/config"
	xhttp "AirCast/pkg/http"
	applogger "AirCast/pkg/logger"
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform %d: %s", e.Status, e.Message)
}

// Is maps platform status codes back onto domain errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrNotFound:
		return e.Status == http.StatusNotFound
	case models.ErrConflict:
		return e.Status == http.StatusConflict
	case models.ErrInvalid:
		return e.Status == http.StatusBadRequest
	case models.ErrNotReady:
		return e.Status == http.StatusServiceUnavailable
	}
	return false
}

// Client talks to the platform API. Reads are retried on transport errors and 5xx answers;
// writes are sent once.
type Client struct {
	baseURL string
	client  *xhttp.Client
	retries int
	poll    time.Duration
	log     *applogger.Logger
}

func NewClient(cfg *config.Config, log *applogger.Logger) *Client {
	timeout := cfg.Platform.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := cfg.Platform.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	if log == nil {
		log = applogger.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.Platform.URL, "/"),
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout), xhttp.WithUserAgent("aircast-pipeline/1.0")),
		retries: cfg.Platform.Retries,
		poll:    poll,
		log:     log.Component("platform_client"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, dest interface{}) error {
	opts := &xhttp.RequestOptions{
		Method:      method,
		URL:         c.baseURL + path,
		QueryParams: query,
		Body:        body,
	}
	if body != nil {
		opts.Headers = map[string]string{"Content-Type": "application/json"}
	}
	err := c.client.SendAndParse(ctx, opts, dest)
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return decodeError(se)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(se *xhttp.StatusError) error {
	e := &APIError{Status: se.StatusCode, Message: strings.TrimSpace(string(se.Body))}
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(se.Body, &resp) != nil || len(resp.Data) == 0 {
		return e
	}
	var details []xhttp.ValidationError
	if json.Unmarshal(resp.Data, &details) == nil && len(details) > 0 {
		return withDetails(e, details)
	}
	var msg string
	if json.Unmarshal(resp.Data, &msg) == nil {
		e.Message = msg
	}
	return e
}

func withDetails(e *APIError, details []xhttp.ValidationError) *APIError {
	e.Code = details[0].Code
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		msgs = append(msgs, d.Message)
	}
	e.Message = strings.Join(msgs, "; ")
	return e
}

func retryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= http.StatusInternalServerError && ae.Status != http.StatusNotImplemented
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// get reads a resource with linear backoff between attempts.
func (c *Client) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	attempts := c.retries + 1
	var err error
	for i := 1; i <= attempts; i++ {
		err = c.do(ctx, http.MethodGet, path, query, nil, dest)
		if err == nil || !retryable(err) || i == attempts {
			return err
		}
		c.log.Warn("platform request failed, retrying",
			applogger.String("path", path),
			applogger.Int("attempt", i),
			applogger.Error(err),
		)
		select {
		case <-time.After(time.Duration(i) * 250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// envelope unwraps the {"status","message","data"} response body.
type envelope[T any] struct {
	Data T `json:"data"`
}

func getData[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var env envelope[T]
	err := c.get(ctx, path, query, &env)
	return env.Data, err
}

// sendData checks body against the same rules the platform applies, so a bad request fails
// before it leaves the process. body must be a pointer.
func sendData[T any](ctx context.Context, c *Client, method, path string, body interface{}) (T, error) {
	var env envelope[T]
	if verr := xhttp.ValidateStruct(ctx, body); verr != nil {
		e := &APIError{Status: http.StatusBadRequest, Message: fmt.Sprint(verr)}
		if details, ok := verr.([]xhttp.ValidationError); ok && len(details) > 0 {
			withDetails(e, details)
		}
		return env.Data, e
	}
	err := c.do(ctx, method, path, nil, body, &env)
	return env.Data, err
}

func (c *Client) CreateTrainingJob(ctx context.Context, req models.CreateTrainingJobRequest) (*models.TrainingJob, error) {
	return sendData[*models.TrainingJob](ctx, c, http.MethodPost, "/api/training-jobs", &req)
}

func (c *Client) DescribeTrainingJob(ctx context.Context, name string) (*models.TrainingJob, error) {
	return getData[*models.TrainingJob](ctx, c, "/api/training-jobs/"+url.PathEscape(name), nil)
}

func (c *Client) StopTrainingJob(ctx context.Context, name string) (*models.TrainingJob, error) {
	return sendData[*models.TrainingJob](ctx, c, http.MethodPost, "/api/training-jobs/"+url.PathEscape(name)+"/stop", nil)
}

func (c *Client) CreateTuningJob(ctx context.Context, req models.CreateTuningJobRequest) (*models.TuningJob, error) {
	return sendData[*models.TuningJob](ctx, c, http.MethodPost, "/api/tuning-jobs", &req)
}

func (c *Client) DescribeTuningJob(ctx context.Context, name string) (*models.TuningJob, error) {
	return getData[*models.TuningJob](ctx, c, "/api/tuning-jobs/"+url.PathEscape(name), nil)
}

func (c *Client) CreateEndpoint(ctx context.Context, req models.CreateEndpointRequest) (*models.Endpoint, error) {
	return sendData[*models.Endpoint](ctx, c, http.MethodPost, "/api/endpoints", &req)
}

func (c *Client) UpdateEndpoint(ctx context.Context, name string, req models.UpdateEndpointRequest) (*models.Endpoint, error) {
	return sendData[*models.Endpoint](ctx, c, http.MethodPut, "/api/endpoints/"+url.PathEscape(name), &req)
}

func (c *Client) DescribeEndpoint(ctx context.Context, name string) (*models.Endpoint, error) {
	return getData[*models.Endpoint](ctx, c, "/api/endpoints/"+url.PathEscape(name), nil)
}

func (c *Client) DeleteEndpoint(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/endpoints/"+url.PathEscape(name), nil, nil, nil)
}

// Invoke requests predictions from an endpoint. The response is a bare list of points.
func (c *Client) Invoke(ctx context.Context, name string, req models.ForecastRequest) ([]models.ForecastPoint, error) {
	var points []models.ForecastPoint
	err := c.do(ctx, http.MethodPost, "/api/endpoints/"+url.PathEscape(name)+"/invocations", nil, req, &points)
	return points, err
}

func (c *Client) History(ctx context.Context, kind models.ResourceKind, name string, limit int) ([]models.JobEvent, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", string(kind))
	}
	if name != "" {
		q.Set("name", name)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	page, err := getData[struct {
		Rows []models.JobEvent `json:"rows"`
	}](ctx, c, "/api/history", q)
	return page.Rows, err
}
