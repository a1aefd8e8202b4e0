package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"AirCast/internal/domain/models"
	applogger "AirCast/pkg/logger"

	"github.com/gorilla/websocket"
)

const watchPingInterval = 20 * time.Second

var errWatchLost = errors.New("watch stream lost")

func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path
	}
	return c.baseURL + path
}

// watch follows a resource over the platform websocket until done reports true.
// It returns errWatchLost when the stream breaks before that.
func watch[T any](ctx context.Context, c *Client, path string, done func(T) bool, onUpdate func(T)) (T, error) {
	var last T
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(path), nil)
	if err != nil {
		return last, fmt.Errorf("%w: dial: %v", errWatchLost, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(watchPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	seen := false
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if seen && done(last) {
				return last, nil
			}
			return last, fmt.Errorf("%w: %v", errWatchLost, err)
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		last, seen = v, true
		if onUpdate != nil {
			onUpdate(v)
		}
		if done(v) {
			return v, nil
		}
	}
}

// poll re-reads a resource every poll interval until done reports true.
func poll[T any](ctx context.Context, c *Client, describe func(context.Context) (T, error), done func(T) bool, onUpdate func(T)) (T, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		v, err := describe(ctx)
		if err != nil {
			return v, err
		}
		if onUpdate != nil {
			onUpdate(v)
		}
		if done(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

func wait[T any](ctx context.Context, c *Client, path string, describe func(context.Context) (T, error), done func(T) bool, onUpdate func(T)) (T, error) {
	v, err := watch(ctx, c, path+"/watch", done, onUpdate)
	if err == nil || !errors.Is(err, errWatchLost) {
		return v, err
	}
	c.log.Debug("watch unavailable, polling", applogger.String("path", path), applogger.Error(err))
	return poll(ctx, c, describe, done, onUpdate)
}

// WaitTrainingJob blocks until the training job reaches a terminal status.
func (c *Client) WaitTrainingJob(ctx context.Context, name string, onUpdate func(*models.TrainingJob)) (*models.TrainingJob, error) {
	return wait(ctx, c, "/api/training-jobs/"+name,
		func(ctx context.Context) (*models.TrainingJob, error) { return c.DescribeTrainingJob(ctx, name) },
		func(j *models.TrainingJob) bool { return j != nil && j.Status.Terminal() },
		onUpdate)
}

// WaitTuningJob blocks until the tuning job reaches a terminal status.
func (c *Client) WaitTuningJob(ctx context.Context, name string, onUpdate func(*models.TuningJob)) (*models.TuningJob, error) {
	return wait(ctx, c, "/api/tuning-jobs/"+name,
		func(ctx context.Context) (*models.TuningJob, error) { return c.DescribeTuningJob(ctx, name) },
		func(j *models.TuningJob) bool { return j != nil && j.Status.Terminal() },
		onUpdate)
}

// WaitEndpoint polls until the endpoint is InService or Failed. Endpoints have no watch route.
func (c *Client) WaitEndpoint(ctx context.Context, name string) (*models.Endpoint, error) {
	return poll(ctx, c,
		func(ctx context.Context) (*models.Endpoint, error) { return c.DescribeEndpoint(ctx, name) },
		func(e *models.Endpoint) bool {
			return e != nil && (e.Status == models.EndpointInService || e.Status == models.EndpointFailed)
		},
		nil)
}
