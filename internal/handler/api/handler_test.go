package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AirCast/internal/dataset"
	"AirCast/internal/domain/models"
	"AirCast/internal/repository"
	"AirCast/internal/usecase"
	"AirCast/pkg/cache"
	xhttp "AirCast/pkg/http"
	xlogger "AirCast/pkg/logger"
	"AirCast/pkg/metrics"
	"AirCast/pkg/objectstore"
	"AirCast/pkg/queue"
	"AirCast/pkg/sqlite"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type nopQueue struct{}

func (nopQueue) PublishMessage(context.Context, string, interface{}) error { return nil }

var _ queue.Publisher = nopQueue{}

type testEnv struct {
	e         *echo.Echo
	runner    *usecase.TrainingJobRunner
	endpoints *usecase.EndpointService
	channels  map[string]string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.Memory)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	store, err := repository.NewSQLiteJobStore(ctx, db, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	history := repository.NewSQLiteHistoryStore(db)

	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	frame := make(models.Frame, 120)
	for i := range frame {
		frame[i] = models.Observation{DS: time.Date(2016, 1, 1+i, 0, 0, 0, 0, time.UTC), Y: 50 + 5*math.Sin(float64(i))}
	}
	channels, err := dataset.UploadSplits(ctx, objects, "data", frame[:100], frame[100:])
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	log := xlogger.NewNop()
	rec := metrics.NewWithRegisterer(prometheus.NewRegistry())
	hub := repository.NewEventHub(log, repository.NewHistoryPublisher(history))
	runner := usecase.NewTrainingJobRunner(store, objects, hub, rec, time.Minute, log)
	training := usecase.NewTrainingService(store, objects, nopQueue{}, runner, hub, rec,
		usecase.TrainingConfig{DefaultEngine: models.EngineBaseline}, log)
	tuner := usecase.NewTuningJobRunner(store, training, runner, hub, rec, time.Second, log)
	tuning := usecase.NewTuningService(store, training, nopQueue{}, tuner, hub, rec, log)
	endpoints := usecase.NewEndpointService(store, store, objects, cache.NewLayeredCache(nil), hub, rec, usecase.ServingConfig{}, log)

	h := NewPlatformHandler(log, training, tuning, endpoints, usecase.NewHistoryService(history), hub,
		WithWatchInterval(20*time.Millisecond),
		WithHealthCheck("sqlite", db.PingContext),
	)
	e := echo.New()
	h.RegisterRoutes(e)
	return &testEnv{e: e, runner: runner, endpoints: endpoints, channels: channels}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) trainingBody(name string) string {
	b, _ := json.Marshal(models.CreateTrainingJobRequest{
		Name:            name,
		Hyperparameters: map[string]string{models.KeyPredictionPeriods: "7"},
		InputData:       env.channels,
	})
	return string(b)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	var resp xhttp.APIResponse
	resp.Data = dest
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func TestTrainingJobRoutes(t *testing.T) {
	env := newEnv(t)

	if rec := env.do(t, http.MethodPost, "/api/training-jobs", `{"name":"Bad Name","input_data":{"train":"x"}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/training-jobs", env.trainingBody("aq-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var job models.TrainingJob
	decodeData(t, rec, &job)
	if job.Name != "aq-1" || job.Status != models.StatusInProgress {
		t.Fatalf("created %+v", job)
	}

	if rec := env.do(t, http.MethodPost, "/api/training-jobs", env.trainingBody("aq-1")); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/training-jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/training-jobs?status=InProgress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var list xhttp.ListDataResponse
	decodeData(t, rec, &list)
	if list.Total != 1 {
		t.Fatalf("listed %d", list.Total)
	}
	if rec := env.do(t, http.MethodGet, "/api/training-jobs?status=Running", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/api/training-jobs/aq-1/stop", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/training-jobs/aq-1/stop", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second stop: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/history?kind=training_job&name=aq-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	var events []models.JobEvent
	list = xhttp.ListDataResponse{Rows: &events}
	decodeData(t, rec, &list)
	if len(events) != 2 || events[0].Type != models.EventStopped || events[1].Type != models.EventSubmitted {
		t.Fatalf("history %+v", events)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	env := newEnv(t)
	if rec := env.do(t, http.MethodPost, "/api/training-jobs", env.trainingBody("watched")); rec.Code != http.StatusAccepted {
		t.Fatalf("create: %d", rec.Code)
	}
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/training-jobs/watched/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var first models.TrainingJob
	if err := conn.ReadJSON(&first); err != nil || first.Status != models.StatusInProgress {
		t.Fatalf("first frame %+v %v", first, err)
	}

	go func() { _, _ = env.runner.Execute(context.Background(), "watched") }()

	var last models.TrainingJob
	for {
		var j models.TrainingJob
		if err := conn.ReadJSON(&j); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = j
	}
	if last.Status != models.StatusCompleted {
		t.Fatalf("last frame %s", last.Status)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(strings.Replace(url, "watched", "ghost", 1), nil); err == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("watch unknown job: %v", err)
	}
}

func TestEndpointAndInvocationRoutes(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	if rec := env.do(t, http.MethodGet, "/ping", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ping before deploy: %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/api/training-jobs", env.trainingBody("model"))
	if job, err := env.runner.Execute(ctx, "model"); err != nil || job.Status != models.StatusCompleted {
		t.Fatalf("train: %+v %v", job, err)
	}

	if rec := env.do(t, http.MethodPost, "/api/endpoints", `{"name":"aq"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("endpoint without model: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/endpoints", `{"name":"aq","training_job_name":"model"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("create endpoint: %d %s", rec.Code, rec.Body.String())
	}
	env.endpoints.Wait()

	rec := env.do(t, http.MethodPost, "/api/endpoints/aq/invocations", `{"start":"2016-05-01","end":"2016-05-07"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke: %d %s", rec.Code, rec.Body.String())
	}
	var points []models.ForecastPoint
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil || len(points) != 7 {
		t.Fatalf("points %d %v", len(points), err)
	}
	if points[0].DS != "2016-05-01" || points[6].DS != "2016-05-07" {
		t.Fatalf("range %s..%s", points[0].DS, points[6].DS)
	}

	if rec := env.do(t, http.MethodGet, "/ping", ""); rec.Code != http.StatusOK {
		t.Fatalf("ping: %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/invocations", `["2016-05-02","2016-05-01"]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invocations: %d %s", rec.Code, rec.Body.String())
	}
	points = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &points)
	if len(points) != 2 || points[0].DS != "2016-05-01" {
		t.Fatalf("date list %+v", points)
	}

	if rec := env.do(t, http.MethodPost, "/invocations", `{"start":"2016-05-07","end":"2016-05-01"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("reversed range: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/endpoints/none/invocations", `{"start":"2016-05-01","end":"2016-05-02"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown endpoint: %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/endpoints/aq", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/endpoints/aq", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("describe deleted: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
	var checks map[string]string
	decodeData(t, rec, &checks)
	if checks["sqlite"] != "ok" {
		t.Fatalf("checks %v", checks)
	}
}
