package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/pkg/config"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := &config.Config{}
	cfg.Platform.URL = srv.URL
	cfg.Platform.Retries = 2
	cfg.Platform.PollInterval = 10 * time.Millisecond
	return NewClient(cfg, nil)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "message": "", "data": data})
}

func TestCreateTrainingJobUnwrapsEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/training-jobs", func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateTrainingJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeData(w, http.StatusAccepted, models.TrainingJob{Name: req.Name, Status: models.StatusInProgress})
	})
	c := newTestClient(t, mux)

	job, err := c.CreateTrainingJob(context.Background(), models.CreateTrainingJobRequest{Name: "job-1", InputData: map[string]string{models.ChannelTrain: "file:///data/train.csv"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Name != "job-1" || job.Status != models.StatusInProgress {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestErrorsMapToDomain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/training-jobs/{name}", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusNotFound, []map[string]string{{"code": "ERR_NOT_FOUND", "message": "training job not found"}})
	})
	mux.HandleFunc("POST /api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusConflict, []map[string]string{{"code": "ERR_CONFLICT", "message": "exists"}})
	})
	c := newTestClient(t, mux)

	_, err := c.DescribeTrainingJob(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != "ERR_NOT_FOUND" || ae.Message != "training job not found" {
		t.Fatalf("unexpected api error: %#v", err)
	}
	if _, err := c.CreateEndpoint(context.Background(), models.CreateEndpointRequest{Name: "e", TrainingJobName: "job-1"}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/endpoints/{name}", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeData(w, http.StatusBadGateway, "upstream")
			return
		}
		writeData(w, http.StatusOK, models.Endpoint{Name: r.PathValue("name"), Status: models.EndpointInService})
	})
	c := newTestClient(t, mux)

	ep, err := c.DescribeEndpoint(context.Background(), "air")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if ep.Name != "air" || calls.Load() != 3 {
		t.Fatalf("got %+v after %d calls", ep, calls.Load())
	}
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tuning-jobs", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeData(w, http.StatusInternalServerError, "boom")
	})
	c := newTestClient(t, mux)

	if _, err := c.CreateTuningJob(context.Background(), models.CreateTuningJobRequest{Name: "t", InputData: map[string]string{models.ChannelTrain: "file:///data/train.csv"}}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("post sent %d times", calls.Load())
	}
}

func TestInvalidRequestNotSent(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/training-jobs", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c := newTestClient(t, mux)

	_, err := c.CreateTrainingJob(context.Background(), models.CreateTrainingJobRequest{Name: "Bad_Name"})
	if !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("invalid request reached the server")
	}
}

func TestInvokeReturnsBareList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/endpoints/{name}/invocations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"ds":"2024-01-01","yhat_lower":1,"yhat_upper":3,"yhat":2}]`))
	})
	c := newTestClient(t, mux)

	points, err := c.Invoke(context.Background(), "air", models.ForecastRequest{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(points) != 1 || points[0].Yhat != 2 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestWaitTrainingJobOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/training-jobs/{name}/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, s := range []models.JobStatus{models.StatusInProgress, models.StatusCompleted} {
			_ = conn.WriteJSON(models.TrainingJob{Name: r.PathValue("name"), Status: s})
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"), time.Now().Add(time.Second))
	})
	c := newTestClient(t, mux)

	var updates int
	job, err := c.WaitTrainingJob(context.Background(), "job-1", func(*models.TrainingJob) { updates++ })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != models.StatusCompleted || updates != 2 {
		t.Fatalf("got %s after %d updates", job.Status, updates)
	}
}

func TestWaitFallsBackToPolling(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tuning-jobs/{name}", func(w http.ResponseWriter, r *http.Request) {
		status := models.StatusInProgress
		if calls.Add(1) >= 3 {
			status = models.StatusCompleted
		}
		writeData(w, http.StatusOK, models.TuningJob{Name: r.PathValue("name"), Status: status})
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := c.WaitTuningJob(ctx, "tune-1", nil)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != models.StatusCompleted || calls.Load() != 3 {
		t.Fatalf("got %s after %d polls", job.Status, calls.Load())
	}
}
