package usecase

import (
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"AirCast/internal/dataset"
	"AirCast/internal/domain/models"
	"AirCast/internal/repository"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/metrics"
	"AirCast/pkg/objectstore"
	"AirCast/pkg/sqlite"

	"github.com/prometheus/client_golang/prometheus"
)

var day0 = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

func dailyFrame(n int) models.Frame {
	f := make(models.Frame, n)
	for i := range f {
		ds := day0.AddDate(0, 0, i)
		f[i] = models.Observation{DS: ds, Y: 60 + 0.2*float64(i) + 8*math.Sin(2*math.Pi*float64(ds.Weekday())/7)}
	}
	return f
}

// recordingQueue captures published messages instead of running them.
type recordingQueue struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (q *recordingQueue) PublishMessage(_ context.Context, msgType string, _ interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msgType)
	return nil
}

type fixture struct {
	store    *repository.SQLiteJobStore
	objects  *objectstore.Local
	queue    *recordingQueue
	hub      *repository.EventHub
	metrics  *metrics.Recorder
	log      *applogger.Logger
	channels map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.Memory)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := repository.NewSQLiteJobStore(ctx, db, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	frame := dailyFrame(120)
	channels, err := dataset.UploadSplits(ctx, objects, "data", frame[:100], frame[100:])
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return &fixture{
		store:    store,
		objects:  objects,
		queue:    &recordingQueue{},
		hub:      repository.NewEventHub(nil),
		metrics:  metrics.NewWithRegisterer(prometheus.NewRegistry()),
		log:      applogger.NewNop(),
		channels: channels,
	}
}

func (f *fixture) training() (*TrainingService, *TrainingJobRunner) {
	runner := NewTrainingJobRunner(f.store, f.objects, f.hub, f.metrics, time.Minute, f.log)
	svc := NewTrainingService(f.store, f.objects, f.queue, runner, f.hub, f.metrics,
		TrainingConfig{DefaultEngine: models.EngineBaseline}, f.log)
	return svc, runner
}

func (f *fixture) trainingRequest(name string, hp map[string]string) models.CreateTrainingJobRequest {
	return models.CreateTrainingJobRequest{Name: name, Hyperparameters: hp, InputData: f.channels}
}

// completedJob trains a baseline model and returns the finished job.
func (f *fixture) completedJob(t *testing.T, name string, hp map[string]string) *models.TrainingJob {
	t.Helper()
	svc, runner := f.training()
	ctx := context.Background()
	if _, err := svc.Submit(ctx, f.trainingRequest(name, hp)); err != nil {
		t.Fatalf("submit %s: %v", name, err)
	}
	job, err := runner.Execute(ctx, name)
	if err != nil {
		t.Fatalf("execute %s: %v", name, err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("%s status=%s reason=%s", name, job.Status, job.FailureReason)
	}
	return job
}

// gatedObjects holds every download until release is closed or the caller gives up.
type gatedObjects struct {
	*objectstore.Local
	reached chan string
	release chan struct{}
}

func newGatedObjects(l *objectstore.Local) *gatedObjects {
	return &gatedObjects{Local: l, reached: make(chan string, 8), release: make(chan struct{})}
}

func (g *gatedObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case g.reached <- key:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Local.Get(ctx, key)
}

func (g *gatedObjects) waitReached(t *testing.T) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("no download started")
	}
}

// gatedTraining wires a runner whose downloads block on gate.
func (f *fixture) gatedTraining(gate *gatedObjects) (*TrainingService, *TrainingJobRunner) {
	runner := NewTrainingJobRunner(f.store, gate, f.hub, f.metrics, time.Minute, f.log)
	svc := NewTrainingService(f.store, f.objects, f.queue, runner, f.hub, f.metrics,
		TrainingConfig{DefaultEngine: models.EngineBaseline}, f.log)
	return svc, runner
}
