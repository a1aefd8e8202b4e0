package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/internal/services/forecast"
	"AirCast/pkg/objectstore"
)

func TestTrainingSubmitAndExecute(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.training()
	ctx := context.Background()

	events, cancel := f.hub.Subscribe(models.KindTrainingJob, "aq-1")
	defer cancel()

	job, err := svc.Submit(ctx, f.trainingRequest("aq-1", map[string]string{models.KeyPredictionPeriods: "7"}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusInProgress || job.SecondaryStatus != models.PhaseStarting {
		t.Fatalf("submitted job %s/%s", job.Status, job.SecondaryStatus)
	}
	if job.Hyperparameters[models.KeyEngine] != models.EngineBaseline {
		t.Fatalf("engine default not applied: %v", job.Hyperparameters)
	}
	if len(f.queue.msgs) != 1 || f.queue.msgs[0] != TrainingJobType {
		t.Fatalf("queued %v", f.queue.msgs)
	}
	if evt := <-events; evt.Type != models.EventSubmitted {
		t.Fatalf("first event %s", evt.Type)
	}

	done, err := runner.Execute(ctx, "aq-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Status != models.StatusCompleted || done.SecondaryStatus != models.PhaseCompleted {
		t.Fatalf("status %s/%s: %s", done.Status, done.SecondaryStatus, done.FailureReason)
	}
	for _, k := range []string{models.MetricTrainRMSE, models.MetricTrainMAE, models.MetricTestRMSE, models.MetricTestMAE, models.MetricTestMAPE} {
		if _, ok := done.FinalMetrics[k]; !ok {
			t.Fatalf("missing metric %s in %v", k, done.FinalMetrics)
		}
	}
	if done.StartedAt == nil || done.EndedAt == nil {
		t.Fatalf("timestamps not set: %+v", done)
	}

	key, err := f.objects.Key(done.ModelArtifact)
	if err != nil {
		t.Fatalf("artifact uri %s: %v", done.ModelArtifact, err)
	}
	if key != objectstore.Join("models", "aq-1", forecast.ArtifactName) {
		t.Fatalf("artifact key %s", key)
	}
	rc, err := f.objects.Get(ctx, key)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	defer rc.Close()
	art, err := forecast.DecodeArtifact(rc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if art.TrainingJob != "aq-1" || art.Frame.Len() != 100 {
		t.Fatalf("artifact job=%s rows=%d", art.TrainingJob, art.Frame.Len())
	}

	// A redelivered message leaves a finished job alone.
	again, err := runner.Execute(ctx, "aq-1")
	if err != nil || again.Status != models.StatusCompleted {
		t.Fatalf("re-execute: %v %v", again, err)
	}
}

func TestTrainingSubmitValidation(t *testing.T) {
	f := newFixture(t)
	svc, _ := f.training()
	ctx := context.Background()

	cases := map[string]models.CreateTrainingJobRequest{
		"bad name":      f.trainingRequest("Bad_Name", nil),
		"unknown param": f.trainingRequest("ok", map[string]string{"epochs": "3"}),
		"bad value":     f.trainingRequest("ok", map[string]string{models.KeyIntervalWidth: "2"}),
		"no train":      {Name: "ok", InputData: map[string]string{models.ChannelTest: f.channels[models.ChannelTest]}},
		"bad channel":   {Name: "ok", InputData: map[string]string{models.ChannelTrain: f.channels[models.ChannelTrain], "valid": "x.csv"}},
		"foreign uri":   {Name: "ok", InputData: map[string]string{models.ChannelTrain: "s3://bucket/train.csv"}},
	}
	for name, req := range cases {
		if _, err := svc.Submit(ctx, req); !errors.Is(err, models.ErrInvalid) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}

	if _, err := svc.Submit(ctx, f.trainingRequest("dup", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(ctx, f.trainingRequest("dup", nil)); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate err=%v", err)
	}
}

func TestTrainingEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")
	svc, _ := f.training()
	ctx := context.Background()

	if _, err := svc.Submit(ctx, f.trainingRequest("lost", nil)); err == nil {
		t.Fatal("expected enqueue error")
	}
	job, err := svc.Describe(ctx, "lost")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if job.Status != models.StatusFailed || job.FailureReason == "" {
		t.Fatalf("job %s %q", job.Status, job.FailureReason)
	}
}

func TestTrainingStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.training()
	ctx := context.Background()

	if _, err := svc.Submit(ctx, f.trainingRequest("halt", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := svc.Stop(ctx, "halt")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if job.Status != models.StatusStopped || job.EndedAt == nil {
		t.Fatalf("stopped job %+v", job)
	}
	if _, err := svc.Stop(ctx, "halt"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second stop err=%v", err)
	}
	ran, err := runner.Execute(ctx, "halt")
	if err != nil || ran.Status != models.StatusStopped || ran.ModelArtifact != "" {
		t.Fatalf("runner touched a stopped job: %+v %v", ran, err)
	}
	if _, err := svc.Stop(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("stop missing err=%v", err)
	}
}

type trainingOutcome struct {
	job *models.TrainingJob
	err error
}

func executeAsync(ctx context.Context, runner *TrainingJobRunner, name string) <-chan trainingOutcome {
	out := make(chan trainingOutcome, 1)
	go func() {
		job, err := runner.Execute(ctx, name)
		out <- trainingOutcome{job, err}
	}()
	return out
}

func awaitTraining(t *testing.T, ch <-chan trainingOutcome) *models.TrainingJob {
	t.Helper()
	select {
	case o := <-ch:
		if o.err != nil {
			t.Fatalf("execute: %v", o.err)
		}
		return o.job
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return")
	}
	return nil
}

func TestTrainingStopWhileRunning(t *testing.T) {
	f := newFixture(t)
	gate := newGatedObjects(f.objects)
	svc, runner := f.gatedTraining(gate)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, f.trainingRequest("busy", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := executeAsync(ctx, runner, "busy")
	gate.waitReached(t)

	job, err := svc.Stop(ctx, "busy")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if job.Status != models.StatusStopping {
		t.Fatalf("running job should be Stopping, got %s", job.Status)
	}

	ran := awaitTraining(t, done)
	if ran.Status != models.StatusStopped || ran.SecondaryStatus != models.PhaseStopped || ran.ModelArtifact != "" {
		t.Fatalf("runner result %s/%s %q", ran.Status, ran.SecondaryStatus, ran.ModelArtifact)
	}
	stored, err := svc.Describe(ctx, "busy")
	if err != nil || stored.Status != models.StatusStopped || stored.EndedAt == nil {
		t.Fatalf("stored %+v %v", stored, err)
	}
	if _, err := svc.Stop(ctx, "busy"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("stop after stopped err=%v", err)
	}
}

func TestTrainingStopFromAnotherReplica(t *testing.T) {
	f := newFixture(t)
	gate := newGatedObjects(f.objects)
	_, runner := f.gatedTraining(gate)
	// A service with no local runner only sees the job through the store.
	other := NewTrainingService(f.store, f.objects, f.queue, nil, f.hub, f.metrics,
		TrainingConfig{DefaultEngine: models.EngineBaseline}, f.log)
	ctx := context.Background()

	if _, err := other.Submit(ctx, f.trainingRequest("remote", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := executeAsync(ctx, runner, "remote")
	gate.waitReached(t)

	job, err := other.Stop(ctx, "remote")
	if err != nil || job.Status != models.StatusStopping {
		t.Fatalf("stop: %+v %v", job, err)
	}
	close(gate.release)

	ran := awaitTraining(t, done)
	if ran.Status != models.StatusStopped || ran.ModelArtifact != "" {
		t.Fatalf("runner ignored the stored stop: %s %q", ran.Status, ran.ModelArtifact)
	}
	stored, _ := other.Describe(ctx, "remote")
	if stored.Status != models.StatusStopped {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestTrainingMissingInputFailsJob(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.training()
	ctx := context.Background()

	req := models.CreateTrainingJobRequest{
		Name:      "ghost",
		InputData: map[string]string{models.ChannelTrain: f.objects.URI("nowhere/train.csv")},
	}
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := runner.Execute(ctx, "ghost")
	if err != nil {
		t.Fatalf("job failures are not queue errors: %v", err)
	}
	if job.Status != models.StatusFailed || job.SecondaryStatus != models.PhaseFailed || job.FailureReason == "" {
		t.Fatalf("job %s/%s %q", job.Status, job.SecondaryStatus, job.FailureReason)
	}
}

func TestTrainingListFilters(t *testing.T) {
	f := newFixture(t)
	f.completedJob(t, "one", nil)
	svc, _ := f.training()
	ctx := context.Background()
	if _, err := svc.Submit(ctx, f.trainingRequest("two", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := svc.List(ctx, models.ListFilter{Status: models.StatusCompleted})
	if err != nil || len(done) != 1 || done[0].Name != "one" {
		t.Fatalf("completed: %v %v", done, err)
	}
	all, _ := svc.List(ctx, models.ListFilter{})
	if len(all) != 2 {
		t.Fatalf("all: %d", len(all))
	}
}

func TestTestHorizon(t *testing.T) {
	test := dailyFrame(20)
	if got := testHorizon(test, 7); got.Len() != 7 || !got.Start().Equal(test.Start()) {
		t.Fatalf("horizon %d", got.Len())
	}
	if got := testHorizon(test, 50); got.Len() != 20 {
		t.Fatalf("short test: %d", got.Len())
	}
}

func TestTrainingRequeueUnfinished(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.training()
	ctx := context.Background()

	for _, name := range []string{"pending-1", "pending-2", "done-1"} {
		if _, err := svc.Submit(ctx, f.trainingRequest(name, nil)); err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
	}
	if _, err := runner.Execute(ctx, "done-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	f.queue.msgs = nil

	n, err := svc.Requeue(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 || len(f.queue.msgs) != 2 {
		t.Fatalf("requeued %d, queue %v", n, f.queue.msgs)
	}
}
