package usecase

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"AirCast/internal/domain/models"
)

func searchRanges() models.ParameterRanges {
	return models.ParameterRanges{
		Categorical: []models.CategoricalRange{{Name: models.KeySeasonalityMode, Values: []string{"additive", "multiplicative"}}},
		Continuous:  []models.ContinuousRange{{Name: models.KeyChangepointPriorScale, Min: 0.01, Max: 0.5, Steps: 3, Scale: "linear"}},
		Integer:     []models.IntegerRange{{Name: models.KeyNChangepoints, Min: 10, Max: 11}},
	}
}

func TestExpandGridOrderAndSize(t *testing.T) {
	grid, err := ExpandGrid(searchRanges(), 0)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(grid) != 2*3*2 {
		t.Fatalf("size %d", len(grid))
	}
	first := map[string]string{
		models.KeySeasonalityMode:       "additive",
		models.KeyChangepointPriorScale: "0.01",
		models.KeyNChangepoints:         "10",
	}
	if !reflect.DeepEqual(grid[0], first) {
		t.Fatalf("first %v", grid[0])
	}
	if grid[1][models.KeyNChangepoints] != "11" || grid[1][models.KeyChangepointPriorScale] != "0.01" {
		t.Fatalf("last axis should vary fastest: %v", grid[1])
	}
	if grid[2][models.KeyChangepointPriorScale] != "0.255" {
		t.Fatalf("midpoint %v", grid[2])
	}
	if grid[11][models.KeySeasonalityMode] != "multiplicative" || grid[11][models.KeyChangepointPriorScale] != "0.5" {
		t.Fatalf("last %v", grid[11])
	}

	capped, err := ExpandGrid(searchRanges(), 5)
	if err != nil || len(capped) != 5 {
		t.Fatalf("capped: %d %v", len(capped), err)
	}
	if !reflect.DeepEqual(capped, grid[:5]) {
		t.Fatal("truncation must keep the grid prefix")
	}
}

func TestExpandGridRejectsBadRanges(t *testing.T) {
	cases := map[string]models.ParameterRanges{
		"empty":    {},
		"no value": {Categorical: []models.CategoricalRange{{Name: "growth"}}},
		"dup": {
			Categorical: []models.CategoricalRange{{Name: "growth", Values: []string{"flat"}}},
			Integer:     []models.IntegerRange{{Name: "growth", Min: 1, Max: 2}},
		},
		"log from zero": {Continuous: []models.ContinuousRange{{Name: "x", Min: 0, Max: 1, Steps: 3, Scale: "log"}}},
		"inverted":      {Integer: []models.IntegerRange{{Name: "x", Min: 3, Max: 1}}},
	}
	for name, r := range cases {
		if _, err := ExpandGrid(r, 0); !errors.Is(err, models.ErrInvalid) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}

func TestIntegerRangeSpanIsBounded(t *testing.T) {
	huge := models.ParameterRanges{Integer: []models.IntegerRange{{Name: models.KeyNChangepoints, Min: 0, Max: 1_000_000_000_000}}}
	if _, err := ExpandGrid(huge, 4); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("grid err=%v", err)
	}
	if _, err := SampleRandom(huge, 4, 1); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("random err=%v", err)
	}
	full := models.ParameterRanges{Integer: []models.IntegerRange{{Name: "x", Min: math.MinInt, Max: math.MaxInt}}}
	if _, err := ExpandGrid(full, 1); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("full int range err=%v", err)
	}

	// wide axes stay lazy, only the requested prefix is rendered
	wide := models.ParameterRanges{Integer: []models.IntegerRange{
		{Name: "a", Min: 0, Max: maxIntegerSpan - 1},
		{Name: "b", Min: -5, Max: maxIntegerSpan - 6},
	}}
	grid, err := ExpandGrid(wide, 3)
	if err != nil {
		t.Fatalf("wide: %v", err)
	}
	if len(grid) != 3 || grid[2]["a"] != "0" || grid[2]["b"] != "-3" {
		t.Fatalf("wide grid %v", grid)
	}
	if _, err := ExpandGrid(wide, 0); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("uncapped wide grid err=%v", err)
	}
}

func TestContinuousLogGrid(t *testing.T) {
	vals, err := continuousGrid(models.ContinuousRange{Name: "x", Min: 0.001, Max: 10, Steps: 5, Scale: "log"})
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	want := []string{"0.001", "0.01", "0.1", "1", "10"}
	if !reflect.DeepEqual(vals, want) {
		t.Fatalf("got %v", vals)
	}
}

func TestSampleRandomIsSeeded(t *testing.T) {
	a, err := SampleRandom(searchRanges(), 6, 42)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	b, _ := SampleRandom(searchRanges(), 6, 42)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed must give the same trials")
	}
	for _, c := range a {
		if len(c) != 3 {
			t.Fatalf("trial %v", c)
		}
	}
}

func TestPickBest(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	s := []models.TrainingJobSummary{
		{Name: "a", Status: models.StatusFailed},
		{Name: "b", Status: models.StatusCompleted, ObjectiveValue: v(3)},
		{Name: "c", Status: models.StatusCompleted, ObjectiveValue: v(2)},
		{Name: "d", Status: models.StatusCompleted, ObjectiveValue: v(2)},
		{Name: "e", Status: models.StatusStopped, ObjectiveValue: v(1)},
	}
	if got := pickBest(s, models.ObjectiveMinimize); got != 2 {
		t.Fatalf("minimize picked %d", got)
	}
	if got := pickBest(s, models.ObjectiveMaximize); got != 1 {
		t.Fatalf("maximize picked %d", got)
	}
	if got := pickBest(s[:1], models.ObjectiveMinimize); got != -1 {
		t.Fatalf("no eligible trial picked %d", got)
	}
}

func (f *fixture) tuning() (*TuningService, *TuningJobRunner) {
	training, trainer := f.training()
	runner := NewTuningJobRunner(f.store, training, trainer, f.hub, f.metrics, 10*time.Millisecond, f.log)
	return NewTuningService(f.store, training, f.queue, runner, f.hub, f.metrics, f.log), runner
}

func TestTuningRunPicksBestTrial(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.tuning()
	ctx := context.Background()

	req := models.CreateTuningJobRequest{
		Name:      "search",
		Strategy:  models.StrategyGrid,
		Objective: models.TuningObjective{Metric: models.MetricTestRMSE, Type: models.ObjectiveMinimize},
		Ranges: models.ParameterRanges{
			Categorical: []models.CategoricalRange{{Name: models.KeySeasonalityMode, Values: []string{"additive", "multiplicative"}}},
			Continuous:  []models.ContinuousRange{{Name: models.KeyChangepointPriorScale, Min: 0.01, Max: 0.5, Steps: 2, Scale: "linear"}},
		},
		StaticHyperparameters: map[string]string{models.KeyEngine: models.EngineBaseline, models.KeyPredictionPeriods: "7"},
		InputData:             f.channels,
		MaxJobs:               9,
		MaxParallelJobs:       2,
	}
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.queue.msgs) != 1 || f.queue.msgs[0] != TuningJobType {
		t.Fatalf("queued %v", f.queue.msgs)
	}

	job, err := runner.Execute(ctx, "search")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("status %s: %s", job.Status, job.FailureReason)
	}
	if len(job.TrainingJobs) != 4 {
		t.Fatalf("trials %d", len(job.TrainingJobs))
	}
	for i, s := range job.TrainingJobs {
		if s.Name != childName("search", i) || s.Status != models.StatusCompleted || s.ObjectiveValue == nil {
			t.Fatalf("trial %d: %+v", i, s)
		}
		if s.Hyperparameters[models.KeyEngine] != models.EngineBaseline {
			t.Fatalf("static hyperparameters lost: %v", s.Hyperparameters)
		}
	}
	best := job.BestTrainingJob
	if best == nil {
		t.Fatal("no best training job")
	}
	for _, s := range job.TrainingJobs {
		if *s.ObjectiveValue < *best.ObjectiveValue {
			t.Fatalf("%s beats best %s", s.Name, best.Name)
		}
	}

	children, err := f.store.ListTrainingJobs(ctx, models.ListFilter{TuningJob: "search"})
	if err != nil || len(children) != 4 {
		t.Fatalf("children %d %v", len(children), err)
	}

	// A redelivery reuses the finished job.
	again, err := runner.Execute(ctx, "search")
	if err != nil || again.Status != models.StatusCompleted {
		t.Fatalf("re-execute: %v %v", again, err)
	}
}

func TestTuningSubmitValidatesTrials(t *testing.T) {
	f := newFixture(t)
	svc, _ := f.tuning()
	ctx := context.Background()

	req := models.CreateTuningJobRequest{
		Name:            "bad",
		Ranges:          models.ParameterRanges{Categorical: []models.CategoricalRange{{Name: models.KeyGrowth, Values: []string{"linear", "logistic"}}}},
		InputData:       f.channels,
		MaxJobs:         4,
		MaxParallelJobs: 1,
	}
	if _, err := svc.Submit(ctx, req); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("invalid trial err=%v", err)
	}
	if _, err := svc.Describe(ctx, "bad"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("rejected job was stored: %v", err)
	}

	req.Ranges = searchRanges()
	req.InputData = map[string]string{models.ChannelTrain: f.channels[models.ChannelTrain]}
	if _, err := svc.Submit(ctx, req); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("test objective without test channel err=%v", err)
	}
}

func TestTuningStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	svc, runner := f.tuning()
	ctx := context.Background()

	req := models.CreateTuningJobRequest{
		Name:            "halt",
		Strategy:        models.StrategyRandom,
		Seed:            7,
		Objective:       models.TuningObjective{Metric: models.MetricTrainRMSE, Type: models.ObjectiveMinimize},
		Ranges:          searchRanges(),
		InputData:       f.channels,
		MaxJobs:         3,
		MaxParallelJobs: 1,
	}
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := svc.Stop(ctx, "halt")
	if err != nil || job.Status != models.StatusStopped {
		t.Fatalf("stop: %+v %v", job, err)
	}
	ran, err := runner.Execute(ctx, "halt")
	if err != nil || ran.Status != models.StatusStopped || len(ran.TrainingJobs) != 0 {
		t.Fatalf("runner ran a stopped job: %+v %v", ran, err)
	}
}

func TestTuningStopWhileRunning(t *testing.T) {
	f := newFixture(t)
	gate := newGatedObjects(f.objects)
	training, trainer := f.gatedTraining(gate)
	runner := NewTuningJobRunner(f.store, training, trainer, f.hub, f.metrics, 10*time.Millisecond, f.log)
	svc := NewTuningService(f.store, training, f.queue, runner, f.hub, f.metrics, f.log)
	ctx := context.Background()

	req := models.CreateTuningJobRequest{
		Name:            "sweep",
		Strategy:        models.StrategyGrid,
		Objective:       models.TuningObjective{Metric: models.MetricTrainRMSE, Type: models.ObjectiveMinimize},
		Ranges:          searchRanges(),
		InputData:       f.channels,
		MaxJobs:         3,
		MaxParallelJobs: 1,
	}
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	type outcome struct {
		job *models.TuningJob
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		job, err := runner.Execute(ctx, "sweep")
		done <- outcome{job, err}
	}()
	gate.waitReached(t)

	job, err := svc.Stop(ctx, "sweep")
	if err != nil || job.Status != models.StatusStopping {
		t.Fatalf("stop: %+v %v", job, err)
	}

	var ran *models.TuningJob
	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("execute: %v", o.err)
		}
		ran = o.job
	case <-time.After(10 * time.Second):
		t.Fatal("tuning runner did not return")
	}
	if ran.Status != models.StatusStopped || ran.BestTrainingJob != nil {
		t.Fatalf("result %s best=%v", ran.Status, ran.BestTrainingJob)
	}
	if len(ran.TrainingJobs) != 3 {
		t.Fatalf("trials %d", len(ran.TrainingJobs))
	}
	for i, s := range ran.TrainingJobs {
		if s.Status != models.StatusStopped {
			t.Fatalf("trial %d status %s", i, s.Status)
		}
	}

	stored, err := svc.Describe(ctx, "sweep")
	if err != nil || stored.Status != models.StatusStopped {
		t.Fatalf("stored %+v %v", stored, err)
	}
	child, err := f.store.GetTrainingJob(ctx, childName("sweep", 0))
	if err != nil || child.Status != models.StatusStopped {
		t.Fatalf("first trial %+v %v", child, err)
	}
	if _, err := svc.Stop(ctx, "sweep"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("stop after stopped err=%v", err)
	}
}
