package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/queue"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// TuningJobType is the queue message type consumed by TuningJobRunner.
const TuningJobType = "tuning_job"

type TuningPayload struct {
	Name string `json:"name"`
}

// maxIntegerSpan bounds how many values one integer range may cover.
const maxIntegerSpan = 10000

// maxGridSize bounds an uncapped grid search.
const maxGridSize = 100000

// dimension is one searchable hyperparameter. Integer axes keep only their bounds and
// render values on demand; the other axes carry their candidates in string form.
type dimension struct {
	name   string
	values []string
	lo, n  int
}

func (d dimension) size() int {
	if d.values == nil {
		return d.n
	}
	return len(d.values)
}

func (d dimension) at(i int) string {
	if d.values == nil {
		return strconv.Itoa(d.lo + i)
	}
	return d.values[i]
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 12, 64) }

// dimensions lists the grid axes in declaration order: categorical, continuous, integer.
func dimensions(r models.ParameterRanges) ([]dimension, error) {
	var dims []dimension
	seen := map[string]bool{}
	add := func(d dimension) error {
		if seen[d.name] {
			return fmt.Errorf("%w: hyperparameter %q has more than one range", models.ErrInvalid, d.name)
		}
		if d.size() == 0 {
			return fmt.Errorf("%w: range for %q is empty", models.ErrInvalid, d.name)
		}
		seen[d.name] = true
		dims = append(dims, d)
		return nil
	}

	for _, c := range r.Categorical {
		if err := add(dimension{name: c.Name, values: c.Values}); err != nil {
			return nil, err
		}
	}
	for _, c := range r.Continuous {
		vals, err := continuousGrid(c)
		if err != nil {
			return nil, err
		}
		if err := add(dimension{name: c.Name, values: vals}); err != nil {
			return nil, err
		}
	}
	for _, c := range r.Integer {
		if c.Max < c.Min {
			return nil, fmt.Errorf("%w: %q max below min", models.ErrInvalid, c.Name)
		}
		// unsigned difference stays exact for any Min <= Max
		if span := uint64(c.Max) - uint64(c.Min); span >= maxIntegerSpan {
			return nil, fmt.Errorf("%w: %q spans more than %d values", models.ErrInvalid, c.Name, maxIntegerSpan)
		}
		if err := add(dimension{name: c.Name, lo: c.Min, n: c.Max - c.Min + 1}); err != nil {
			return nil, err
		}
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: no parameter ranges", models.ErrInvalid)
	}
	return dims, nil
}

func continuousGrid(c models.ContinuousRange) ([]string, error) {
	if c.Max < c.Min {
		return nil, fmt.Errorf("%w: %q max below min", models.ErrInvalid, c.Name)
	}
	steps := c.Steps
	if steps < 1 {
		steps = 1
	}
	if c.Scale == "log" && c.Min <= 0 {
		return nil, fmt.Errorf("%w: log scaled %q needs a positive min", models.ErrInvalid, c.Name)
	}
	if steps == 1 || c.Min == c.Max {
		return []string{formatFloat(c.Min)}, nil
	}
	pts := make([]float64, steps)
	if c.Scale == "log" {
		floats.LogSpan(pts, c.Min, c.Max)
	} else {
		floats.Span(pts, c.Min, c.Max)
	}
	out := make([]string, steps)
	for i, v := range pts {
		out[i] = formatFloat(v)
	}
	return out, nil
}

// ExpandGrid returns the Cartesian product of the ranges, the last axis varying fastest,
// truncated to max candidates when max > 0.
func ExpandGrid(r models.ParameterRanges, max int) ([]map[string]string, error) {
	dims, err := dimensions(r)
	if err != nil {
		return nil, err
	}
	total := 1
	for _, d := range dims {
		if total > math.MaxInt32/d.size() {
			total = math.MaxInt32
			break
		}
		total *= d.size()
	}
	if max > 0 && total > max {
		total = max
	}
	if total > maxGridSize {
		return nil, fmt.Errorf("%w: grid of %d candidates exceeds %d, set max_jobs", models.ErrInvalid, total, maxGridSize)
	}

	out := make([]map[string]string, 0, total)
	idx := make([]int, len(dims))
	for len(out) < total {
		c := make(map[string]string, len(dims))
		for i, d := range dims {
			c[d.name] = d.at(idx[i])
		}
		out = append(out, c)
		for i := len(dims) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i].size() {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

// SampleRandom draws n candidates. Continuous ranges are sampled uniformly (in log space for
// log scale); categorical and integer ranges pick uniformly among their values.
func SampleRandom(r models.ParameterRanges, n int, seed int64) ([]map[string]string, error) {
	if _, err := dimensions(r); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	out := make([]map[string]string, n)
	for i := range out {
		c := map[string]string{}
		for _, cat := range r.Categorical {
			c[cat.Name] = cat.Values[rng.IntN(len(cat.Values))]
		}
		for _, cont := range r.Continuous {
			u := rng.Float64()
			v := cont.Min + u*(cont.Max-cont.Min)
			if cont.Scale == "log" {
				lo, hi := math.Log(cont.Min), math.Log(cont.Max)
				v = math.Exp(lo + u*(hi-lo))
			}
			c[cont.Name] = formatFloat(v)
		}
		for _, in := range r.Integer {
			c[in.Name] = strconv.Itoa(in.Min + rng.IntN(in.Max-in.Min+1))
		}
		out[i] = c
	}
	return out, nil
}

// candidates yields the full hyperparameter sets of a tuning job's trials.
func candidates(job *models.TuningJob) ([]map[string]string, error) {
	var (
		searched []map[string]string
		err      error
	)
	switch job.Strategy {
	case models.StrategyRandom:
		searched, err = SampleRandom(job.Ranges, job.MaxJobs, job.Seed)
	default:
		searched, err = ExpandGrid(job.Ranges, job.MaxJobs)
	}
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(searched))
	for i, s := range searched {
		hp := make(map[string]string, len(job.StaticHyperparameters)+len(s))
		for k, v := range job.StaticHyperparameters {
			hp[k] = v
		}
		for k, v := range s {
			hp[k] = v
		}
		out[i] = hp
	}
	return out, nil
}

func childName(tuning string, i int) string { return fmt.Sprintf("%s-%03d", tuning, i+1) }

func childRequest(job *models.TuningJob, i int, hp map[string]string) models.CreateTrainingJobRequest {
	return models.CreateTrainingJobRequest{
		Name:            childName(job.Name, i),
		Hyperparameters: hp,
		InputData:       job.InputData,
		OutputPath:      job.OutputPath,
	}
}

// pickBest returns the index of the best objective value, the earliest on ties, or -1.
func pickBest(summaries []models.TrainingJobSummary, objective string) int {
	best := -1
	for i, s := range summaries {
		if s.ObjectiveValue == nil || s.Status != models.StatusCompleted {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		v, b := *s.ObjectiveValue, *summaries[best].ObjectiveValue
		if objective == models.ObjectiveMaximize && v > b || objective != models.ObjectiveMaximize && v < b {
			best = i
		}
	}
	return best
}

// TuningService is the control plane of hyperparameter tuning jobs.
type TuningService struct {
	jobs     domrepo.TuningJobStore
	training *TrainingService
	queue    queue.Publisher
	runner   *TuningJobRunner
	emitter
}

func NewTuningService(
	jobs domrepo.TuningJobStore,
	training *TrainingService,
	q queue.Publisher,
	runner *TuningJobRunner,
	pub domrepo.EventPublisher,
	metrics domrepo.Metrics,
	log *applogger.Logger,
) *TuningService {
	return &TuningService{
		jobs:     jobs,
		training: training,
		queue:    q,
		runner:   runner,
		emitter:  emitter{pub: pub, metrics: metrics, log: log.Component("tuning"), now: time.Now},
	}
}

func (s *TuningService) Submit(ctx context.Context, req models.CreateTuningJobRequest) (*models.TuningJob, error) {
	if !models.ValidResourceName(req.Name) || len(req.Name) > 59 {
		return nil, fmt.Errorf("%w: invalid tuning job name %q", models.ErrInvalid, req.Name)
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyGrid
	}
	if req.Strategy != models.StrategyGrid && req.Strategy != models.StrategyRandom {
		return nil, fmt.Errorf("%w: unknown strategy %q", models.ErrInvalid, req.Strategy)
	}
	if req.Objective.Metric == "" {
		req.Objective.Metric = models.MetricTestRMSE
	}
	if req.Objective.Type == "" {
		req.Objective.Type = models.ObjectiveMinimize
	}
	if req.MaxJobs < 1 || req.MaxParallelJobs < 1 {
		return nil, fmt.Errorf("%w: max_jobs and max_parallel_jobs must be positive", models.ErrInvalid)
	}
	if strings.HasPrefix(req.Objective.Metric, models.ChannelTest+":") && req.InputData[models.ChannelTest] == "" {
		return nil, fmt.Errorf("%w: objective %s needs a test channel", models.ErrInvalid, req.Objective.Metric)
	}

	now := s.now().UTC()
	seed := req.Seed
	if req.Strategy == models.StrategyRandom && seed == 0 {
		seed = now.UnixNano()
	}
	job := &models.TuningJob{
		Name:                  req.Name,
		Strategy:              req.Strategy,
		Seed:                  seed,
		Objective:             req.Objective,
		Ranges:                req.Ranges,
		StaticHyperparameters: req.StaticHyperparameters,
		InputData:             req.InputData,
		OutputPath:            req.OutputPath,
		MaxJobs:               req.MaxJobs,
		MaxParallelJobs:       req.MaxParallelJobs,
		Status:                models.StatusInProgress,
		TrainingJobs:          []models.TrainingJobSummary{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// Every trial must be a valid training job before anything is persisted.
	trials, err := candidates(job)
	if err != nil {
		return nil, err
	}
	for i, hp := range trials {
		child, err := s.training.prepare(childRequest(job, i, hp), job.Name)
		if err != nil {
			return nil, fmt.Errorf("trial %d: %w", i+1, err)
		}
		if i == 0 && job.OutputPath == "" {
			job.OutputPath = child.OutputPath
		}
	}

	if err := s.jobs.CreateTuningJob(ctx, job); err != nil {
		return nil, err
	}
	s.emit(ctx, models.KindTuningJob, job.Name, models.EventSubmitted, string(job.Status),
		fmt.Sprintf("%s search over %d trials", job.Strategy, len(trials)), nil)

	if err := s.queue.PublishMessage(ctx, TuningJobType, TuningPayload{Name: job.Name}); err != nil {
		end := s.now().UTC()
		job.Status = models.StatusFailed
		job.FailureReason = "could not be queued: " + err.Error()
		job.EndedAt, job.UpdatedAt = &end, end
		if uerr := s.jobs.UpdateTuningJob(ctx, job); uerr != nil {
			s.log.Error("mark unqueued tuning job failed", applogger.String("job", job.Name), applogger.Error(uerr))
		}
		s.emit(ctx, models.KindTuningJob, job.Name, models.EventFailed, string(job.Status), job.FailureReason, nil)
		return nil, fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	s.log.Info("tuning job submitted",
		applogger.String("job", job.Name),
		applogger.String("strategy", job.Strategy),
		applogger.Int("trials", len(trials)),
		applogger.Int("parallel", job.MaxParallelJobs),
	)
	return job, nil
}

// Requeue publishes every unfinished tuning job again. Finished trials are kept; the rest
// run again under their original names.
func (s *TuningService) Requeue(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []models.JobStatus{models.StatusInProgress, models.StatusStopping} {
		jobs, err := s.jobs.ListTuningJobs(ctx, models.ListFilter{Status: status})
		if err != nil {
			return n, err
		}
		for _, job := range jobs {
			if err := s.queue.PublishMessage(ctx, TuningJobType, TuningPayload{Name: job.Name}); err != nil {
				return n, fmt.Errorf("requeue %s: %w", job.Name, err)
			}
			n++
		}
	}
	return n, nil
}

func (s *TuningService) Describe(ctx context.Context, name string) (*models.TuningJob, error) {
	return s.jobs.GetTuningJob(ctx, name)
}

func (s *TuningService) List(ctx context.Context, f models.ListFilter) ([]*models.TuningJob, error) {
	return s.jobs.ListTuningJobs(ctx, f)
}

// Stop cancels a tuning job and its running trials. Like training jobs, the stop is stored
// before the local run is cancelled.
func (s *TuningService) Stop(ctx context.Context, name string) (*models.TuningJob, error) {
	job, err := s.jobs.GetTuningJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: tuning job %s is already %s", models.ErrConflict, name, job.Status)
	}
	if job.Status == models.StatusStopping {
		return job, nil
	}
	now := s.now().UTC()
	job.UpdatedAt = now
	if (s.runner != nil && s.runner.active.has(name)) || len(job.TrainingJobs) > 0 {
		job.Status = models.StatusStopping
	} else {
		job.Status = models.StatusStopped
		job.EndedAt = &now
	}
	if err := s.jobs.UpdateTuningJob(ctx, job); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		current, gerr := s.jobs.GetTuningJob(ctx, name)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: tuning job %s is already %s", models.ErrConflict, name, current.Status)
	}
	if job.Status == models.StatusStopped {
		s.emit(ctx, models.KindTuningJob, name, models.EventStopped, string(job.Status), "", nil)
	} else if s.runner != nil {
		s.runner.active.cancel(name)
	}
	return job, nil
}

// TuningJobRunner runs the trials of a tuning job in-process, at most max_parallel_jobs at a time.
type TuningJobRunner struct {
	jobs     domrepo.TuningJobStore
	training *TrainingService
	trainer  *TrainingJobRunner
	poll     time.Duration
	emitter

	active *activeSet
}

var _ queue.Job = (*TuningJobRunner)(nil)

func NewTuningJobRunner(
	jobs domrepo.TuningJobStore,
	training *TrainingService,
	trainer *TrainingJobRunner,
	pub domrepo.EventPublisher,
	metrics domrepo.Metrics,
	poll time.Duration,
	log *applogger.Logger,
) *TuningJobRunner {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &TuningJobRunner{
		jobs:     jobs,
		training: training,
		trainer:  trainer,
		poll:     poll,
		emitter:  emitter{pub: pub, metrics: metrics, log: log.Component("tuning_runner"), now: time.Now},
		active:   newActiveSet(),
	}
}

func (r *TuningJobRunner) Name() string { return "tuning_job_runner" }
func (r *TuningJobRunner) Type() string { return TuningJobType }

func (r *TuningJobRunner) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.ParsePayload[TuningPayload](payload)
	if err != nil {
		return err
	}
	_, err = r.Execute(ctx, p.Name)
	return err
}

// Execute runs every trial of the named tuning job and records the best one.
func (r *TuningJobRunner) Execute(ctx context.Context, name string) (*models.TuningJob, error) {
	job, err := r.jobs.GetTuningJob(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load tuning job %s: %w", name, err)
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.Status == models.StatusStopping {
		return r.finish(ctx, job, models.StatusStopped, "")
	}
	trials, err := candidates(job)
	if err != nil {
		return r.finish(ctx, job, models.StatusFailed, err.Error())
	}

	runCtx, release := r.active.add(ctx, name)
	defer release()
	go r.watchStop(runCtx, name)

	r.emit(ctx, models.KindTuningJob, name, models.EventStarted, string(job.Status), "", nil)
	r.log.Info("tuning job started",
		applogger.String("job", name),
		applogger.Int("trials", len(trials)),
		applogger.Int("parallel", job.MaxParallelJobs),
	)

	// Summaries keep trial order regardless of completion order.
	var mu sync.Mutex
	summaries := make([]models.TrainingJobSummary, len(trials))
	for i, hp := range trials {
		summaries[i] = models.TrainingJobSummary{Name: childName(name, i), Hyperparameters: hp, Status: models.StatusInProgress}
	}
	record := func(i int, s models.TrainingJobSummary) error {
		mu.Lock()
		defer mu.Unlock()
		summaries[i] = s
		job.TrainingJobs = append(job.TrainingJobs[:0:0], summaries...)
		job.UpdatedAt = r.now().UTC()
		wctx := context.WithoutCancel(ctx)
		err := r.jobs.UpdateTuningJob(wctx, job)
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
		// A stop landed since the last write: carry it and keep the summaries.
		current, err := r.jobs.GetTuningJob(wctx, name)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return context.Canceled
		}
		job.Status = current.Status
		r.active.cancel(name)
		return r.jobs.UpdateTuningJob(wctx, job)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(job.MaxParallelJobs)
	for i, hp := range trials {
		g.Go(func() error {
			if gctx.Err() != nil {
				return record(i, models.TrainingJobSummary{Name: childName(name, i), Hyperparameters: hp, Status: models.StatusStopped})
			}
			s, err := r.trial(gctx, job, i, hp)
			if err != nil {
				return err
			}
			return record(i, s)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.metrics.RecordError("tuning")
		r.log.Error("tuning job aborted", applogger.String("job", name), applogger.Error(err))
		return r.finish(ctx, job, models.StatusFailed, err.Error())
	}

	for i := range summaries {
		if summaries[i].Status == models.StatusInProgress {
			summaries[i].Status = models.StatusStopped
		}
	}
	job.TrainingJobs = summaries
	if best := pickBest(summaries, job.Objective.Type); best >= 0 {
		b := summaries[best]
		job.BestTrainingJob = &b
	}

	current, err := r.jobs.GetTuningJob(context.WithoutCancel(ctx), name)
	if err == nil && (current.Status == models.StatusStopping || current.Status == models.StatusStopped) || runCtx.Err() != nil {
		return r.finish(ctx, job, models.StatusStopped, "")
	}
	if job.BestTrainingJob == nil {
		return r.finish(ctx, job, models.StatusFailed, "no training job completed")
	}
	return r.finish(ctx, job, models.StatusCompleted, "")
}

// trial creates (or resumes) one child training job and runs it to completion.
func (r *TuningJobRunner) trial(ctx context.Context, job *models.TuningJob, i int, hp map[string]string) (models.TrainingJobSummary, error) {
	req := childRequest(job, i, hp)
	summary := models.TrainingJobSummary{Name: req.Name, Hyperparameters: hp}

	if _, err := r.training.createChild(ctx, req, job.Name); err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			// Left over from an earlier delivery of this tuning job.
		case errors.Is(err, models.ErrInvalid):
			summary.Status = models.StatusFailed
			summary.FailureReason = err.Error()
			return summary, nil
		default:
			return summary, err
		}
	}

	child, err := r.trainer.Execute(ctx, req.Name)
	if err != nil {
		return summary, err
	}
	summary.Hyperparameters = child.Hyperparameters
	summary.Status = child.Status
	summary.FailureReason = child.FailureReason
	if v, ok := child.FinalMetrics[job.Objective.Metric]; ok && child.Status == models.StatusCompleted {
		summary.ObjectiveValue = &v
	}
	return summary, nil
}

// watchStop cancels the run when the stored status moves to Stopping, which is how a stop
// issued on another replica reaches this one.
func (r *TuningJobRunner) watchStop(ctx context.Context, name string) {
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			job, err := r.jobs.GetTuningJob(ctx, name)
			if err != nil {
				continue
			}
			if job.Status == models.StatusStopping || job.Status == models.StatusStopped {
				r.active.cancel(name)
				return
			}
		}
	}
}

func (r *TuningJobRunner) finish(ctx context.Context, job *models.TuningJob, status models.JobStatus, reason string) (*models.TuningJob, error) {
	ctx = context.WithoutCancel(ctx)
	now := r.now().UTC()
	job.Status = status
	job.FailureReason = reason
	job.EndedAt = &now
	job.UpdatedAt = now
	if err := r.jobs.UpdateTuningJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrConflict) {
			if current, gerr := r.jobs.GetTuningJob(ctx, job.Name); gerr == nil {
				r.log.Warn("tuning job settled elsewhere",
					applogger.String("job", job.Name),
					applogger.String("status", string(current.Status)),
					applogger.String("dropped", string(status)),
				)
				return current, nil
			}
		}
		return nil, fmt.Errorf("update tuning job %s: %w", job.Name, err)
	}

	typ := models.EventCompleted
	switch status {
	case models.StatusStopped:
		typ = models.EventStopped
	case models.StatusFailed:
		typ = models.EventFailed
	}
	var best models.Metrics
	msg := reason
	if job.BestTrainingJob != nil && job.BestTrainingJob.ObjectiveValue != nil {
		best = models.Metrics{job.Objective.Metric: *job.BestTrainingJob.ObjectiveValue}
		if msg == "" {
			msg = "best training job " + job.BestTrainingJob.Name
		}
	}
	r.emit(ctx, models.KindTuningJob, job.Name, typ, string(status), msg, best)
	r.log.Info("tuning job finished",
		applogger.String("job", job.Name),
		applogger.String("status", string(status)),
		applogger.Int("trials", len(job.TrainingJobs)),
	)
	return job, nil
}
