package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"AirCast/internal/dataset"
	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	"AirCast/internal/services/forecast"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/objectstore"
	"AirCast/pkg/queue"
)

// TrainingJobType is the queue message type consumed by TrainingJobRunner.
const TrainingJobType = "training_job"

// TrainingPayload is the queue message for one training job.
type TrainingPayload struct {
	Name string `json:"name"`
}

// TrainingConfig carries the defaults applied to submitted jobs.
type TrainingConfig struct {
	DefaultEngine string
	OutputPrefix  string
}

// TrainingService is the control plane of managed training jobs.
type TrainingService struct {
	jobs    domrepo.TrainingJobStore
	objects domrepo.ObjectStore
	queue   queue.Publisher
	runner  *TrainingJobRunner
	cfg     TrainingConfig
	emitter
}

func NewTrainingService(
	jobs domrepo.TrainingJobStore,
	objects domrepo.ObjectStore,
	q queue.Publisher,
	runner *TrainingJobRunner,
	pub domrepo.EventPublisher,
	metrics domrepo.Metrics,
	cfg TrainingConfig,
	log *applogger.Logger,
) *TrainingService {
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = models.EngineForecaster
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = "models"
	}
	return &TrainingService{
		jobs:    jobs,
		objects: objects,
		queue:   q,
		runner:  runner,
		cfg:     cfg,
		emitter: emitter{pub: pub, metrics: metrics, log: log.Component("training"), now: time.Now},
	}
}

// prepare validates a request and builds the job record without persisting it.
func (s *TrainingService) prepare(req models.CreateTrainingJobRequest, tuningJob string) (*models.TrainingJob, error) {
	if !models.ValidResourceName(req.Name) {
		return nil, fmt.Errorf("%w: invalid job name %q", models.ErrInvalid, req.Name)
	}

	raw := make(map[string]string, len(req.Hyperparameters)+1)
	for k, v := range req.Hyperparameters {
		raw[k] = v
	}
	if raw[models.KeyEngine] == "" {
		raw[models.KeyEngine] = s.cfg.DefaultEngine
	}
	hp, err := forecast.ParseHyperparameters(raw)
	if err != nil {
		return nil, err
	}

	if req.InputData[models.ChannelTrain] == "" {
		return nil, fmt.Errorf("%w: input_data.%s is required", models.ErrInvalid, models.ChannelTrain)
	}
	for channel, uri := range req.InputData {
		if channel != models.ChannelTrain && channel != models.ChannelTest {
			return nil, fmt.Errorf("%w: unknown channel %q", models.ErrInvalid, channel)
		}
		if _, err := s.objects.Key(uri); err != nil {
			return nil, fmt.Errorf("%w: input_data.%s: %v", models.ErrInvalid, channel, err)
		}
	}

	output := req.OutputPath
	if output == "" {
		output = s.objects.URI(s.cfg.OutputPrefix)
	}
	if _, err := s.objects.Key(output); err != nil {
		return nil, fmt.Errorf("%w: output_path: %v", models.ErrInvalid, err)
	}

	now := s.now().UTC()
	return &models.TrainingJob{
		Name:            req.Name,
		TuningJobName:   tuningJob,
		Hyperparameters: hp.Map(),
		InputData:       req.InputData,
		OutputPath:      output,
		Status:          models.StatusInProgress,
		SecondaryStatus: models.PhaseStarting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// createChild persists a job that a tuning runner will execute in-process.
func (s *TrainingService) createChild(ctx context.Context, req models.CreateTrainingJobRequest, tuningJob string) (*models.TrainingJob, error) {
	job, err := s.prepare(req, tuningJob)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.CreateTrainingJob(ctx, job); err != nil {
		return nil, err
	}
	s.emit(ctx, models.KindTrainingJob, job.Name, models.EventSubmitted, string(job.Status), "tuning job "+tuningJob, nil)
	return job, nil
}

// Submit persists a new job and queues it for a worker.
func (s *TrainingService) Submit(ctx context.Context, req models.CreateTrainingJobRequest) (*models.TrainingJob, error) {
	job, err := s.prepare(req, "")
	if err != nil {
		return nil, err
	}
	if err := s.jobs.CreateTrainingJob(ctx, job); err != nil {
		return nil, err
	}
	s.emit(ctx, models.KindTrainingJob, job.Name, models.EventSubmitted, string(job.Status), "", nil)

	if err := s.queue.PublishMessage(ctx, TrainingJobType, TrainingPayload{Name: job.Name}); err != nil {
		s.log.Error("enqueue training job", applogger.String("job", job.Name), applogger.Error(err))
		job.Status = models.StatusFailed
		job.SecondaryStatus = models.PhaseFailed
		job.FailureReason = "could not be queued: " + err.Error()
		end := s.now().UTC()
		job.EndedAt, job.UpdatedAt = &end, end
		if uerr := s.jobs.UpdateTrainingJob(ctx, job); uerr != nil {
			s.log.Error("mark unqueued job failed", applogger.String("job", job.Name), applogger.Error(uerr))
		}
		s.emit(ctx, models.KindTrainingJob, job.Name, models.EventFailed, string(job.Status), job.FailureReason, nil)
		return nil, fmt.Errorf("enqueue %s: %w", job.Name, err)
	}

	s.log.Info("training job submitted",
		applogger.String("job", job.Name),
		applogger.String("engine", job.Hyperparameters[models.KeyEngine]),
		applogger.String("train", job.InputData[models.ChannelTrain]),
	)
	return job, nil
}

// Requeue publishes every unfinished standalone job again. Local mode calls it on start
// because its in-process queue does not survive a restart; tuning trials are resumed by their
// tuning job instead.
func (s *TrainingService) Requeue(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []models.JobStatus{models.StatusInProgress, models.StatusStopping} {
		jobs, err := s.jobs.ListTrainingJobs(ctx, models.ListFilter{Status: status})
		if err != nil {
			return n, err
		}
		for _, job := range jobs {
			if job.TuningJobName != "" {
				continue
			}
			if err := s.queue.PublishMessage(ctx, TrainingJobType, TrainingPayload{Name: job.Name}); err != nil {
				return n, fmt.Errorf("requeue %s: %w", job.Name, err)
			}
			n++
		}
	}
	return n, nil
}

func (s *TrainingService) Describe(ctx context.Context, name string) (*models.TrainingJob, error) {
	return s.jobs.GetTrainingJob(ctx, name)
}

func (s *TrainingService) List(ctx context.Context, f models.ListFilter) ([]*models.TrainingJob, error) {
	return s.jobs.ListTrainingJobs(ctx, f)
}

// Stop cancels a job. A job that has started moves to Stopping and its runner records
// Stopped when it unwinds; a job not yet picked up is marked Stopped at once. The stored
// status is written before the runner is cancelled, and the store refuses to overwrite a
// finished job, so a stop racing with the end of a run cannot resurrect it.
func (s *TrainingService) Stop(ctx context.Context, name string) (*models.TrainingJob, error) {
	job, err := s.jobs.GetTrainingJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: training job %s is already %s", models.ErrConflict, name, job.Status)
	}
	if job.Status == models.StatusStopping {
		return job, nil
	}

	now := s.now().UTC()
	job.UpdatedAt = now
	if job.StartedAt != nil || (s.runner != nil && s.runner.active.has(name)) {
		// Runners elsewhere notice at the next phase boundary.
		job.Status = models.StatusStopping
	} else {
		job.Status = models.StatusStopped
		job.SecondaryStatus = models.PhaseStopped
		job.EndedAt = &now
	}
	if err := s.jobs.UpdateTrainingJob(ctx, job); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		current, gerr := s.jobs.GetTrainingJob(ctx, name)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: training job %s is already %s", models.ErrConflict, name, current.Status)
	}
	if job.Status == models.StatusStopped {
		s.emit(ctx, models.KindTrainingJob, name, models.EventStopped, string(job.Status), "", nil)
	} else if s.runner != nil {
		s.runner.cancel(name)
	}
	return job, nil
}

// TrainingJobRunner executes queued training jobs: download channels, fit, score, upload the
// artifact. Fit failures end the job as Failed and are not retried by the queue.
type TrainingJobRunner struct {
	jobs    domrepo.TrainingJobStore
	objects domrepo.ObjectStore
	timeout time.Duration
	emitter

	active *activeSet
}

var _ queue.Job = (*TrainingJobRunner)(nil)

func NewTrainingJobRunner(
	jobs domrepo.TrainingJobStore,
	objects domrepo.ObjectStore,
	pub domrepo.EventPublisher,
	metrics domrepo.Metrics,
	timeout time.Duration,
	log *applogger.Logger,
) *TrainingJobRunner {
	return &TrainingJobRunner{
		jobs:    jobs,
		objects: objects,
		timeout: timeout,
		emitter: emitter{pub: pub, metrics: metrics, log: log.Component("training_runner"), now: time.Now},
		active:  newActiveSet(),
	}
}

func (r *TrainingJobRunner) Name() string { return "training_job_runner" }
func (r *TrainingJobRunner) Type() string { return TrainingJobType }

func (r *TrainingJobRunner) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.ParsePayload[TrainingPayload](payload)
	if err != nil {
		return err
	}
	_, err = r.Execute(ctx, p.Name)
	return err
}

func (r *TrainingJobRunner) cancel(name string) bool { return r.active.cancel(name) }

// Execute runs the named job to a terminal status and returns the final record. The error is
// non-nil only when the job store itself fails, which is worth a queue retry.
func (r *TrainingJobRunner) Execute(ctx context.Context, name string) (*models.TrainingJob, error) {
	job, err := r.jobs.GetTrainingJob(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load training job %s: %w", name, err)
	}
	if job.Status.Terminal() {
		r.log.Info("skipping finished training job", applogger.String("job", name), applogger.String("status", string(job.Status)))
		return job, nil
	}
	if job.Status == models.StatusStopping {
		return r.finish(ctx, job, models.StatusStopped, "")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx, release := r.active.add(ctx, name)
	defer release()

	started := r.now().UTC()
	job.StartedAt = &started
	if err := r.phase(ctx, job, models.PhaseDownloading); err != nil {
		return r.interrupted(ctx, job, err)
	}
	r.emit(ctx, models.KindTrainingJob, name, models.EventStarted, string(job.Status), "", nil)

	metrics, artifactURI, err := r.train(ctx, job)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return r.interrupted(ctx, job, err)
		}
		r.metrics.RecordError("training")
		r.log.Error("training job failed", applogger.String("job", name), applogger.Error(err))
		return r.finish(ctx, job, models.StatusFailed, err.Error())
	}

	job.FinalMetrics = finiteMetrics(metrics)
	job.ModelArtifact = artifactURI
	return r.finish(ctx, job, models.StatusCompleted, "")
}

func (r *TrainingJobRunner) train(ctx context.Context, job *models.TrainingJob) (models.Metrics, string, error) {
	train, err := downloadChannel(ctx, r.objects, job, models.ChannelTrain)
	if err != nil {
		return nil, "", err
	}
	var test models.Frame
	if job.InputData[models.ChannelTest] != "" {
		if test, err = downloadChannel(ctx, r.objects, job, models.ChannelTest); err != nil {
			return nil, "", err
		}
	}

	hp, err := forecast.ParseHyperparameters(job.Hyperparameters)
	if err != nil {
		return nil, "", err
	}
	if err := r.phase(ctx, job, models.PhaseTraining); err != nil {
		return nil, "", err
	}

	start := time.Now()
	model, err := forecast.Train(ctx, hp, train, r.log.With(applogger.String("job", job.Name)))
	if err != nil {
		return nil, "", err
	}
	r.metrics.RecordTrainingDuration(model.Engine(), time.Since(start).Seconds())

	metrics := models.Metrics{}
	scores, err := forecast.Score(ctx, model, train)
	if err != nil {
		return nil, "", fmt.Errorf("score train: %w", err)
	}
	metrics[models.MetricTrainRMSE] = scores.RMSE
	metrics[models.MetricTrainMAE] = scores.MAE

	if horizon := testHorizon(test, hp.PredictionPeriods); horizon.Len() > 0 {
		scores, err := forecast.Score(ctx, model, horizon)
		if err != nil {
			return nil, "", fmt.Errorf("score test: %w", err)
		}
		metrics[models.MetricTestRMSE] = scores.RMSE
		metrics[models.MetricTestMAE] = scores.MAE
		metrics[models.MetricTestMAPE] = scores.MAPE
	}
	r.log.Info("model fitted",
		applogger.String("job", job.Name),
		applogger.String("engine", model.Engine()),
		applogger.Int("rows", train.Len()),
		applogger.Float64("train_rmse", metrics[models.MetricTrainRMSE]),
		applogger.Duration("duration_ms", time.Since(start)),
	)

	if err := r.phase(ctx, job, models.PhaseUploading); err != nil {
		return nil, "", err
	}
	art := forecast.NewArtifact(model, hp, train, finiteMetrics(metrics))
	art.TrainingJob = job.Name
	uri, err := uploadArtifact(ctx, r.objects, job, art)
	if err != nil {
		return nil, "", err
	}
	return metrics, uri, nil
}

// testHorizon is the first periods rows of test, the window the model is asked to forecast.
func testHorizon(test models.Frame, periods int) models.Frame {
	if periods > 0 && test.Len() > periods {
		return test[:periods]
	}
	return test
}

// phase records a secondary status, honouring stop requests made through the store.
func (r *TrainingJobRunner) phase(ctx context.Context, job *models.TrainingJob, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := r.jobs.GetTrainingJob(ctx, job.Name)
	if err != nil {
		return err
	}
	if current.Status == models.StatusStopping || current.Status == models.StatusStopped {
		return context.Canceled
	}
	job.SecondaryStatus = phase
	job.UpdatedAt = r.now().UTC()
	err = r.jobs.UpdateTrainingJob(ctx, job)
	if errors.Is(err, models.ErrConflict) {
		// stopped between the read and the write
		return context.Canceled
	}
	return err
}

// interrupted settles a job whose context ended or whose store update failed.
func (r *TrainingJobRunner) interrupted(ctx context.Context, job *models.TrainingJob, cause error) (*models.TrainingJob, error) {
	ctx = context.WithoutCancel(ctx)
	current, err := r.jobs.GetTrainingJob(ctx, job.Name)
	if err != nil {
		return nil, fmt.Errorf("reload training job %s: %w", job.Name, err)
	}
	job.Status = current.Status
	switch {
	case current.Status == models.StatusStopping || current.Status == models.StatusStopped,
		errors.Is(cause, context.Canceled):
		return r.finish(ctx, job, models.StatusStopped, "")
	case errors.Is(cause, context.DeadlineExceeded):
		return r.finish(ctx, job, models.StatusFailed, "training exceeded its time limit")
	default:
		return r.finish(ctx, job, models.StatusFailed, cause.Error())
	}
}

func (r *TrainingJobRunner) finish(ctx context.Context, job *models.TrainingJob, status models.JobStatus, reason string) (*models.TrainingJob, error) {
	ctx = context.WithoutCancel(ctx)
	now := r.now().UTC()
	job.Status = status
	job.FailureReason = reason
	job.EndedAt = &now
	job.UpdatedAt = now

	typ := models.EventCompleted
	switch status {
	case models.StatusCompleted:
		job.SecondaryStatus = models.PhaseCompleted
	case models.StatusStopped:
		job.SecondaryStatus = models.PhaseStopped
		typ = models.EventStopped
	default:
		job.SecondaryStatus = models.PhaseFailed
		typ = models.EventFailed
	}
	if err := r.jobs.UpdateTrainingJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrConflict) {
			if current, gerr := r.jobs.GetTrainingJob(ctx, job.Name); gerr == nil {
				r.log.Warn("training job settled elsewhere",
					applogger.String("job", job.Name),
					applogger.String("status", string(current.Status)),
					applogger.String("dropped", string(status)),
				)
				return current, nil
			}
		}
		return nil, fmt.Errorf("update training job %s: %w", job.Name, err)
	}
	r.emit(ctx, models.KindTrainingJob, job.Name, typ, string(status), reason, job.FinalMetrics)
	return job, nil
}

// activeSet tracks cancel funcs of jobs running in this process.
type activeSet struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newActiveSet() *activeSet {
	return &activeSet{cancels: make(map[string]context.CancelFunc)}
}

func (a *activeSet) add(ctx context.Context, name string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[name] = cancel
	a.mu.Unlock()
	return ctx, func() {
		a.mu.Lock()
		delete(a.cancels, name)
		a.mu.Unlock()
		cancel()
	}
}

func (a *activeSet) has(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.cancels[name]
	return ok
}

func (a *activeSet) cancel(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cancels[name]
	if ok {
		c()
	}
	return ok
}

func downloadChannel(ctx context.Context, objects domrepo.ObjectStore, job *models.TrainingJob, channel string) (models.Frame, error) {
	frame, err := dataset.DownloadFrame(ctx, objects, job.InputData[channel])
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", channel, err)
	}
	return frame, nil
}

// uploadArtifact writes art to <output_path>/<job>/model.json and returns its URI.
func uploadArtifact(ctx context.Context, objects domrepo.ObjectStore, job *models.TrainingJob, art *forecast.Artifact) (string, error) {
	prefix, err := objects.Key(job.OutputPath)
	if err != nil {
		return "", fmt.Errorf("%w: output_path: %v", models.ErrInvalid, err)
	}
	key := objectstore.Join(prefix, job.Name, forecast.ArtifactName)

	var buf bytes.Buffer
	if err := art.Encode(&buf); err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	if err := objects.Put(ctx, key, &buf, int64(buf.Len()), "application/json"); err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return objects.URI(key), nil
}
