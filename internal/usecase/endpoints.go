package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	"AirCast/internal/domain/service"
	"AirCast/internal/services/forecast"
	"AirCast/pkg/cache"
	applogger "AirCast/pkg/logger"
)

const (
	predictionPrefix = "pred"
	deployLockTTL    = 10 * time.Minute
)

type ServingConfig struct {
	CacheTTL        time.Duration
	MaxDates        int
	DefaultEndpoint string
}

// liveModel is a fitted model registered under an endpoint. Models are never mutated after
// registration; a redeploy swaps in a new liveModel.
type liveModel struct {
	model    service.Model
	version  int
	artifact string
	created  time.Time
}

// fresh reports whether lm still serves ep: the same incarnation of the endpoint, and not
// behind the stored version.
func (lm *liveModel) fresh(ep *models.Endpoint) bool {
	return lm.created.Equal(ep.CreatedAt) && lm.version >= ep.Version
}

// EndpointService deploys trained models behind named endpoints and serves predictions.
type EndpointService struct {
	store        domrepo.EndpointStore
	trainingJobs domrepo.TrainingJobStore
	objects      domrepo.ObjectStore
	cache        cache.Service
	cfg          ServingConfig
	emitter

	mu   sync.RWMutex
	live map[string]*liveModel

	loadMu  sync.Mutex
	deploys sync.WaitGroup
}

func NewEndpointService(
	store domrepo.EndpointStore,
	trainingJobs domrepo.TrainingJobStore,
	objects domrepo.ObjectStore,
	c cache.Service,
	pub domrepo.EventPublisher,
	metrics domrepo.Metrics,
	cfg ServingConfig,
	log *applogger.Logger,
) *EndpointService {
	if cfg.MaxDates <= 0 {
		cfg.MaxDates = forecast.DefaultMaxDates
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &EndpointService{
		store:        store,
		trainingJobs: trainingJobs,
		objects:      objects,
		cache:        c,
		cfg:          cfg,
		emitter:      emitter{pub: pub, metrics: metrics, log: log.Component("serving"), now: time.Now},
		live:         make(map[string]*liveModel),
	}
}

// resolveArtifact returns the model URI to deploy, taken from the request or from the
// named training job.
func (s *EndpointService) resolveArtifact(ctx context.Context, uri, trainingJob string) (string, error) {
	if trainingJob != "" {
		job, err := s.trainingJobs.GetTrainingJob(ctx, trainingJob)
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: training job %s does not exist", models.ErrInvalid, trainingJob)
		}
		if err != nil {
			return "", err
		}
		if job.Status != models.StatusCompleted || job.ModelArtifact == "" {
			return "", fmt.Errorf("%w: training job %s is %s", models.ErrInvalid, trainingJob, job.Status)
		}
		if uri == "" {
			uri = job.ModelArtifact
		}
	}
	if uri == "" {
		return "", fmt.Errorf("%w: model_artifact or training_job_name is required", models.ErrInvalid)
	}
	key, err := s.objects.Key(uri)
	if err != nil {
		return "", fmt.Errorf("%w: model_artifact: %v", models.ErrInvalid, err)
	}
	ok, err := s.objects.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check artifact: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: model artifact %s does not exist", models.ErrInvalid, uri)
	}
	return uri, nil
}

func deployLock(name string) string { return cache.Key("lock", "deploy", name) }

// Create registers an endpoint and deploys its model in the background. The endpoint is
// Creating until the model is fitted, then InService or Failed.
func (s *EndpointService) Create(ctx context.Context, req models.CreateEndpointRequest) (*models.Endpoint, error) {
	if !models.ValidResourceName(req.Name) {
		return nil, fmt.Errorf("%w: invalid endpoint name %q", models.ErrInvalid, req.Name)
	}
	uri, err := s.resolveArtifact(ctx, req.ModelArtifact, req.TrainingJobName)
	if err != nil {
		return nil, err
	}

	token, locked, err := s.cache.TryLock(ctx, deployLock(req.Name), deployLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock endpoint: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: endpoint %s is being deployed", models.ErrConflict, req.Name)
	}
	if _, err := s.store.GetEndpoint(ctx, req.Name); err == nil {
		s.unlock(ctx, req.Name, token)
		return nil, fmt.Errorf("%w: endpoint %s", models.ErrConflict, req.Name)
	} else if !errors.Is(err, models.ErrNotFound) {
		s.unlock(ctx, req.Name, token)
		return nil, err
	}

	now := s.now().UTC()
	ep := &models.Endpoint{
		Name:            req.Name,
		ModelArtifact:   uri,
		TrainingJobName: req.TrainingJobName,
		Status:          models.EndpointCreating,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.SaveEndpoint(ctx, ep); err != nil {
		s.unlock(ctx, req.Name, token)
		return nil, err
	}
	s.emit(ctx, models.KindEndpoint, ep.Name, models.EventSubmitted, string(ep.Status), uri, nil)

	s.startDeploy(ctx, *ep, nil, token)
	return ep, nil
}

// Update redeploys an endpoint with another model. The current model keeps serving until
// the new one is fitted; if fitting fails the endpoint keeps its previous model.
func (s *EndpointService) Update(ctx context.Context, name string, req models.UpdateEndpointRequest) (*models.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	uri, err := s.resolveArtifact(ctx, req.ModelArtifact, req.TrainingJobName)
	if err != nil {
		return nil, err
	}
	token, locked, err := s.cache.TryLock(ctx, deployLock(name), deployLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock endpoint: %w", err)
	}
	if !locked || ep.Status == models.EndpointCreating || ep.Status == models.EndpointUpdating {
		if locked {
			s.unlock(ctx, name, token)
		}
		return nil, fmt.Errorf("%w: endpoint %s is being deployed", models.ErrConflict, name)
	}

	prev := *ep
	ep.ModelArtifact = uri
	ep.TrainingJobName = req.TrainingJobName
	ep.Status = models.EndpointUpdating
	ep.FailureReason = ""
	ep.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		s.unlock(ctx, name, token)
		return nil, err
	}
	s.startDeploy(ctx, *ep, &prev, token)
	return ep, nil
}

func (s *EndpointService) startDeploy(ctx context.Context, ep models.Endpoint, prev *models.Endpoint, token string) {
	ctx = context.WithoutCancel(ctx)
	s.deploys.Add(1)
	go func() {
		defer s.deploys.Done()
		defer s.unlock(ctx, ep.Name, token)
		s.deploy(ctx, ep, prev)
	}()
}

// unlock releases a deploy lock. A lock that outlived deployLockTTL may already belong to
// another deployment and is left alone.
func (s *EndpointService) unlock(ctx context.Context, name, token string) {
	if err := s.cache.Unlock(ctx, deployLock(name), token); err != nil {
		s.log.Warn("release deploy lock", applogger.String("endpoint", name), applogger.Error(err))
	}
}

// Wait blocks until background deployments have finished.
func (s *EndpointService) Wait() { s.deploys.Wait() }

// deploy fits the endpoint's model and records the outcome. Every write is conditional on
// the endpoint still existing, so a delete that races the deployment wins.
func (s *EndpointService) deploy(ctx context.Context, ep models.Endpoint, prev *models.Endpoint) {
	start := time.Now()
	model, err := s.load(ctx, ep.ModelArtifact)
	if err != nil {
		s.metrics.RecordError("deploy")
		s.log.Error("endpoint deployment failed",
			applogger.String("endpoint", ep.Name),
			applogger.String("artifact", ep.ModelArtifact),
			applogger.Error(err),
		)
		failed := ep
		if prev != nil {
			failed = *prev
			if failed.Status == models.EndpointCreating || failed.Status == models.EndpointUpdating {
				failed.Status = models.EndpointFailed
			}
			failed.FailureReason = fmt.Sprintf("update to %s failed: %v", ep.ModelArtifact, err)
		} else {
			failed.Status = models.EndpointFailed
			failed.FailureReason = err.Error()
		}
		failed.UpdatedAt = s.now().UTC()
		if !s.record(ctx, &failed) {
			return
		}
		s.emit(ctx, models.KindEndpoint, ep.Name, models.EventFailed, string(failed.Status), failed.FailureReason, nil)
		return
	}

	s.mu.RLock()
	version := ep.Version + 1
	if cur, ok := s.live[ep.Name]; ok && cur.created.Equal(ep.CreatedAt) && cur.version >= version {
		version = cur.version + 1
	}
	s.mu.RUnlock()

	ep.Version = version
	ep.Engine = model.Engine()
	ep.Status = models.EndpointInService
	ep.FailureReason = ""
	ep.UpdatedAt = s.now().UTC()
	if !s.record(ctx, &ep) {
		return
	}
	s.mu.Lock()
	s.live[ep.Name] = &liveModel{model: model, version: version, artifact: ep.ModelArtifact, created: ep.CreatedAt}
	s.mu.Unlock()

	s.invalidate(ctx, ep.Name)
	s.metrics.RecordLatency("endpoint_deploy_seconds", time.Since(start).Seconds())
	s.emit(ctx, models.KindEndpoint, ep.Name, models.EventDeployed, string(ep.Status), ep.ModelArtifact, nil)
	s.log.Info("endpoint in service",
		applogger.String("endpoint", ep.Name),
		applogger.String("engine", ep.Engine),
		applogger.Int("version", ep.Version),
		applogger.Duration("duration_ms", time.Since(start)),
	)
}

// record stores the outcome of a deployment and reports whether the endpoint still exists.
func (s *EndpointService) record(ctx context.Context, ep *models.Endpoint) bool {
	err := s.store.UpdateEndpoint(ctx, ep)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrNotFound):
		s.log.Info("endpoint deleted during deployment", applogger.String("endpoint", ep.Name))
	default:
		s.log.Error("save endpoint", applogger.String("endpoint", ep.Name), applogger.Error(err))
	}
	return false
}

// load fetches an artifact and refits its model.
func (s *EndpointService) load(ctx context.Context, uri string) (service.Model, error) {
	key, err := s.objects.Key(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	rc, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	defer rc.Close()
	art, err := forecast.DecodeArtifact(rc)
	if err != nil {
		return nil, err
	}
	return forecast.LoadModel(ctx, art, s.log.With(applogger.String("artifact", uri)))
}

func (s *EndpointService) invalidate(ctx context.Context, name string) {
	pattern := cache.Pattern(predictionPrefix, name)
	if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
		s.log.Warn("invalidate predictions", applogger.String("endpoint", name), applogger.Error(err))
	}
}

// model returns the live model of an endpoint. The stored endpoint decides what is served:
// a model deployed by another process replaces the local one, and a deleted or failed
// endpoint drops it.
func (s *EndpointService) model(ctx context.Context, name string) (*liveModel, error) {
	ep, err := s.store.GetEndpoint(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.evict(name)
		}
		return nil, err
	}
	switch ep.Status {
	case models.EndpointInService, models.EndpointUpdating:
	case models.EndpointFailed:
		s.evict(name)
		return nil, fmt.Errorf("%w: endpoint %s failed: %s", models.ErrNotReady, name, ep.FailureReason)
	default:
		return nil, fmt.Errorf("%w: endpoint %s is %s", models.ErrNotReady, name, ep.Status)
	}
	if lm := s.current(name, ep); lm != nil {
		return lm, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if lm := s.current(name, ep); lm != nil {
		return lm, nil
	}
	m, err := s.load(ctx, ep.ModelArtifact)
	if err != nil {
		return nil, fmt.Errorf("load endpoint %s: %w", name, err)
	}
	lm := &liveModel{model: m, version: ep.Version, artifact: ep.ModelArtifact, created: ep.CreatedAt}
	s.mu.Lock()
	if cur, ok := s.live[name]; ok && cur.fresh(ep) {
		lm = cur
	} else {
		s.live[name] = lm
	}
	s.mu.Unlock()
	return lm, nil
}

func (s *EndpointService) current(name string, ep *models.Endpoint) *liveModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lm, ok := s.live[name]; ok && lm.fresh(ep) {
		return lm
	}
	return nil
}

func (s *EndpointService) evict(name string) {
	s.mu.Lock()
	delete(s.live, name)
	s.mu.Unlock()
}

func predictionKey(name string, version int, dates []time.Time) string {
	var b strings.Builder
	for _, d := range dates {
		b.WriteString(d.UTC().Format(time.RFC3339))
		b.WriteByte(',')
	}
	return cache.Key(predictionPrefix, name, version, cache.Digest(b.String()))
}

// Invoke forecasts the requested dates with the endpoint's model.
func (s *EndpointService) Invoke(ctx context.Context, name string, req models.ForecastRequest) ([]models.ForecastPoint, error) {
	start := time.Now()
	dates, err := forecast.ResolveDates(req, s.cfg.MaxDates)
	if err != nil {
		return nil, err
	}
	lm, err := s.model(ctx, name)
	if err != nil {
		return nil, err
	}

	key := predictionKey(name, lm.version, dates)
	var points []models.ForecastPoint
	if err := s.cache.Get(ctx, key, &points); err == nil && len(points) == len(dates) {
		s.metrics.RecordCache("hit")
		s.metrics.RecordInvocation(name, len(points), time.Since(start).Seconds())
		return points, nil
	}
	s.metrics.RecordCache("miss")

	points, err = lm.model.Predict(ctx, dates)
	if err != nil {
		s.metrics.RecordError("predict")
		return nil, fmt.Errorf("predict %s: %w", name, err)
	}
	if err := s.cache.Set(ctx, key, points, s.cfg.CacheTTL); err != nil {
		s.log.Warn("cache predictions", applogger.String("endpoint", name), applogger.Error(err))
	}
	s.metrics.RecordInvocation(name, len(points), time.Since(start).Seconds())
	return points, nil
}

func (s *EndpointService) Describe(ctx context.Context, name string) (*models.Endpoint, error) {
	return s.store.GetEndpoint(ctx, name)
}

func (s *EndpointService) List(ctx context.Context) ([]*models.Endpoint, error) {
	return s.store.ListEndpoints(ctx)
}

func (s *EndpointService) Delete(ctx context.Context, name string) error {
	if err := s.store.DeleteEndpoint(ctx, name); err != nil {
		return err
	}
	s.evict(name)
	s.invalidate(ctx, name)
	s.emit(ctx, models.KindEndpoint, name, models.EventDeleted, "", "", nil)
	return nil
}

// Restore loads in-service endpoints after a restart and resumes interrupted deployments.
func (s *EndpointService) Restore(ctx context.Context) error {
	eps, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	for _, ep := range eps {
		switch ep.Status {
		case models.EndpointInService:
			if _, err := s.model(ctx, ep.Name); err != nil {
				s.log.Warn("restore endpoint", applogger.String("endpoint", ep.Name), applogger.Error(err))
			}
		case models.EndpointCreating, models.EndpointUpdating:
			token, locked, err := s.cache.TryLock(ctx, deployLock(ep.Name), deployLockTTL)
			if err != nil || !locked {
				continue
			}
			s.log.Info("resuming endpoint deployment", applogger.String("endpoint", ep.Name))
			s.startDeploy(ctx, *ep, nil, token)
		}
	}
	return nil
}

// defaultName picks the endpoint behind /ping and /invocations: the configured one, or else
// the most recently updated endpoint in service.
func (s *EndpointService) defaultName(ctx context.Context) (string, error) {
	if s.cfg.DefaultEndpoint != "" {
		return s.cfg.DefaultEndpoint, nil
	}
	eps, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return "", err
	}
	var best *models.Endpoint
	for _, ep := range eps {
		if ep.Status != models.EndpointInService {
			continue
		}
		if best == nil || ep.UpdatedAt.After(best.UpdatedAt) {
			best = ep
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no endpoint in service", models.ErrNotReady)
	}
	return best.Name, nil
}

// Ping reports whether the default endpoint can serve predictions.
func (s *EndpointService) Ping(ctx context.Context) error {
	name, err := s.defaultName(ctx)
	if err != nil {
		return err
	}
	_, err = s.model(ctx, name)
	return err
}

// InvokeDefault serves a prediction request against the default endpoint.
func (s *EndpointService) InvokeDefault(ctx context.Context, req models.ForecastRequest) ([]models.ForecastPoint, error) {
	name, err := s.defaultName(ctx)
	if err != nil {
		return nil, err
	}
	return s.Invoke(ctx, name, req)
}
