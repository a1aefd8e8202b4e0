package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	applogger "AirCast/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// replaceIfExists writes ARGV[2] to field ARGV[1] only when the field is present.
var replaceIfExists = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
    return 1
end
return 0
`)

// replaceJob writes document ARGV[2] with status ARGV[3] to field ARGV[1]. It returns 0 when
// the field is absent and -1 when the stored status may not become ARGV[3], mirroring
// JobStatus.CanBecome.
var replaceJob = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
    return 0
end
local ended = {Completed = true, Failed = true, Stopped = true}
local status = cjson.decode(cur)['status']
if ended[status] or (status == 'Stopping' and ARGV[3] ~= 'Stopping' and not ended[ARGV[3]]) then
    return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisJobStore keeps one hash per resource kind, keyed by name, holding JSON documents.
type RedisJobStore struct {
	cli    redis.UniversalClient
	prefix string
	l      *applogger.Logger
}

var _ domrepo.JobStore = (*RedisJobStore)(nil)

func NewRedisJobStore(cli redis.UniversalClient, prefix string, l *applogger.Logger) *RedisJobStore {
	if prefix == "" {
		prefix = "aircast"
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &RedisJobStore{cli: cli, prefix: prefix, l: l.Component("redis_store")}
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisJobStore) Close() error { return nil }

func (s *RedisJobStore) key(kind models.ResourceKind) string {
	return fmt.Sprintf("%s:%ss", s.prefix, kind)
}

func (s *RedisJobStore) create(ctx context.Context, kind models.ResourceKind, name string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	ok, err := s.cli.HSetNX(ctx, s.key(kind), name, body).Result()
	if err != nil {
		return fmt.Errorf("hsetnx %s: %w", kind, err)
	}
	if !ok {
		return fmt.Errorf("%s %q: %w", kind, name, models.ErrConflict)
	}
	return nil
}

func (s *RedisJobStore) update(ctx context.Context, kind models.ResourceKind, name string, status models.JobStatus, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	n, err := replaceJob.Run(ctx, s.cli, []string{s.key(kind)}, name, body, string(status)).Int()
	if err != nil {
		return fmt.Errorf("update %s: %w", kind, err)
	}
	switch n {
	case 0:
		return fmt.Errorf("%s %q: %w", kind, name, models.ErrNotFound)
	case -1:
		return fmt.Errorf("%s %q cannot become %s: %w", kind, name, status, models.ErrConflict)
	}
	return nil
}

func (s *RedisJobStore) get(ctx context.Context, kind models.ResourceKind, name string) ([]byte, error) {
	body, err := s.cli.HGet(ctx, s.key(kind), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %q: %w", kind, name, models.ErrNotFound)
	}
	if err != nil {
		s.l.Error("redis hget error", applogger.String("kind", string(kind)), applogger.String("name", name), applogger.Error(err))
		return nil, fmt.Errorf("hget %s: %w", kind, err)
	}
	return body, nil
}

func listAll[T any](ctx context.Context, s *RedisJobStore, kind models.ResourceKind) ([]*T, error) {
	all, err := s.cli.HGetAll(ctx, s.key(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", kind, err)
	}
	out := make([]*T, 0, len(all))
	for name, body := range all {
		v, err := decodeDoc[T]([]byte(body))
		if err != nil {
			s.l.Warn("skipping undecodable document", applogger.String("kind", string(kind)), applogger.String("name", name), applogger.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisJobStore) CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	return s.create(ctx, models.KindTrainingJob, job.Name, job)
}

func (s *RedisJobStore) UpdateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	return s.update(ctx, models.KindTrainingJob, job.Name, job.Status, job)
}

func (s *RedisJobStore) GetTrainingJob(ctx context.Context, name string) (*models.TrainingJob, error) {
	body, err := s.get(ctx, models.KindTrainingJob, name)
	if err != nil {
		return nil, err
	}
	return decodeDoc[models.TrainingJob](body)
}

func (s *RedisJobStore) ListTrainingJobs(ctx context.Context, f models.ListFilter) ([]*models.TrainingJob, error) {
	jobs, err := listAll[models.TrainingJob](ctx, s, models.KindTrainingJob)
	if err != nil {
		return nil, err
	}
	newestFirst(jobs,
		func(j *models.TrainingJob) int64 { return j.CreatedAt.UnixNano() },
		func(j *models.TrainingJob) string { return j.Name })
	return filterTrainingJobs(jobs, f), nil
}

func (s *RedisJobStore) CreateTuningJob(ctx context.Context, job *models.TuningJob) error {
	return s.create(ctx, models.KindTuningJob, job.Name, job)
}

func (s *RedisJobStore) UpdateTuningJob(ctx context.Context, job *models.TuningJob) error {
	return s.update(ctx, models.KindTuningJob, job.Name, job.Status, job)
}

func (s *RedisJobStore) GetTuningJob(ctx context.Context, name string) (*models.TuningJob, error) {
	body, err := s.get(ctx, models.KindTuningJob, name)
	if err != nil {
		return nil, err
	}
	return decodeDoc[models.TuningJob](body)
}

func (s *RedisJobStore) ListTuningJobs(ctx context.Context, f models.ListFilter) ([]*models.TuningJob, error) {
	jobs, err := listAll[models.TuningJob](ctx, s, models.KindTuningJob)
	if err != nil {
		return nil, err
	}
	newestFirst(jobs,
		func(j *models.TuningJob) int64 { return j.CreatedAt.UnixNano() },
		func(j *models.TuningJob) string { return j.Name })
	return filterTuningJobs(jobs, f), nil
}

func (s *RedisJobStore) SaveEndpoint(ctx context.Context, ep *models.Endpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	if err := s.cli.HSet(ctx, s.key(models.KindEndpoint), ep.Name, body).Err(); err != nil {
		return fmt.Errorf("hset endpoint: %w", err)
	}
	return nil
}

func (s *RedisJobStore) UpdateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	n, err := replaceIfExists.Run(ctx, s.cli, []string{s.key(models.KindEndpoint)}, ep.Name, body).Int()
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("endpoint %q: %w", ep.Name, models.ErrNotFound)
	}
	return nil
}

func (s *RedisJobStore) GetEndpoint(ctx context.Context, name string) (*models.Endpoint, error) {
	body, err := s.get(ctx, models.KindEndpoint, name)
	if err != nil {
		return nil, err
	}
	return decodeDoc[models.Endpoint](body)
}

func (s *RedisJobStore) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	eps, err := listAll[models.Endpoint](ctx, s, models.KindEndpoint)
	if err != nil {
		return nil, err
	}
	newestFirst(eps,
		func(e *models.Endpoint) int64 { return e.CreatedAt.UnixNano() },
		func(e *models.Endpoint) string { return e.Name })
	return eps, nil
}

func (s *RedisJobStore) DeleteEndpoint(ctx context.Context, name string) error {
	n, err := s.cli.HDel(ctx, s.key(models.KindEndpoint), name).Result()
	if err != nil {
		return fmt.Errorf("hdel endpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("endpoint %q: %w", name, models.ErrNotFound)
	}
	return nil
}
