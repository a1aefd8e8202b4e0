package repository

import (
	"context"
	"io"

	"AirCast/internal/domain/models"
)

// ObjectStore holds datasets and model artifacts. Keys are slash separated paths relative
// to the store root; URIs are the externally visible form of a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	URI(key string) string
	Key(uri string) (string, error)
}

type TrainingJobStore interface {
	CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error
	UpdateTrainingJob(ctx context.Context, job *models.TrainingJob) error
	GetTrainingJob(ctx context.Context, name string) (*models.TrainingJob, error)
	ListTrainingJobs(ctx context.Context, filter models.ListFilter) ([]*models.TrainingJob, error)
}

type TuningJobStore interface {
	CreateTuningJob(ctx context.Context, job *models.TuningJob) error
	UpdateTuningJob(ctx context.Context, job *models.TuningJob) error
	GetTuningJob(ctx context.Context, name string) (*models.TuningJob, error)
	ListTuningJobs(ctx context.Context, filter models.ListFilter) ([]*models.TuningJob, error)
}

type EndpointStore interface {
	SaveEndpoint(ctx context.Context, ep *models.Endpoint) error
	// UpdateEndpoint replaces an existing endpoint and reports ErrNotFound once it is deleted.
	UpdateEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, name string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*models.Endpoint, error)
	DeleteEndpoint(ctx context.Context, name string) error
}

// JobStore is the platform's control-plane state.
type JobStore interface {
	TrainingJobStore
	TuningJobStore
	EndpointStore
	Close() error
}

// EventPublisher emits job lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, evt models.JobEvent) error
	Close() error
}

// HistoryStore persists job events for later inspection.
type HistoryStore interface {
	Insert(ctx context.Context, events ...models.JobEvent) error
	List(ctx context.Context, q models.HistoryQuery) ([]models.JobEvent, error)
}

type Metrics interface {
	RecordJob(kind, status string)
	RecordTrainingDuration(engine string, seconds float64)
	RecordInvocation(endpoint string, points int, seconds float64)
	RecordCache(result string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
