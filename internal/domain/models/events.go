package models

import "time"

type ResourceKind string

const (
	KindTrainingJob ResourceKind = "training_job"
	KindTuningJob   ResourceKind = "tuning_job"
	KindEndpoint    ResourceKind = "endpoint"
)

// Event types.
const (
	EventSubmitted = "submitted"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventStopped   = "stopped"
	EventDeployed  = "deployed"
	EventDeleted   = "deleted"
)

// JobEvent is a lifecycle transition of a training job, tuning job or endpoint. Events are
// published to the event bus and stored as job history.
type JobEvent struct {
	ID         string       `json:"id"`
	Kind       ResourceKind `json:"kind"`
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	Status     string       `json:"status"`
	Message    string       `json:"message,omitempty"`
	Metrics    Metrics      `json:"metrics,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// HistoryQuery filters stored job events.
type HistoryQuery struct {
	Kind  ResourceKind
	Name  string
	Limit int
}
