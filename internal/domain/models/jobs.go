package models

import (
	"regexp"
	"time"
)

var resourceName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidResourceName reports whether s can name a job or endpoint: 1-63 characters of
// [a-z0-9-] that neither start nor end with a hyphen.
func ValidResourceName(s string) bool { return resourceName.MatchString(s) }

type JobStatus string

const (
	StatusInProgress JobStatus = "InProgress"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
	StatusStopping   JobStatus = "Stopping"
	StatusStopped    JobStatus = "Stopped"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanBecome reports whether a stored job in status s may be overwritten by one in next.
// Finished jobs never change and a stop request is only followed by an end state.
func (s JobStatus) CanBecome(next JobStatus) bool {
	switch {
	case s.Terminal():
		return false
	case s == StatusStopping:
		return next == StatusStopping || next.Terminal()
	}
	return true
}

// Secondary statuses of a training job, in execution order.
const (
	PhaseStarting    = "Starting"
	PhaseDownloading = "Downloading"
	PhaseTraining    = "Training"
	PhaseUploading   = "Uploading"
	PhaseCompleted   = "Completed"
	PhaseFailed      = "Failed"
	PhaseStopped     = "Stopped"
)

// Input channels of a training job.
const (
	ChannelTrain = "train"
	ChannelTest  = "test"
)

type TrainingJob struct {
	Name            string            `json:"name"`
	TuningJobName   string            `json:"tuning_job_name,omitempty"`
	Hyperparameters map[string]string `json:"hyperparameters"`
	InputData       map[string]string `json:"input_data"`
	OutputPath      string            `json:"output_path"`
	Status          JobStatus         `json:"status"`
	SecondaryStatus string            `json:"secondary_status"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	FinalMetrics    Metrics           `json:"final_metrics,omitempty"`
	ModelArtifact   string            `json:"model_artifact,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CategoricalRange lists discrete values for one hyperparameter.
type CategoricalRange struct {
	Name   string   `json:"name" validate:"required"`
	Values []string `json:"values" validate:"required,min=1"`
}

// ContinuousRange is sampled at Steps evenly spaced points between Min and Max inclusive.
type ContinuousRange struct {
	Name  string  `json:"name" validate:"required"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max" validate:"gtefield=Min"`
	Steps int     `json:"steps" default:"3" validate:"gte=1,lte=50"`
	Scale string  `json:"scale" default:"linear" validate:"oneof=linear log"`
}

// IntegerRange covers every integer between Min and Max inclusive.
type IntegerRange struct {
	Name string `json:"name" validate:"required"`
	Min  int    `json:"min"`
	Max  int    `json:"max" validate:"gtefield=Min"`
}

type ParameterRanges struct {
	Categorical []CategoricalRange `json:"categorical,omitempty" validate:"dive"`
	Continuous  []ContinuousRange  `json:"continuous,omitempty" validate:"dive"`
	Integer     []IntegerRange     `json:"integer,omitempty" validate:"dive"`
}

const (
	StrategyGrid   = "Grid"
	StrategyRandom = "Random"

	ObjectiveMinimize = "Minimize"
	ObjectiveMaximize = "Maximize"
)

type TuningObjective struct {
	Metric string `json:"metric" default:"test:rmse" validate:"oneof=train:rmse train:mae test:rmse test:mae test:mape"`
	Type   string `json:"type" default:"Minimize" validate:"oneof=Minimize Maximize"`
}

// TrainingJobSummary is one tuning trial.
type TrainingJobSummary struct {
	Name            string            `json:"name"`
	Hyperparameters map[string]string `json:"hyperparameters"`
	Status          JobStatus         `json:"status"`
	ObjectiveValue  *float64          `json:"objective_value,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
}

type TuningJob struct {
	Name                  string               `json:"name"`
	Strategy              string               `json:"strategy"`
	Seed                  int64                `json:"seed,omitempty"`
	Objective             TuningObjective      `json:"objective"`
	Ranges                ParameterRanges      `json:"ranges"`
	StaticHyperparameters map[string]string    `json:"static_hyperparameters,omitempty"`
	InputData             map[string]string    `json:"input_data"`
	OutputPath            string               `json:"output_path"`
	MaxJobs               int                  `json:"max_jobs"`
	MaxParallelJobs       int                  `json:"max_parallel_jobs"`
	Status                JobStatus            `json:"status"`
	FailureReason         string               `json:"failure_reason,omitempty"`
	TrainingJobs          []TrainingJobSummary `json:"training_jobs"`
	BestTrainingJob       *TrainingJobSummary  `json:"best_training_job,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	EndedAt               *time.Time           `json:"ended_at,omitempty"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

type EndpointStatus string

const (
	EndpointCreating  EndpointStatus = "Creating"
	EndpointUpdating  EndpointStatus = "Updating"
	EndpointInService EndpointStatus = "InService"
	EndpointFailed    EndpointStatus = "Failed"
)

type Endpoint struct {
	Name            string         `json:"name"`
	ModelArtifact   string         `json:"model_artifact"`
	TrainingJobName string         `json:"training_job_name,omitempty"`
	Engine          string         `json:"engine,omitempty"`
	Status          EndpointStatus `json:"status"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ListFilter narrows list queries on job stores. Zero values match everything.
type ListFilter struct {
	Status    JobStatus
	TuningJob string
	Limit     int
}
