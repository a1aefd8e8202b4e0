package models

// Requests for the platform HTTP API. Bound and validated by the handlers.

type CreateTrainingJobRequest struct {
	Name            string            `json:"name" validate:"required,resourcename"`
	Hyperparameters map[string]string `json:"hyperparameters"`
	InputData       map[string]string `json:"input_data" validate:"required"`
	OutputPath      string            `json:"output_path"`
}

type CreateTuningJobRequest struct {
	Name                  string            `json:"name" validate:"required,resourcename,max=56"`
	Strategy              string            `json:"strategy" default:"Grid" validate:"oneof=Grid Random"`
	Seed                  int64             `json:"seed"`
	Objective             TuningObjective   `json:"objective"`
	Ranges                ParameterRanges   `json:"ranges"`
	StaticHyperparameters map[string]string `json:"static_hyperparameters"`
	InputData             map[string]string `json:"input_data" validate:"required"`
	OutputPath            string            `json:"output_path"`
	MaxJobs               int               `json:"max_jobs" default:"9" validate:"gte=1,lte=500"`
	MaxParallelJobs       int               `json:"max_parallel_jobs" default:"3" validate:"gte=1,lte=32"`
}

type CreateEndpointRequest struct {
	Name            string `json:"name" validate:"required,resourcename"`
	ModelArtifact   string `json:"model_artifact" validate:"required_without=TrainingJobName"`
	TrainingJobName string `json:"training_job_name" validate:"required_without=ModelArtifact"`
}

type UpdateEndpointRequest struct {
	ModelArtifact   string `json:"model_artifact" validate:"required_without=TrainingJobName"`
	TrainingJobName string `json:"training_job_name" validate:"required_without=ModelArtifact"`
}

type ListJobsRequest struct {
	Status    string `query:"status" validate:"omitempty,oneof=InProgress Completed Failed Stopping Stopped"`
	TuningJob string `query:"tuning_job"`
	Limit     int    `query:"limit" default:"50" validate:"gte=1,lte=1000"`
}

type HistoryRequest struct {
	Kind  string `query:"kind" validate:"omitempty,oneof=training_job tuning_job endpoint"`
	Name  string `query:"name"`
	Limit int    `query:"limit" default:"100" validate:"gte=1,lte=5000"`
}
