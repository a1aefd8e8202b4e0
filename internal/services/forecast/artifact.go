package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/internal/domain/service"
	applogger "AirCast/pkg/logger"
)

// ArtifactName is the file a training job writes under its output path.
const ArtifactName = "model.json"

const artifactFormat = 1

// Artifact is the persisted form of a trained model. Models are rebuilt by refitting the
// embedded training frame, which is deterministic for both engines.
type Artifact struct {
	Format          int                    `json:"format"`
	Engine          string                 `json:"engine"`
	Hyperparameters map[string]string      `json:"hyperparameters"`
	Frame           models.Frame           `json:"frame"`
	Metrics         models.Metrics         `json:"metrics,omitempty"`
	Summary         map[string]interface{} `json:"summary,omitempty"`
	TrainingJob     string                 `json:"training_job,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func NewArtifact(m service.Model, hp models.Hyperparameters, frame models.Frame, metrics models.Metrics) *Artifact {
	hp.Engine = m.Engine()
	return &Artifact{
		Format:          artifactFormat,
		Engine:          m.Engine(),
		Hyperparameters: hp.Map(),
		Frame:           frame,
		Metrics:         metrics,
		Summary:         m.Summary(),
		CreatedAt:       time.Now().UTC(),
	}
}

func (a *Artifact) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

func DecodeArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %v", models.ErrInvalid, err)
	}
	if a.Format != artifactFormat {
		return nil, fmt.Errorf("%w: unsupported artifact format %d", models.ErrInvalid, a.Format)
	}
	if a.Frame.Len() == 0 {
		return nil, fmt.Errorf("%w: artifact has no training frame", models.ErrInvalid)
	}
	return &a, nil
}

// LoadModel refits the model described by a.
func LoadModel(ctx context.Context, a *Artifact, log *applogger.Logger) (service.Model, error) {
	hp, err := ParseHyperparameters(a.Hyperparameters)
	if err != nil {
		return nil, err
	}
	if a.Engine != "" {
		hp.Engine = a.Engine
	}
	return Train(ctx, hp, a.Frame, log)
}
