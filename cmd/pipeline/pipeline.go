package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"AirCast/internal/dataset"
	"AirCast/internal/di"
	"AirCast/internal/domain/models"
	domrepo "AirCast/internal/domain/repository"
	"AirCast/internal/domain/service"
	icache "AirCast/internal/service/cache"
	"AirCast/internal/service/ratelimit"
	"AirCast/internal/services/forecast"
	"AirCast/internal/services/platform"
	pkgcache "AirCast/pkg/cache"
	"AirCast/pkg/config"
	xhttp "AirCast/pkg/http"
	applogger "AirCast/pkg/logger"
	"AirCast/pkg/objectstore"
	"AirCast/pkg/util"
)

type options struct {
	jobName     string
	tuningName  string
	endpoint    string
	start       string
	end         string
	engine      string
	maxJobs     int
	maxParallel int
	noWait      bool
}

// platformAPI is the part of the platform client the pipeline drives.
type platformAPI interface {
	CreateTrainingJob(ctx context.Context, req models.CreateTrainingJobRequest) (*models.TrainingJob, error)
	WaitTrainingJob(ctx context.Context, name string, onUpdate func(*models.TrainingJob)) (*models.TrainingJob, error)
	CreateTuningJob(ctx context.Context, req models.CreateTuningJobRequest) (*models.TuningJob, error)
	WaitTuningJob(ctx context.Context, name string, onUpdate func(*models.TuningJob)) (*models.TuningJob, error)
	CreateEndpoint(ctx context.Context, req models.CreateEndpointRequest) (*models.Endpoint, error)
	UpdateEndpoint(ctx context.Context, name string, req models.UpdateEndpointRequest) (*models.Endpoint, error)
	WaitEndpoint(ctx context.Context, name string) (*models.Endpoint, error)
	Invoke(ctx context.Context, name string, req models.ForecastRequest) ([]models.ForecastPoint, error)
}

type pipeline struct {
	cfg     *config.Config
	log     *applogger.Logger
	out     io.Writer
	opts    options
	objects domrepo.ObjectStore
	fetcher *dataset.Fetcher
	api     platformAPI
	closers []io.Closer

	// trainingJob is the job whose model the deploy and predict steps use.
	trainingJob string
}

func newPipeline(ctx context.Context, cfg *config.Config, l *applogger.Logger, out io.Writer, opts options) (*pipeline, error) {
	objects, err := di.OpenObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	p := &pipeline{
		cfg:     cfg,
		log:     l.Component("pipeline"),
		out:     out,
		opts:    opts,
		objects: objects,
		api:     platform.NewClient(cfg, l),
	}

	// Archives are cached in Redis when the platform runs in cloud mode so repeated runs skip
	// the download.
	var archives icache.BytesCache = icache.NewTTLCache()
	if cfg.IsCloud() {
		rc, err := pkgcache.NewRedisCache(
			pkgcache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
			pkgcache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		)
		if err != nil {
			p.log.Warn("redis unavailable, caching archive in memory", applogger.Error(err))
		} else {
			archives = icache.NewRedisCache(rc.Client(), cfg.Redis.Prefix+":archives")
			p.closers = append(p.closers, rc)
		}
	}
	p.fetcher = dataset.NewFetcher(
		xhttp.NewClient(xhttp.WithTimeout(cfg.Dataset.Timeout), xhttp.WithUserAgent("aircast-pipeline/1.0")),
		dataset.WithCache(archives, cfg.Dataset.CacheTTL),
		dataset.WithLimiter(ratelimit.New(1, 1, time.Minute)),
		dataset.WithLogger(l.Component("dataset")),
	)
	return p, nil
}

func (p *pipeline) Close() {
	for _, c := range p.closers {
		_ = c.Close()
	}
}

// Run executes one step or, for "all", every step in workflow order.
func (p *pipeline) Run(ctx context.Context, step string) error {
	run := map[string]func(context.Context) error{
		"data":    p.data,
		"local":   p.local,
		"train":   p.train,
		"deploy":  p.deploy,
		"predict": p.predict,
		"tune":    p.tune,
	}
	if step == "all" {
		for _, s := range steps {
			if err := p.runStep(ctx, s, run[s]); err != nil {
				return err
			}
		}
		return nil
	}
	fn, ok := run[step]
	if !ok {
		return fmt.Errorf("unknown step %q", step)
	}
	return p.runStep(ctx, step, fn)
}

func (p *pipeline) runStep(ctx context.Context, name string, fn func(context.Context) error) error {
	fmt.Fprintf(p.out, "==> %s\n", name)
	started := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	p.log.Info("step finished", applogger.String("step", name), applogger.Duration("took", time.Since(started)))
	return nil
}

func (p *pipeline) localPath(channel string) string {
	return filepath.Join(p.cfg.Dataset.LocalDir, channel+".csv")
}

func (p *pipeline) channels() map[string]string {
	prefix := p.cfg.Storage.Prefix
	return map[string]string{
		models.ChannelTrain: p.objects.URI(objectstore.Join(prefix, models.ChannelTrain, "train.csv")),
		models.ChannelTest:  p.objects.URI(objectstore.Join(prefix, models.ChannelTest, "test.csv")),
	}
}

// data fetches the archive, resamples the pollutant series, splits it, keeps local CSV
// copies and uploads both splits.
func (p *pipeline) data(ctx context.Context) error {
	frame, err := p.fetcher.Build(ctx, dataset.Options{
		URL:       p.cfg.Dataset.URL,
		Station:   p.cfg.Dataset.Station,
		Pollutant: p.cfg.Dataset.Pollutant,
		Frequency: p.cfg.Dataset.Frequency,
	})
	if err != nil {
		return err
	}
	train, test, err := dataset.Split(frame, p.cfg.Dataset.TestDays)
	if err != nil {
		return err
	}
	dataset.PrintSummary(p.out, "all", frame)
	dataset.PrintSummary(p.out, "train", train)
	dataset.PrintSummary(p.out, "test", test)

	if err := os.MkdirAll(p.cfg.Dataset.LocalDir, 0o755); err != nil {
		return err
	}
	for channel, f := range map[string]models.Frame{models.ChannelTrain: train, models.ChannelTest: test} {
		if err := writeFrame(p.localPath(channel), f); err != nil {
			return err
		}
	}

	uris, err := dataset.UploadSplits(ctx, p.objects, p.cfg.Storage.Prefix, train, test)
	if err != nil {
		return err
	}
	for _, ch := range []string{models.ChannelTrain, models.ChannelTest} {
		fmt.Fprintf(p.out, "uploaded %-5s %s\n", ch, uris[ch])
	}
	return nil
}

func writeFrame(path string, frame models.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dataset.WriteCSV(f, frame); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readFrame(path string) (models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s missing, run -step data first", path)
		}
		return nil, err
	}
	defer f.Close()
	return dataset.ReadCSV(f)
}

func (p *pipeline) hyperparameters() models.Hyperparameters {
	hp := forecast.DefaultHyperparameters()
	hp.Engine = p.cfg.Training.DefaultEngine
	if p.opts.engine != "" {
		hp.Engine = p.opts.engine
	}
	hp.PredictionPeriods = p.cfg.Dataset.TestDays
	return hp
}

// local fits the default model on the local train split and scores it on the test split.
func (p *pipeline) local(ctx context.Context) error {
	train, err := readFrame(p.localPath(models.ChannelTrain))
	if err != nil {
		return err
	}
	test, err := readFrame(p.localPath(models.ChannelTest))
	if err != nil {
		return err
	}

	hp := p.hyperparameters()
	m, err := forecast.Train(ctx, hp, train, p.log)
	if err != nil {
		return err
	}
	trainScores, err := forecast.Score(ctx, m, train)
	if err != nil {
		return err
	}
	testScores, err := forecast.Score(ctx, m, test)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "engine %s\n", m.Engine())
	fmt.Fprintf(p.out, "train rmse: %.4f\n", trainScores.RMSE)
	fmt.Fprintf(p.out, "test  rmse: %.4f mae: %.4f mape: %.4f\n", testScores.RMSE, testScores.MAE, testScores.MAPE)
	if d, ok := m.(service.Describer); ok {
		if err := d.Describe(p.out); err != nil {
			return err
		}
	}

	future := forecast.FutureDates(train, 5)
	pts, err := m.Predict(ctx, future)
	if err != nil {
		return err
	}
	printPoints(p.out, pts)
	return nil
}

func printPoints(w io.Writer, pts []models.ForecastPoint) {
	fmt.Fprintf(w, "%-12s %10s %10s %10s\n", "ds", "yhat_lower", "yhat", "yhat_upper")
	for _, pt := range pts {
		fmt.Fprintf(w, "%-12s %10.2f %10.2f %10.2f\n", pt.DS, pt.YhatLower, pt.Yhat, pt.YhatUpper)
	}
}

func generatedName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%s", prefix, now.UTC().Format("20060102-150405"))
}

// train submits a managed training job on the uploaded splits and waits for it.
func (p *pipeline) train(ctx context.Context) error {
	name := p.opts.jobName
	if name == "" {
		name = generatedName("aircast", time.Now())
	}
	hp := p.hyperparameters()
	job, err := p.api.CreateTrainingJob(ctx, models.CreateTrainingJobRequest{
		Name: name,
		Hyperparameters: map[string]string{
			models.KeyEngine:                hp.Engine,
			models.KeyChangepointPriorScale: hp.Map()[models.KeyChangepointPriorScale],
			models.KeySeasonalityPriorScale: hp.Map()[models.KeySeasonalityPriorScale],
			models.KeySeasonalityMode:       hp.SeasonalityMode,
			models.KeyPredictionPeriods:     hp.Map()[models.KeyPredictionPeriods],
		},
		InputData: p.channels(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "submitted training job %s\n", job.Name)
	p.trainingJob = job.Name
	if p.opts.noWait {
		return nil
	}

	job, err = p.api.WaitTrainingJob(ctx, job.Name, func(j *models.TrainingJob) {
		p.log.Info("training job", applogger.String("name", j.Name),
			applogger.String("status", string(j.Status)), applogger.String("phase", j.SecondaryStatus))
	})
	if err != nil {
		return err
	}
	if job.Status != models.StatusCompleted {
		return fmt.Errorf("training job %s %s: %s", job.Name, job.Status, job.FailureReason)
	}
	printMetrics(p.out, job.FinalMetrics)
	fmt.Fprintf(p.out, "model %s\n", job.ModelArtifact)
	return nil
}

func printMetrics(w io.Writer, m models.Metrics) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-10s %.4f\n", k, m[k])
	}
}

func (p *pipeline) endpointName() string {
	if p.opts.endpoint != "" {
		return p.opts.endpoint
	}
	return p.cfg.Serving.DefaultEndpoint
}

// deploy points the endpoint at the chosen training job, creating it on first use.
func (p *pipeline) deploy(ctx context.Context) error {
	job := p.trainingJob
	if job == "" {
		job = p.opts.jobName
	}
	if job == "" {
		return errors.New("no training job to deploy, pass -job")
	}
	return p.deployJob(ctx, job)
}

func (p *pipeline) deployJob(ctx context.Context, job string) error {
	name := p.endpointName()
	ep, err := p.api.CreateEndpoint(ctx, models.CreateEndpointRequest{Name: name, TrainingJobName: job})
	if errors.Is(err, models.ErrConflict) {
		ep, err = p.api.UpdateEndpoint(ctx, name, models.UpdateEndpointRequest{TrainingJobName: job})
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "endpoint %s %s (job %s)\n", ep.Name, ep.Status, job)
	if p.opts.noWait {
		return nil
	}
	ep, err = p.api.WaitEndpoint(ctx, name)
	if err != nil {
		return err
	}
	if ep.Status != models.EndpointInService {
		return fmt.Errorf("endpoint %s %s: %s", ep.Name, ep.Status, ep.FailureReason)
	}
	// A failed update leaves the previous model in service with the reason attached.
	if ep.TrainingJobName != job || ep.FailureReason != "" {
		return fmt.Errorf("endpoint %s serves job %q, not %s: %s", ep.Name, ep.TrainingJobName, job, ep.FailureReason)
	}
	fmt.Fprintf(p.out, "endpoint %s in service, model version %d\n", ep.Name, ep.Version)
	return nil
}

// forecastRange defaults to the dates of the local test split.
func (p *pipeline) forecastRange() (string, string, error) {
	start, end := p.opts.start, p.opts.end
	if start != "" && end != "" {
		return start, end, nil
	}
	test, err := readFrame(p.localPath(models.ChannelTest))
	if err != nil {
		return "", "", fmt.Errorf("pass -start and -end: %w", err)
	}
	if test.Len() == 0 {
		return "", "", errors.New("test split is empty, pass -start and -end")
	}
	if start == "" {
		start = util.FormatDate(test.Start())
	}
	if end == "" {
		end = util.FormatDate(test.End())
	}
	return start, end, nil
}

func (p *pipeline) predict(ctx context.Context) error {
	start, end, err := p.forecastRange()
	if err != nil {
		return err
	}
	pts, err := p.api.Invoke(ctx, p.endpointName(), models.ForecastRequest{Start: start, End: end})
	if err != nil {
		return err
	}
	printPoints(p.out, pts)
	return nil
}

// tuningRequest searches the prior scales and the seasonality mode on a log grid.
func (p *pipeline) tuningRequest(name string) models.CreateTuningJobRequest {
	hp := p.hyperparameters()
	return models.CreateTuningJobRequest{
		Name:     name,
		Strategy: models.StrategyGrid,
		Objective: models.TuningObjective{
			Metric: "test:rmse",
			Type:   models.ObjectiveMinimize,
		},
		Ranges: models.ParameterRanges{
			Categorical: []models.CategoricalRange{
				{Name: models.KeySeasonalityMode, Values: []string{models.SeasonalityAdditive, models.SeasonalityMultiplicative}},
			},
			Continuous: []models.ContinuousRange{
				{Name: models.KeyChangepointPriorScale, Min: 0.001, Max: 0.5, Steps: 3, Scale: "log"},
				{Name: models.KeySeasonalityPriorScale, Min: 0.01, Max: 10, Steps: 2, Scale: "log"},
			},
		},
		StaticHyperparameters: map[string]string{
			models.KeyEngine:            hp.Engine,
			models.KeyPredictionPeriods: hp.Map()[models.KeyPredictionPeriods],
		},
		InputData:       p.channels(),
		MaxJobs:         p.opts.maxJobs,
		MaxParallelJobs: p.opts.maxParallel,
	}
}

// tune runs the search and redeploys the endpoint with the best model.
func (p *pipeline) tune(ctx context.Context) error {
	name := p.opts.tuningName
	if name == "" {
		name = generatedName("aircast-tune", time.Now())
	}
	job, err := p.api.CreateTuningJob(ctx, p.tuningRequest(name))
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "submitted tuning job %s\n", job.Name)
	if p.opts.noWait {
		return nil
	}

	job, err = p.api.WaitTuningJob(ctx, job.Name, func(j *models.TuningJob) {
		done := 0
		for _, s := range j.TrainingJobs {
			if s.Status.Terminal() {
				done++
			}
		}
		p.log.Info("tuning job", applogger.String("name", j.Name), applogger.String("status", string(j.Status)),
			applogger.Int("finished", done), applogger.Int("trials", len(j.TrainingJobs)))
	})
	if err != nil {
		return err
	}
	for _, s := range job.TrainingJobs {
		value := "-"
		if s.ObjectiveValue != nil {
			value = fmt.Sprintf("%.4f", *s.ObjectiveValue)
		}
		fmt.Fprintf(p.out, "%-32s %-10s %10s  %s\n", s.Name, s.Status, value, formatHyperparameters(s.Hyperparameters))
	}
	if job.Status != models.StatusCompleted || job.BestTrainingJob == nil {
		return fmt.Errorf("tuning job %s %s: %s", job.Name, job.Status, job.FailureReason)
	}
	fmt.Fprintf(p.out, "best %s %s=%.4f\n", job.BestTrainingJob.Name, job.Objective.Metric, *job.BestTrainingJob.ObjectiveValue)
	p.trainingJob = job.BestTrainingJob.Name
	return p.deployJob(ctx, job.BestTrainingJob.Name)
}

func formatHyperparameters(hp map[string]string) string {
	keys := make([]string, 0, len(hp))
	for k := range hp {
		if k == models.KeyEngine || k == models.KeyPredictionPeriods {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + hp[k]
	}
	return strings.Join(parts, " ")
}
