package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"AirCast/internal/domain/models"
	"AirCast/pkg/cache"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func (f *fixture) endpoints(cfg ServingConfig) *EndpointService {
	mem := cache.NewLayeredCache(nil)
	return NewEndpointService(f.store, f.store, f.objects, mem, f.hub, f.metrics, cfg, f.log)
}

func TestEndpointDeployInvokeRedeploy(t *testing.T) {
	f := newFixture(t)
	first := f.completedJob(t, "model-a", nil)
	f.completedJob(t, "model-b", map[string]string{models.KeySeasonalityMode: models.SeasonalityMultiplicative})
	svc := f.endpoints(ServingConfig{})
	ctx := context.Background()

	ep, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.Status != models.EndpointCreating || ep.ModelArtifact != first.ModelArtifact {
		t.Fatalf("created %+v", ep)
	}
	svc.Wait()

	ep, err = svc.Describe(ctx, "aq")
	if err != nil || ep.Status != models.EndpointInService || ep.Version != 1 || ep.Engine != models.EngineBaseline {
		t.Fatalf("deployed %+v %v", ep, err)
	}

	req := models.ForecastRequest{Start: "2016-05-01", End: "2016-05-10"}
	points, err := svc.Invoke(ctx, "aq", req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(points) != 10 || points[0].DS != "2016-05-01" || points[9].DS != "2016-05-10" {
		t.Fatalf("points %d first=%v", len(points), points)
	}
	for _, p := range points {
		if p.YhatLower > p.Yhat || p.Yhat > p.YhatUpper {
			t.Fatalf("bounds out of order: %+v", p)
		}
	}

	if _, err := svc.Invoke(ctx, "aq", req); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if hits := testutil.ToFloat64(f.metrics.CacheCounter("hit")); hits != 1 {
		t.Fatalf("cache hits %v", hits)
	}

	if _, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model-b"}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate create err=%v", err)
	}

	if _, err := svc.Update(ctx, "aq", models.UpdateEndpointRequest{TrainingJobName: "model-b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	svc.Wait()
	ep, _ = svc.Describe(ctx, "aq")
	if ep.Status != models.EndpointInService || ep.Version != 2 || ep.TrainingJobName != "model-b" {
		t.Fatalf("redeployed %+v", ep)
	}
	updated, err := svc.Invoke(ctx, "aq", req)
	if err != nil {
		t.Fatalf("invoke after update: %v", err)
	}
	if hits := testutil.ToFloat64(f.metrics.CacheCounter("hit")); hits != 1 {
		t.Fatalf("redeploy must not serve cached predictions, hits=%v", hits)
	}
	if len(updated) != len(points) {
		t.Fatalf("updated points %d", len(updated))
	}

	if err := svc.Delete(ctx, "aq"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Invoke(ctx, "aq", req); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("invoke deleted err=%v", err)
	}
	if err := svc.Delete(ctx, "aq"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestEndpointDateListAndLimits(t *testing.T) {
	f := newFixture(t)
	f.completedJob(t, "model", nil)
	svc := f.endpoints(ServingConfig{MaxDates: 30})
	ctx := context.Background()

	if _, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Wait()

	points, err := svc.Invoke(ctx, "aq", models.ForecastRequest{Dates: []string{"2016-06-03", "2016-06-01", "2016-06-03"}})
	if err != nil {
		t.Fatalf("invoke dates: %v", err)
	}
	if len(points) != 2 || points[0].DS != "2016-06-01" || points[1].DS != "2016-06-03" {
		t.Fatalf("dates not sorted and de-duplicated: %+v", points)
	}

	bad := []models.ForecastRequest{
		{Start: "2016-06-10", End: "2016-06-01"},
		{Start: "2016-01-01", End: "2016-12-31"},
		{Start: "2016-06-01"},
		{},
	}
	for _, req := range bad {
		if _, err := svc.Invoke(ctx, "aq", req); !errors.Is(err, models.ErrInvalid) {
			t.Fatalf("%+v: err=%v", req, err)
		}
	}
}

func TestEndpointRejectsUnfinishedJob(t *testing.T) {
	f := newFixture(t)
	training, _ := f.training()
	ctx := context.Background()
	if _, err := training.Submit(ctx, f.trainingRequest("pending", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	svc := f.endpoints(ServingConfig{})

	cases := []models.CreateEndpointRequest{
		{Name: "aq", TrainingJobName: "pending"},
		{Name: "aq", TrainingJobName: "missing"},
		{Name: "aq", ModelArtifact: f.objects.URI("models/none/model.json")},
		{Name: "Bad", ModelArtifact: f.objects.URI("models/none/model.json")},
	}
	for _, req := range cases {
		if _, err := svc.Create(ctx, req); !errors.Is(err, models.ErrInvalid) {
			t.Fatalf("%+v: err=%v", req, err)
		}
	}
}

func TestEndpointBrokenArtifactFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "models/broken/model.json"
	if err := f.objects.Put(ctx, key, strings.NewReader("{not json"), 9, "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	svc := f.endpoints(ServingConfig{})

	if _, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "broken", ModelArtifact: f.objects.URI(key)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Wait()
	ep, err := svc.Describe(ctx, "broken")
	if err != nil || ep.Status != models.EndpointFailed || ep.FailureReason == "" {
		t.Fatalf("endpoint %+v %v", ep, err)
	}
	if _, err := svc.Invoke(ctx, "broken", models.ForecastRequest{Dates: []string{"2016-06-01"}}); !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("invoke failed endpoint err=%v", err)
	}
}

func TestEndpointRestoreAndDefault(t *testing.T) {
	f := newFixture(t)
	f.completedJob(t, "model", nil)
	ctx := context.Background()

	first := f.endpoints(ServingConfig{})
	if err := first.Ping(ctx); !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("ping without endpoints err=%v", err)
	}
	if _, err := first.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first.Wait()

	// A fresh service over the same store plays the part of a restarted process.
	second := f.endpoints(ServingConfig{})
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := second.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	points, err := second.InvokeDefault(ctx, models.ForecastRequest{Start: "2016-05-01", End: "2016-05-03"})
	if err != nil || len(points) != 3 {
		t.Fatalf("invoke default: %d %v", len(points), err)
	}
}

func TestEndpointFailedUpdateKeepsPreviousModel(t *testing.T) {
	f := newFixture(t)
	first := f.completedJob(t, "model", nil)
	svc := f.endpoints(ServingConfig{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.Wait()
	req := models.ForecastRequest{Start: "2016-05-01", End: "2016-05-05"}
	before, err := svc.Invoke(ctx, "aq", req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	key := "models/broken/model.json"
	if err := f.objects.Put(ctx, key, strings.NewReader("{not json"), 9, "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	ep, err := svc.Update(ctx, "aq", models.UpdateEndpointRequest{ModelArtifact: f.objects.URI(key)})
	if err != nil || ep.Status != models.EndpointUpdating {
		t.Fatalf("update: %+v %v", ep, err)
	}
	svc.Wait()

	ep, err = svc.Describe(ctx, "aq")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if ep.Status != models.EndpointInService || ep.Version != 1 || ep.ModelArtifact != first.ModelArtifact {
		t.Fatalf("previous deployment not kept: %+v", ep)
	}
	if ep.FailureReason == "" {
		t.Fatal("failed update left no reason")
	}
	after, err := svc.Invoke(ctx, "aq", req)
	if err != nil {
		t.Fatalf("invoke after failed update: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("served a different model: %v vs %v", before, after)
	}
}

func TestEndpointFollowsStoreAcrossReplicas(t *testing.T) {
	f := newFixture(t)
	f.completedJob(t, "model-a", nil)
	second := f.completedJob(t, "model-b", map[string]string{models.KeySeasonalityMode: models.SeasonalityMultiplicative})
	ctx := context.Background()
	req := models.ForecastRequest{Dates: []string{"2016-06-01"}}

	writer := f.endpoints(ServingConfig{})
	reader := f.endpoints(ServingConfig{})
	if _, err := writer.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	writer.Wait()
	if _, err := reader.Invoke(ctx, "aq", req); err != nil {
		t.Fatalf("reader invoke: %v", err)
	}

	if _, err := writer.Update(ctx, "aq", models.UpdateEndpointRequest{TrainingJobName: "model-b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	writer.Wait()
	if _, err := reader.Invoke(ctx, "aq", req); err != nil {
		t.Fatalf("reader invoke after update: %v", err)
	}
	reader.mu.RLock()
	lm := reader.live["aq"]
	reader.mu.RUnlock()
	if lm == nil || lm.version != 2 || lm.artifact != second.ModelArtifact {
		t.Fatalf("reader serves a stale model: %+v", lm)
	}

	if err := writer.Delete(ctx, "aq"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reader.Invoke(ctx, "aq", req); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("reader invoke deleted err=%v", err)
	}
	reader.mu.RLock()
	_, kept := reader.live["aq"]
	reader.mu.RUnlock()
	if kept {
		t.Fatal("deleted endpoint still loaded")
	}
}

func TestEndpointDeleteDuringDeployment(t *testing.T) {
	f := newFixture(t)
	f.completedJob(t, "model", nil)
	gate := newGatedObjects(f.objects)
	svc := NewEndpointService(f.store, f.store, gate, cache.NewLayeredCache(nil), f.hub, f.metrics, ServingConfig{}, f.log)
	ctx := context.Background()

	if _, err := svc.Create(ctx, models.CreateEndpointRequest{Name: "aq", TrainingJobName: "model"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	gate.waitReached(t)
	if err := svc.Delete(ctx, "aq"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(gate.release)
	svc.Wait()

	if _, err := svc.Describe(ctx, "aq"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("deployment resurrected the endpoint: %v", err)
	}
	if _, err := svc.Invoke(ctx, "aq", models.ForecastRequest{Dates: []string{"2016-06-01"}}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("invoke err=%v", err)
	}
	if len(svc.live) != 0 {
		t.Fatalf("live models %v", svc.live)
	}
}
