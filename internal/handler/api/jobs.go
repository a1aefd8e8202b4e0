package api

import (
	"context"
	"time"

	"AirCast/internal/domain/models"
	xhttp "AirCast/pkg/http"
	xlogger "AirCast/pkg/logger"

	"github.com/labstack/echo/v4"
)

func (h *PlatformHandler) CreateTrainingJob(c echo.Context) error {
	req := &models.CreateTrainingJobRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	job, err := h.training.Submit(c.Request().Context(), *req)
	if err != nil {
		return h.fail(c, "create training job", err)
	}
	return xhttp.AcceptedResponse(c, job)
}

func (h *PlatformHandler) ListTrainingJobs(c echo.Context) error {
	req := &models.ListJobsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	jobs, err := h.training.List(c.Request().Context(), filterOf(req))
	if err != nil {
		return h.fail(c, "list training jobs", err)
	}
	return xhttp.ListResponse(c, jobs, int64(len(jobs)))
}

func (h *PlatformHandler) DescribeTrainingJob(c echo.Context) error {
	job, err := h.training.Describe(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, "describe training job", err)
	}
	return xhttp.SuccessResponse(c, job)
}

func (h *PlatformHandler) StopTrainingJob(c echo.Context) error {
	job, err := h.training.Stop(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, "stop training job", err)
	}
	h.logger.Info("training job stop requested", xlogger.String("job", job.Name), xlogger.String("status", string(job.Status)))
	return xhttp.AcceptedResponse(c, job)
}

func (h *PlatformHandler) WatchTrainingJob(c echo.Context) error {
	name := c.Param("name")
	return h.watch(c, models.KindTrainingJob, name, func(ctx context.Context) (interface{}, time.Time, bool, error) {
		job, err := h.training.Describe(ctx, name)
		if err != nil {
			return nil, time.Time{}, false, err
		}
		return job, job.UpdatedAt, job.Status.Terminal(), nil
	})
}

func (h *PlatformHandler) CreateTuningJob(c echo.Context) error {
	req := &models.CreateTuningJobRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	job, err := h.tuning.Submit(c.Request().Context(), *req)
	if err != nil {
		return h.fail(c, "create tuning job", err)
	}
	return xhttp.AcceptedResponse(c, job)
}

func (h *PlatformHandler) ListTuningJobs(c echo.Context) error {
	req := &models.ListJobsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	jobs, err := h.tuning.List(c.Request().Context(), filterOf(req))
	if err != nil {
		return h.fail(c, "list tuning jobs", err)
	}
	return xhttp.ListResponse(c, jobs, int64(len(jobs)))
}

func (h *PlatformHandler) DescribeTuningJob(c echo.Context) error {
	job, err := h.tuning.Describe(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, "describe tuning job", err)
	}
	return xhttp.SuccessResponse(c, job)
}

func (h *PlatformHandler) StopTuningJob(c echo.Context) error {
	job, err := h.tuning.Stop(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, "stop tuning job", err)
	}
	return xhttp.AcceptedResponse(c, job)
}

func (h *PlatformHandler) WatchTuningJob(c echo.Context) error {
	name := c.Param("name")
	return h.watch(c, models.KindTuningJob, name, func(ctx context.Context) (interface{}, time.Time, bool, error) {
		job, err := h.tuning.Describe(ctx, name)
		if err != nil {
			return nil, time.Time{}, false, err
		}
		return job, job.UpdatedAt, job.Status.Terminal(), nil
	})
}
