package api

import (
	"net/http"

	"AirCast/internal/domain/models"
	xhttp "AirCast/pkg/http"
	xlogger "AirCast/pkg/logger"

	"github.com/labstack/echo/v4"
)

func (h *PlatformHandler) CreateEndpoint(c echo.Context) error {
	req := &models.CreateEndpointRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ep, err := h.endpoints.Create(c.Request().Context(), *req)
	if err != nil {
		return h.fail(c, "create endpoint", err)
	}
	return xhttp.AcceptedResponse(c, ep)
}

func (h *PlatformHandler) UpdateEndpoint(c echo.Context) error {
	req := &models.UpdateEndpointRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ep, err := h.endpoints.Update(c.Request().Context(), c.Param("name"), *req)
	if err != nil {
		return h.fail(c, "update endpoint", err)
	}
	return xhttp.AcceptedResponse(c, ep)
}

func (h *PlatformHandler) ListEndpoints(c echo.Context) error {
	eps, err := h.endpoints.List(c.Request().Context())
	if err != nil {
		return h.fail(c, "list endpoints", err)
	}
	return xhttp.ListResponse(c, eps, int64(len(eps)))
}

func (h *PlatformHandler) DescribeEndpoint(c echo.Context) error {
	ep, err := h.endpoints.Describe(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, "describe endpoint", err)
	}
	return xhttp.SuccessResponse(c, ep)
}

func (h *PlatformHandler) DeleteEndpoint(c echo.Context) error {
	name := c.Param("name")
	if err := h.endpoints.Delete(c.Request().Context(), name); err != nil {
		return h.fail(c, "delete endpoint", err)
	}
	h.logger.Info("endpoint deleted", xlogger.String("endpoint", name))
	return xhttp.NoContentResponse(c)
}

// bindForecast reads a prediction request: {"start","end"}, {"dates":[...]} or a bare array.
func (h *PlatformHandler) bindForecast(c echo.Context) (models.ForecastRequest, error) {
	var req models.ForecastRequest
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, h.maxBodySize)
	if err := c.Bind(&req); err != nil {
		return req, xhttp.BadRequestErrorf("invalid prediction request: %v", err)
	}
	return req, nil
}

// Invoke returns the bare list of forecast points, the same body /invocations serves.
func (h *PlatformHandler) Invoke(c echo.Context) error {
	req, err := h.bindForecast(c)
	if err != nil {
		return h.fail(c, "invoke", err)
	}
	points, err := h.endpoints.Invoke(c.Request().Context(), c.Param("name"), req)
	if err != nil {
		return h.fail(c, "invoke", err)
	}
	return c.JSON(http.StatusOK, points)
}

func (h *PlatformHandler) InvokeDefault(c echo.Context) error {
	req, err := h.bindForecast(c)
	if err != nil {
		return h.fail(c, "invocations", err)
	}
	points, err := h.endpoints.InvokeDefault(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "invocations", err)
	}
	return c.JSON(http.StatusOK, points)
}

// Ping answers 200 once the default endpoint can serve predictions.
func (h *PlatformHandler) Ping(c echo.Context) error {
	if err := h.endpoints.Ping(c.Request().Context()); err != nil {
		return h.fail(c, "ping", err)
	}
	return c.NoContent(http.StatusOK)
}
