package batch

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/genhospi/medmatch/internal/domain/matching"
)

type Handler struct{ coord *Coordinator }

func NewHandler(coord *Coordinator) *Handler { return &Handler{coord: coord} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/batches", h.Submit)
	api.GET("/batches/:id", h.Status)
	api.GET("/batches/:id/summary", h.Summary)
	api.POST("/batches/:id/cancel", h.Cancel)
	api.POST("/batches/:id/publish", h.Publish)
}

type submitRequest struct {
	Kind       Kind                   `json:"kind"`
	ProviderID uuid.UUID              `json:"provider_id"`
	Records    []matching.InputRecord `json:"records"`
}

func (h *Handler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Records) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "records are required")
	}
	if req.ProviderID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id is required")
	}

	b, err := h.coord.Submit(c.Request().Context(), req.Kind, req.ProviderID, req.Records)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, b)
}

func (h *Handler) Status(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.coord.Status(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Summary(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.coord.MatchSummary(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	err = h.coord.Cancel(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, "batch is not cancellable")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Publish(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	report, err := h.coord.PublishTariff(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrNotCompleted):
		return echo.NewHTTPError(http.StatusConflict, "batch has not completed")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
