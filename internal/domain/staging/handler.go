package staging

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/genhospi/medmatch/pkg/pagination"
)

type Handler struct{ svc *Service }

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/batches/:id/rows/pending", h.ListPending)
	api.POST("/rows/:id/approve", h.Approve)
	api.POST("/rows/:id/reject", h.Reject)
}

func (h *Handler) ListPending(c echo.Context) error {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	rows, err := h.svc.Pending(c.Request().Context(), batchID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	pg := pagination.FromContext(c)
	total := len(rows)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows[start:end], total, pg.Limit, pg.Offset))
}

type approveRequest struct {
	MedicationID uuid.UUID `json:"medication_id"`
	ReviewedBy   string    `json:"reviewed_by"`
}

func (h *Handler) Approve(c echo.Context) error {
	rowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid row id")
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MedicationID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "medication_id is required")
	}

	row, err := h.svc.Approve(c.Request().Context(), rowID, req.MedicationID, req.ReviewedBy)
	switch {
	case errors.Is(err, ErrRowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, row)
}

type rejectRequest struct {
	ReviewedBy string `json:"reviewed_by"`
}

func (h *Handler) Reject(c echo.Context) error {
	rowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid row id")
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	row, err := h.svc.Reject(c.Request().Context(), rowID, req.ReviewedBy)
	switch {
	case errors.Is(err, ErrRowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, row)
}
