package pricing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	selector  *Selector
	providers ProviderRepository
}

func NewHandler(selector *Selector, providers ProviderRepository) *Handler {
	return &Handler{selector: selector, providers: providers}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/medications/:id/best-price", h.BestPrice)
	api.GET("/providers", h.ListProviders)
	api.GET("/providers/:id", h.GetProvider)
}

// BestPrice returns the full comparison for one medication, valid at as_of
// (RFC 3339, defaults to now).
func (h *Handler) BestPrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	asOf := time.Now().UTC()
	if raw := c.QueryParam("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid as_of, want RFC 3339")
		}
	}

	quote, err := h.selector.BestPrice(c.Request().Context(), id, asOf)
	if errors.Is(err, ErrNoValidPrice) {
		return echo.NewHTTPError(http.StatusNotFound, "no valid price")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, quote)
}

func (h *Handler) ListProviders(c echo.Context) error {
	providers, err := h.providers.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, providers)
}

func (h *Handler) GetProvider(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.providers.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrProviderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
