package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct{ index *Index }

func NewHandler(index *Index) *Handler { return &Handler{index: index} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/medications/:id", h.Get)
	api.GET("/medications/code/:code", h.GetByCode)
	api.GET("/medications/search", h.Search)
	api.POST("/catalog/reload", h.Reload)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	med, err := h.index.LookupByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, med)
}

func (h *Handler) GetByCode(c echo.Context) error {
	med, err := h.index.LookupByCode(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, med)
}

func (h *Handler) Search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	if k <= 0 {
		k = 5
	}
	candidates, err := h.index.LookupBySimilarity(c.Request().Context(), q, k)
	if errors.Is(err, ErrLookupUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "similarity lookup unavailable")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"candidates": candidates})
}

func (h *Handler) Reload(c echo.Context) error {
	if err := h.index.Reload(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"indexed": h.index.Size()})
}
