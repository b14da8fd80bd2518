package record

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opchart/opchart/internal/platform/auth"
	"github.com/opchart/opchart/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "anesthetist", "nurse"))
	readGroup.GET("/records/:id", h.GetRecord)
	readGroup.GET("/records/:id/amendments", h.ListAmendments)

	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "anesthetist", "nurse"))
	writeGroup.POST("/procedures/:procedureId/record", h.GetOrCreate)
	writeGroup.POST("/records/:id/time-markers", h.ApplyTimeMarkers)
	writeGroup.PATCH("/records/:id/checklists/:section", h.UpdateSection)

	// Lifecycle transitions need senior roles.
	lifecycleGroup := api.Group("", auth.RequireRole("admin", "physician", "anesthetist"))
	lifecycleGroup.POST("/records/:id/close", h.Close)
	lifecycleGroup.POST("/records/:id/amend", h.Amend)
	lifecycleGroup.POST("/records/:id/lock", h.Lock)
	lifecycleGroup.POST("/records/:id/unlock", h.Unlock)
	lifecycleGroup.DELETE("/records/:id", h.DeleteDuplicate)
}

func actorFrom(c echo.Context) string {
	ctx := c.Request().Context()
	if name := auth.UserNameFromContext(ctx); name != "" {
		return name
	}
	return auth.UserIDFromContext(ctx)
}

func sessionFrom(c echo.Context) string {
	return c.Request().Header.Get("X-Session-ID")
}

func toHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrProcedureNotFound), errors.Is(err, ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRecordImmutable), errors.Is(err, ErrRecordLocked),
		errors.Is(err, ErrNotClosed), errors.Is(err, ErrAlreadyFinal),
		errors.Is(err, ErrAlreadyLocked), errors.Is(err, ErrNotLocked),
		errors.Is(err, ErrLastRecord):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrUpdatesRequired),
		errors.Is(err, ErrUnknownSection):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetOrCreate(c echo.Context) error {
	procedureID, err := uuid.Parse(c.Param("procedureId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid procedure id")
	}
	rec, err := h.svc.GetOrCreate(c.Request().Context(), procedureID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ApplyTimeMarkers(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Markers []TimeMarker `json:"markers"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body.Markers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "markers are required")
	}
	rec, err := h.svc.ApplyTimeMarkers(c.Request().Context(), id, body.Markers, actorFrom(c), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateSection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var partial map[string]interface{}
	if err := c.Bind(&partial); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(partial) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty update")
	}
	rec, err := h.svc.UpdateSection(c.Request().Context(), id, c.Param("section"), partial, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Close(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Close(c.Request().Context(), id, actorFrom(c), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Amend(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason  string                            `json:"reason"`
		Updates map[string]map[string]interface{} `json:"updates"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Amend(c.Request().Context(), id, actorFrom(c), body.Reason, body.Updates, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Lock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Lock(c.Request().Context(), id, actorFrom(c), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Unlock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Unlock(c.Request().Context(), id, actorFrom(c), body.Reason, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteDuplicate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteDuplicate(c.Request().Context(), id, actorFrom(c)); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListAmendments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Amendments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
