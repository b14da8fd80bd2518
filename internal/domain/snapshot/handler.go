package snapshot

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opchart/opchart/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "physician", "anesthetist", "nurse"))

	g.GET("/records/:id/snapshot", h.GetSnapshot)

	g.POST("/records/:id/channels/:channel/points", h.AddPoint)
	g.PATCH("/records/:id/points/:pointId", h.UpdatePoint)
	g.DELETE("/records/:id/points/:pointId", h.DeletePoint)

	g.POST("/records/:id/channels/:channel/:paramKey/points", h.AddKeyedPoint)
	g.PATCH("/records/:id/channels/:channel/:paramKey/points/:pointId", h.UpdateKeyedPoint)
	g.DELETE("/records/:id/channels/:channel/:paramKey/points/:pointId", h.DeleteKeyedPoint)

	g.PUT("/records/:id/channels/:channel/at/:timestamp", h.ReplaceAtTimestamp)
	g.DELETE("/records/:id/channels/:channel/at/:timestamp", h.DeleteAtTimestamp)
}

func sessionFrom(c echo.Context) string {
	return c.Request().Header.Get("X-Session-ID")
}

func toHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrPointNotFound),
		errors.Is(err, ErrTimestampNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRecordImmutable), errors.Is(err, ErrTimestampTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrNotKeyedChannel),
		errors.Is(err, ErrKeyedChannel), errors.Is(err, ErrInvalidPoint):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// timestampParam decodes the :timestamp path segment; clients URL-encode
// the RFC 3339 value.
func timestampParam(c echo.Context) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, c.Param("timestamp"))
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "timestamp must be RFC 3339")
	}
	return ts, nil
}

func recordIDFrom(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	return id, nil
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) AddPoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	var body struct {
		Timestamp time.Time `json:"timestamp"`
		PointInput
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Timestamp.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "timestamp is required")
	}
	snap, err := h.svc.AddPoint(c.Request().Context(), id, c.Param("channel"), body.Timestamp, body.PointInput, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (h *Handler) AddKeyedPoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	var body struct {
		Timestamp time.Time `json:"timestamp"`
		Value     *float64  `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Timestamp.IsZero() || body.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "timestamp and value are required")
	}
	snap, err := h.svc.AddKeyedPoint(c.Request().Context(), id, c.Param("channel"), c.Param("paramKey"), body.Timestamp, *body.Value, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (h *Handler) UpdatePoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	var update PointUpdate
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.svc.UpdatePoint(c.Request().Context(), id, c.Param("pointId"), update, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) DeletePoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.DeletePoint(c.Request().Context(), id, c.Param("pointId"), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) UpdateKeyedPoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	var update PointUpdate
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.svc.UpdateKeyedPoint(c.Request().Context(), id, c.Param("channel"), c.Param("paramKey"), c.Param("pointId"), update, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) DeleteKeyedPoint(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.DeleteKeyedPoint(c.Request().Context(), id, c.Param("channel"), c.Param("paramKey"), c.Param("pointId"), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ReplaceAtTimestamp(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	ts, err := timestampParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Values       map[string]float64 `json:"values"`
		NewTimestamp *time.Time         `json:"newTimestamp,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.svc.ReplaceAtTimestamp(c.Request().Context(), id, c.Param("channel"), ts, body.Values, body.NewTimestamp, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) DeleteAtTimestamp(c echo.Context) error {
	id, err := recordIDFrom(c)
	if err != nil {
		return err
	}
	ts, err := timestampParam(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.DeleteAtTimestamp(c.Request().Context(), id, c.Param("channel"), ts, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}
