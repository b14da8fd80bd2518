package inventory

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
	readGroup.GET("/records/:id/inventory/usage", h.ListUsage)
	readGroup.GET("/records/:id/inventory/commits", h.ListCommits)

	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "anesthetist", "nurse"))
	writeGroup.POST("/records/:id/inventory/compute", h.ComputeUsage)
	writeGroup.PUT("/inventory/usage/:id/override", h.SetOverride)
	writeGroup.DELETE("/inventory/usage/:id/override", h.ClearOverride)

	// Signing and reversing ledger entries is a senior-role action.
	ledgerGroup := api.Group("", auth.RequireRole("admin", "physician", "anesthetist"))
	ledgerGroup.POST("/records/:id/inventory/commits", h.Commit)
	ledgerGroup.POST("/inventory/commits/:id/rollback", h.Rollback)
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
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrUsageNotFound),
		errors.Is(err, ErrCommitNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForeignUnit):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyRolledBack), errors.Is(err, ErrNothingToCommit):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrSignatureRequired),
		errors.Is(err, ErrNegativeQty):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ComputeUsage(c echo.Context) error {
	recordID, err := idParam(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.ComputeUsage(c.Request().Context(), recordID, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) SetOverride(c echo.Context) error {
	usageID, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Qty    *float64 `json:"qty"`
		Reason string   `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Qty == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "qty is required")
	}
	row, err := h.svc.SetOverride(c.Request().Context(), usageID, *body.Qty, body.Reason, actorFrom(c), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) ClearOverride(c echo.Context) error {
	usageID, err := idParam(c)
	if err != nil {
		return err
	}
	row, err := h.svc.ClearOverride(c.Request().Context(), usageID, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) Commit(c echo.Context) error {
	recordID, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		UnitID    string `json:"unitId"`
		Signature string `json:"signature"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	unitID := body.UnitID
	if unitID == "" {
		unitID = auth.UnitIDFromContext(c.Request().Context())
	}
	if unitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unitId is required")
	}
	commit, err := h.svc.Commit(c.Request().Context(), recordID, unitID, body.Signature, actorFrom(c), sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, commit)
}

func (h *Handler) Rollback(c echo.Context) error {
	commitID, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	callerUnit := auth.UnitIDFromContext(c.Request().Context())
	commit, err := h.svc.Rollback(c.Request().Context(), commitID, callerUnit, actorFrom(c), body.Reason, sessionFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, commit)
}

func (h *Handler) ListUsage(c echo.Context) error {
	recordID, err := idParam(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.ListUsage(c.Request().Context(), recordID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) ListCommits(c echo.Context) error {
	recordID, err := idParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	commits, total, err := h.svc.ListCommits(c.Request().Context(), recordID, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(commits, total, pg.Limit, pg.Offset))
}
