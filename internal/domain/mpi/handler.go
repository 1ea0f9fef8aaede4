package mpi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/pkg/pagination"
)

const dateLayout = "2006-01-02"

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, registrar, physician, nurse
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleRegistrar, auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/identities/:patient_ref", h.GetIdentity)
	readGroup.POST("/duplicates", h.CheckDuplicates)

	// Write endpoints – admin, registrar
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleRegistrar))
	writeGroup.PUT("/identities/:patient_ref", h.SyncIdentity)
	writeGroup.DELETE("/identities/:patient_ref", h.RemoveIdentity)
}

type syncRequest struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	NationalID  string `json:"national_id"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
}

type duplicatesRequest struct {
	Name        string `json:"name"`
	NationalID  string `json:"national_id"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
}

type candidateView struct {
	PatientRef uuid.UUID   `json:"patient_ref"`
	Score      float64     `json:"score"`
	Reason     MatchReason `json:"reason"`
	Label      string      `json:"label"`
}

func (h *Handler) SyncIdentity(c echo.Context) error {
	ref, err := uuid.Parse(c.Param("patient_ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_ref")
	}
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dob, err := ParseDate(req.DateOfBirth)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	err = h.engine.Sync(ctx, Patient{
		PatientRef:  ref,
		Name:        req.Name,
		Address:     req.Address,
		NationalID:  req.NationalID,
		DateOfBirth: dob,
		Phone:       req.Phone,
	})
	if err != nil {
		return toHTTPError(err)
	}

	rec, err := h.engine.Lookup(ctx, ref)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetIdentity(c echo.Context) error {
	ref, err := uuid.Parse(c.Param("patient_ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_ref")
	}
	rec, err := h.engine.Lookup(c.Request().Context(), ref)
	if err != nil {
		return toHTTPError(err)
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "identity record not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RemoveIdentity(c echo.Context) error {
	ref, err := uuid.Parse(c.Param("patient_ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_ref")
	}
	if err := h.engine.Remove(c.Request().Context(), ref); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckDuplicates(c echo.Context) error {
	var req duplicatesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Malformed duplicate-check input narrows nothing; an unreadable date is
	// treated like an absent one.
	dob, _ := ParseDate(req.DateOfBirth)

	candidates, err := h.engine.CheckDuplicates(c.Request().Context(), Query{
		Name:        req.Name,
		NationalID:  req.NationalID,
		DateOfBirth: dob,
		Phone:       req.Phone,
	})
	if err != nil {
		return toHTTPError(err)
	}

	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(candidates))
	views := make([]candidateView, 0, end-start)
	for _, cand := range candidates[start:end] {
		views = append(views, candidateView{
			PatientRef: cand.PatientRef,
			Score:      cand.Score,
			Reason:     cand.Reason,
			Label:      cand.Reason.Label(),
		})
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, len(candidates), pg.Limit, pg.Offset))
}

// ParseDate reads an ISO calendar date. An empty string is an absent date.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, errors.New("date_of_birth must be formatted as YYYY-MM-DD")
	}
	return &t, nil
}

func toHTTPError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, ErrInvalidPatient):
		he = echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		// The national id itself is never echoed back.
		he = echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	case errors.Is(err, ErrIndexUnavailable):
		he = echo.NewHTTPError(http.StatusServiceUnavailable, ErrIndexUnavailable.Error())
	default:
		he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return he.SetInternal(err)
}
