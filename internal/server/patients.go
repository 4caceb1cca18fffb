package server

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/store"
)

type PatientsHandler struct {
	Store *store.Store
}

func (h *PatientsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
}

func (h *PatientsHandler) create(c echo.Context) error {
	var req PatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Store.CreatePatient(c.Request().Context(), store.PatientRecord{
		OwnerID:     userID(c),
		Name:        req.Name,
		Conditions:  req.Conditions,
		Medications: req.Medications,
		Allergies:   req.Allergies,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.Store.GetPatient(c.Request().Context(), id, userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, patientResponse(rec))
}

func (h *PatientsHandler) list(c echo.Context) error {
	recs, err := h.Store.ListPatients(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]PatientResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, patientResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *PatientsHandler) get(c echo.Context) error {
	rec, err := h.Store.GetPatient(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, patientResponse(rec))
}

func (h *PatientsHandler) remove(c echo.Context) error {
	if err := h.Store.DeletePatient(c.Request().Context(), c.Param("id"), userID(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
