package server

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/agent"
	"github.com/carevault/carevault/internal/store"
)

type ChatHandler struct {
	Store *store.Store
	Orch  *agent.Orchestrator
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.chat)
}

func (h *ChatHandler) chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	owner := userID(c)

	var patient store.PatientRecord
	if req.PatientID != "" {
		rec, err := h.Store.GetPatient(c.Request().Context(), req.PatientID, owner)
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		patient = rec
	}

	resp, err := h.Orch.Chat(c.Request().Context(), agent.Request{
		OwnerID:        owner,
		PatientID:      req.PatientID,
		Patient:        patient,
		History:        req.History,
		Message:        req.Message,
		EnableResearch: req.EnableResearch,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, ChatResponse{
		Content:   resp.Content,
		Citations: resp.Citations,
		ToolTurns: resp.ToolTurns,
	})
}
