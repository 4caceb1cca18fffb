package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"

	"github.com/carevault/carevault/internal/store"
)

type FoldersHandler struct {
	Store *store.Store
}

func (h *FoldersHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.remove)
}

func (h *FoldersHandler) create(c echo.Context) error {
	var req FolderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Store.CreateFolder(c.Request().Context(), userID(c), req.Path)
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return echo.NewHTTPError(http.StatusConflict, "folder already exists")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *FoldersHandler) list(c echo.Context) error {
	recs, err := h.Store.ListFolders(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]FolderResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FolderResponse{ID: rec.ID, Path: rec.Path, CreatedAt: rec.CreatedAt})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *FoldersHandler) remove(c echo.Context) error {
	if err := h.Store.DeleteFolder(c.Request().Context(), c.Param("id"), userID(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
