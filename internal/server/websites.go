package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/carevault/carevault/internal/chunk"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/tools/web_fetch"
)

type WebsitesHandler struct {
	Store   *store.Store
	Indexer *index.Indexer
	Fetcher web_fetch.WebFetcher
	Rdb     *redis.Client
	Logger  *log.Logger
}

func (h *WebsitesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/index", h.reindex)
}

func (h *WebsitesHandler) create(c echo.Context) error {
	var req WebsiteCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	owner := userID(c)
	id, err := h.Store.CreateWebsite(c.Request().Context(), store.WebsiteRecord{
		OwnerID:   owner,
		PatientID: req.PatientID,
		URL:       req.URL,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	go h.fetchAndIndex(owner, req.PatientID, id, req.URL)

	rec, err := h.Store.GetWebsite(c.Request().Context(), id, owner)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, websiteResponse(rec))
}

func (h *WebsitesHandler) list(c echo.Context) error {
	recs, err := h.Store.ListWebsites(c.Request().Context(), userID(c), c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]WebsiteResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, websiteResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *WebsitesHandler) get(c echo.Context) error {
	rec, err := h.Store.GetWebsite(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "website not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, websiteResponse(rec))
}

func (h *WebsitesHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	owner := userID(c)
	// resolve the subject owner-scoped before touching its embeddings
	rec, err := h.Store.GetWebsite(ctx, c.Param("id"), owner)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "website not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteEmbeddingsForSubject(ctx, store.WebsiteSubject(rec.ID)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteWebsite(ctx, rec.ID, owner); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// reindex fetches the page again and rebuilds its index.
func (h *WebsitesHandler) reindex(c echo.Context) error {
	rec, err := h.Store.GetWebsite(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "website not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec.EmbeddingStatus == store.EmbeddingStatusProcessing {
		return echo.NewHTTPError(http.StatusConflict, "indexing already in progress")
	}
	if err := h.Store.DeleteEmbeddingsForSubject(c.Request().Context(), store.WebsiteSubject(rec.ID)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	go h.fetchAndIndex(rec.OwnerID, rec.PatientID, rec.ID, rec.URL)
	return c.JSON(http.StatusAccepted, map[string]string{"status": store.EmbeddingStatusProcessing})
}

func (h *WebsitesHandler) fetchAndIndex(ownerID, patientID, id, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	subject := store.WebsiteSubject(id)
	release, ok := acquireIndexLock(ctx, h.Rdb, subject)
	if !ok {
		h.Logger.Printf("indexing of website %s already in progress, skipping", id)
		return
	}
	defer release()

	result, err := h.Fetcher.Exec(ctx, url)
	if err != nil || result.Text == "" {
		h.Logger.Printf("fetching %s failed: %v", url, err)
		if serr := h.Store.SetEmbeddingStatus(ctx, subject, store.EmbeddingStatusFailed); serr != nil {
			h.Logger.Printf("mark failed for website %s: %v", id, serr)
		}
		return
	}
	if err := h.Store.UpdateWebsiteContent(ctx, id, result.Title, result.Text); err != nil {
		h.Logger.Printf("storing content for website %s: %v", id, err)
	}

	sourceName := result.Title
	if sourceName == "" {
		sourceName = url
	}
	if _, err := h.Indexer.Index(ctx, index.Request{
		OwnerID:    ownerID,
		PatientID:  patientID,
		Subject:    subject,
		SourceName: sourceName,
		Content:    result.Text,
		Type:       chunk.TypeText,
	}); err != nil {
		h.Logger.Printf("indexing website %s failed: %v", id, err)
	}
}
