package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/carevault/carevault/internal/chunk"
	"github.com/carevault/carevault/internal/index"
	"github.com/carevault/carevault/internal/store"
)

// indexTimeout bounds each background indexing run.
const indexTimeout = 10 * time.Minute

type FilesHandler struct {
	Store   *store.Store
	Indexer *index.Indexer
	Rdb     *redis.Client
	Logger  *log.Logger
}

func (h *FilesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/index", h.reindex)
}

func (h *FilesHandler) create(c echo.Context) error {
	var req FileCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	contentType := chunk.ContentType(req.ContentType)
	if contentType == "" {
		contentType = chunk.TypeText
	}
	switch contentType {
	case chunk.TypeText, chunk.TypeCode, chunk.TypeMarkdown, chunk.TypeHTML:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported content_type")
	}
	owner := userID(c)
	id, err := h.Store.CreateFile(c.Request().Context(), store.FileRecord{
		OwnerID:     owner,
		PatientID:   req.PatientID,
		FolderPath:  req.FolderPath,
		Name:        req.Name,
		ContentType: string(contentType),
		Content:     req.Content,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	go h.index(index.Request{
		OwnerID:    owner,
		PatientID:  req.PatientID,
		Subject:    store.FileSubject(id),
		SourceName: req.Name,
		Content:    req.Content,
		Type:       contentType,
		Language:   req.Language,
	})

	rec, err := h.Store.GetFile(c.Request().Context(), id, owner)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, fileResponse(rec))
}

func (h *FilesHandler) list(c echo.Context) error {
	recs, err := h.Store.ListFiles(c.Request().Context(), userID(c), c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]FileResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fileResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *FilesHandler) get(c echo.Context) error {
	rec, err := h.Store.GetFile(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, fileResponse(rec))
}

func (h *FilesHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	owner := userID(c)
	// resolve the subject owner-scoped before touching its embeddings
	rec, err := h.Store.GetFile(ctx, c.Param("id"), owner)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteEmbeddingsForSubject(ctx, store.FileSubject(rec.ID)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.DeleteFile(ctx, rec.ID, owner); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// reindex re-runs the pipeline from the stored content, e.g. after a
// failed run.
func (h *FilesHandler) reindex(c echo.Context) error {
	rec, err := h.Store.GetFile(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec.EmbeddingStatus == store.EmbeddingStatusProcessing {
		return echo.NewHTTPError(http.StatusConflict, "indexing already in progress")
	}
	if err := h.Store.DeleteEmbeddingsForSubject(c.Request().Context(), store.FileSubject(rec.ID)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	go h.index(index.Request{
		OwnerID:    rec.OwnerID,
		PatientID:  rec.PatientID,
		Subject:    store.FileSubject(rec.ID),
		SourceName: rec.Name,
		Content:    rec.Content,
		Type:       chunk.ContentType(rec.ContentType),
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": store.EmbeddingStatusProcessing})
}

func (h *FilesHandler) index(req index.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	release, ok := acquireIndexLock(ctx, h.Rdb, req.Subject)
	if !ok {
		h.Logger.Printf("indexing of %s %s already in progress, skipping", req.Subject.Kind, req.Subject.ID)
		return
	}
	defer release()
	if _, err := h.Indexer.Index(ctx, req); err != nil {
		h.Logger.Printf("indexing %s %s failed: %v", req.Subject.Kind, req.Subject.ID, err)
	}
}
