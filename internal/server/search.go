package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/rag"
)

type SearchHandler struct {
	Retriever *rag.Retriever
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	threshold := -1.0
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	results, err := h.Retriever.SearchWith(c.Request().Context(), userID(c), req.PatientID, req.Query, threshold, req.Limit)
	if errors.Is(err, rag.ErrNotIndexed) {
		return c.JSON(http.StatusOK, SearchResponse{Indexed: false, Hits: []SearchHit{}})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			SubjectKind: string(r.Subject.Kind),
			SubjectID:   r.Subject.ID,
			ChunkIndex:  r.ChunkIndex,
			Content:     r.Content,
			Similarity:  r.Similarity,
			Metadata:    r.Metadata,
		})
	}
	return c.JSON(http.StatusOK, SearchResponse{Indexed: true, Hits: hits})
}
