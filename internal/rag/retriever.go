// Package rag retrieves indexed record chunks by semantic similarity and
// renders them for the chat orchestrator.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/internal/telemetry"
)

// ErrNotIndexed distinguishes "nothing indexed yet" from "indexed but no
// match"; callers surface different guidance for each.
var ErrNotIndexed = errors.New("no records indexed for this scope")

// previewChars caps how much of a chunk is rendered per result.
const previewChars = 500

// Searcher is the subset of the store the retriever needs.
type Searcher interface {
	CountEmbeddings(ctx context.Context, ownerID, patientID string) (int, error)
	SearchEmbeddings(ctx context.Context, ownerID, patientID string, vector []float32, threshold float64, limit int) ([]store.SearchResult, error)
}

type Retriever struct {
	searcher  Searcher
	embedder  embedding.Embedder
	threshold float64
	limit     int
	logger    *log.Logger
}

func NewRetriever(searcher Searcher, embedder embedding.Embedder, threshold float64, limit int, logger *log.Logger) *Retriever {
	if limit <= 0 {
		limit = 12
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RAG] ", log.LstdFlags)
	}
	return &Retriever{searcher: searcher, embedder: embedder, threshold: threshold, limit: limit, logger: logger}
}

// Search embeds the query and returns matching chunks ordered by
// descending similarity. Returns ErrNotIndexed when the scope has no
// embeddings at all; an empty slice means indexed but nothing close
// enough.
func (r *Retriever) Search(ctx context.Context, ownerID, patientID, query string) ([]store.SearchResult, error) {
	return r.SearchWith(ctx, ownerID, patientID, query, -1, 0)
}

// SearchWith is Search with per-call overrides: a negative threshold or
// non-positive limit falls back to the configured operating point.
func (r *Retriever) SearchWith(ctx context.Context, ownerID, patientID, query string, threshold float64, limit int) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if threshold < 0 {
		threshold = r.threshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0,1]")
	}
	if limit <= 0 {
		limit = r.limit
	}
	count, err := r.searcher.CountEmbeddings(ctx, ownerID, patientID)
	if err != nil {
		return nil, fmt.Errorf("counting indexed records: %w", err)
	}
	if count == 0 {
		return nil, ErrNotIndexed
	}

	emb, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	results, err := r.searcher.SearchEmbeddings(ctx, ownerID, patientID, emb.Vector, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	telemetry.SearchesServed.Inc()
	r.logger.Printf("query served: %d of %d indexed chunks matched", len(results), count)
	return results, nil
}

// FormatResults renders search hits as a numbered context block for the
// model prompt. Ranks are 1-based and follow the input order.
func FormatResults(results []store.SearchResult) string {
	if len(results) == 0 {
		return "No matching records found."
	}
	var b strings.Builder
	for i, res := range results {
		name := sourceName(res)
		fmt.Fprintf(&b, "[%d] %s (%s, similarity %.0f%%)\n", i+1, name, res.Subject.Kind, res.Similarity*100)
		b.WriteString(Preview(res.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func sourceName(res store.SearchResult) string {
	if v, ok := res.Metadata["source_name"].(string); ok && v != "" {
		return v
	}
	return fmt.Sprintf("%s %s", res.Subject.Kind, res.Subject.ID)
}

// Preview truncates a chunk to an excerpt, cutting on a word boundary
// where one exists past the halfway point.
func Preview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewChars {
		return content
	}
	cut := content[:previewChars]
	if i := strings.LastIndexByte(cut, ' '); i > previewChars/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
