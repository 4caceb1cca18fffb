// Package index drives the extract, chunk, embed, persist pipeline that
// turns a raw document or page into searchable vector rows.
package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/carevault/carevault/internal/chunk"
	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/internal/telemetry"
)

// ErrInsufficientContent signals that the source held too little usable
// text to be worth indexing.
var ErrInsufficientContent = errors.New("insufficient content to index")

// minContentChars is the floor applied to the combined chunk text after
// extraction. Sources below it transition straight to failed.
const minContentChars = 50

// Storage is the subset of the store the indexer needs.
type Storage interface {
	SetEmbeddingStatus(ctx context.Context, subject store.SubjectRef, status string) error
	InsertEmbeddings(ctx context.Context, records []store.EmbeddingRecord) (int, error)
	DeleteEmbeddingsForSubject(ctx context.Context, subject store.SubjectRef) error
}

// Request describes one source to index. Content arrives as-is; HTML is
// extracted inside the chunker.
type Request struct {
	OwnerID    string
	PatientID  string
	Subject    store.SubjectRef
	SourceName string
	Content    string
	Type       chunk.ContentType
	Language   string
}

// Indexer owns the pipeline. It is safe for concurrent use as long as
// the storage and embedder are.
type Indexer struct {
	storage   Storage
	embedder  embedding.Embedder
	maxTokens int
	overlap   int
	logger    *log.Logger
}

func New(storage Storage, embedder embedding.Embedder, maxTokens, overlapWords int, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	return &Indexer{
		storage:   storage,
		embedder:  embedder,
		maxTokens: maxTokens,
		overlap:   overlapWords,
		logger:    logger,
	}
}

// Index runs the full pipeline for one source and returns the number of
// embedding rows written. The subject's status moves pending ->
// processing -> completed, or to failed on any error. Failed runs leave
// no partial rows behind: previously written records for the subject
// are removed best-effort before the status flip.
func (ix *Indexer) Index(ctx context.Context, req Request) (int, error) {
	if err := req.Subject.Validate(); err != nil {
		return 0, err
	}
	if err := ix.storage.SetEmbeddingStatus(ctx, req.Subject, store.EmbeddingStatusProcessing); err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}

	written, err := ix.run(ctx, req)
	if err != nil {
		telemetry.IndexFailures.WithLabelValues(failureReason(err)).Inc()
		if derr := ix.storage.DeleteEmbeddingsForSubject(ctx, req.Subject); derr != nil {
			ix.logger.Printf("WARN: cleanup after failed index of %s %s: %v", req.Subject.Kind, req.Subject.ID, derr)
		}
		if serr := ix.storage.SetEmbeddingStatus(ctx, req.Subject, store.EmbeddingStatusFailed); serr != nil {
			ix.logger.Printf("WARN: mark failed for %s %s: %v", req.Subject.Kind, req.Subject.ID, serr)
		}
		return 0, err
	}

	if err := ix.storage.SetEmbeddingStatus(ctx, req.Subject, store.EmbeddingStatusCompleted); err != nil {
		return written, fmt.Errorf("mark completed: %w", err)
	}
	ix.logger.Printf("indexed %s %s: %d chunks", req.Subject.Kind, req.Subject.ID, written)
	return written, nil
}

func (ix *Indexer) run(ctx context.Context, req Request) (int, error) {
	chunks, err := chunk.Split(req.Content, chunk.Options{
		Type:         req.Type,
		Language:     req.Language,
		MaxTokens:    ix.maxTokens,
		OverlapWords: ix.overlap,
	})
	if err != nil {
		return 0, fmt.Errorf("chunking failed: %w", err)
	}

	total := 0
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		total += len(strings.TrimSpace(c.Content))
	}
	if total < minContentChars {
		return 0, ErrInsufficientContent
	}
	telemetry.ChunksProduced.Add(float64(len(chunks)))

	embeddings, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding failed: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(embeddings))
	}

	records := make([]store.EmbeddingRecord, len(chunks))
	for i, c := range chunks {
		meta := map[string]interface{}{
			"source_name":   req.SourceName,
			"source_type":   string(req.Subject.Kind),
			"approx_tokens": embeddings[i].ApproxTokens,
		}
		for k, v := range c.Metadata {
			meta[k] = v
		}
		records[i] = store.EmbeddingRecord{
			OwnerID:    req.OwnerID,
			Subject:    req.Subject,
			PatientID:  req.PatientID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			Vector:     embeddings[i].Vector,
			Metadata:   meta,
		}
	}

	written, err := ix.storage.InsertEmbeddings(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("persisting embeddings: %w", err)
	}
	if written != len(records) {
		return 0, fmt.Errorf("partial write: %d of %d records", written, len(records))
	}
	telemetry.EmbeddingsWritten.Add(float64(written))
	return written, nil
}

func failureReason(err error) string {
	if errors.Is(err, ErrInsufficientContent) {
		return "insufficient_content"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
