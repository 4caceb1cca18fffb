package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/store"
)

type fakeSearcher struct {
	count     int
	results   []store.SearchResult
	gotVector []float32
	gotLimit  int
}

func (f *fakeSearcher) CountEmbeddings(ctx context.Context, ownerID, patientID string) (int, error) {
	return f.count, nil
}

func (f *fakeSearcher) SearchEmbeddings(ctx context.Context, ownerID, patientID string, vector []float32, threshold float64, limit int) ([]store.SearchResult, error) {
	f.gotVector = vector
	f.gotLimit = limit
	return f.results, nil
}

type stubEmbedder struct{ err error }

func (s *stubEmbedder) EmbedOne(ctx context.Context, text string) (embedding.Embedding, error) {
	if s.err != nil {
		return embedding.Embedding{}, s.err
	}
	return embedding.Embedding{Vector: []float32{0.1, 0.9}, ApproxTokens: len(text) / 4}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error) {
	return nil, fmt.Errorf("not used")
}

func (s *stubEmbedder) EmbedImage(ctx context.Context, uri string) ([]float32, error) {
	return nil, fmt.Errorf("not used")
}

func (s *stubEmbedder) Dimensions() int { return 2 }

func TestSearchNotIndexed(t *testing.T) {
	r := NewRetriever(&fakeSearcher{count: 0}, &stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	_, err := r.Search(context.Background(), "user-1", "", "blood pressure history")
	if !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("err = %v, want ErrNotIndexed", err)
	}
}

func TestSearchIndexedButNoMatches(t *testing.T) {
	r := NewRetriever(&fakeSearcher{count: 5}, &stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	results, err := r.Search(context.Background(), "user-1", "", "unrelated query")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result set, got %d", len(results))
	}
}

func TestSearchPassesQueryVector(t *testing.T) {
	fs := &fakeSearcher{count: 3}
	r := NewRetriever(fs, &stubEmbedder{}, 0.45, 7, log.New(io.Discard, "", 0))
	if _, err := r.Search(context.Background(), "user-1", "patient-1", "lisinopril dosage"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(fs.gotVector) != 2 {
		t.Errorf("search used vector of length %d", len(fs.gotVector))
	}
	if fs.gotLimit != 7 {
		t.Errorf("limit = %d, want 7", fs.gotLimit)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	r := NewRetriever(&fakeSearcher{count: 1}, &stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	if _, err := r.Search(context.Background(), "user-1", "", "   "); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestFormatResults(t *testing.T) {
	results := []store.SearchResult{
		{
			Subject:    store.FileSubject("file-1"),
			Content:    "Blood pressure 120/80, pulse 64.",
			Similarity: 0.91,
			Metadata:   map[string]interface{}{"source_name": "checkup.txt"},
		},
		{
			Subject:    store.WebsiteSubject("web-1"),
			Content:    strings.Repeat("long clinical guidance text ", 40),
			Similarity: 0.52,
			Metadata:   map[string]interface{}{},
		},
	}
	out := FormatResults(results)
	if !strings.Contains(out, "[1] checkup.txt (file, similarity 91%)") {
		t.Errorf("first entry malformed:\n%s", out)
	}
	if !strings.Contains(out, "[2] website web-1 (website, similarity 52%)") {
		t.Errorf("fallback source name malformed:\n%s", out)
	}
	if !strings.Contains(out, "...") {
		t.Error("long content should be truncated with ellipsis")
	}
}

func TestFormatResultsEmpty(t *testing.T) {
	if got := FormatResults(nil); got != "No matching records found." {
		t.Errorf("empty format = %q", got)
	}
}
