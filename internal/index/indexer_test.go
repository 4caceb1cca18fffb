package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/carevault/carevault/internal/chunk"
	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/store"
)

type fakeStorage struct {
	statuses  []string
	inserted  []store.EmbeddingRecord
	deleted   int
	insertErr error
	short     bool // report fewer rows written than given
}

func (f *fakeStorage) SetEmbeddingStatus(ctx context.Context, subject store.SubjectRef, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStorage) InsertEmbeddings(ctx context.Context, records []store.EmbeddingRecord) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, records...)
	if f.short {
		return len(records) - 1, nil
	}
	return len(records), nil
}

func (f *fakeStorage) DeleteEmbeddingsForSubject(ctx context.Context, subject store.SubjectRef) error {
	f.deleted++
	return nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) (embedding.Embedding, error) {
	if f.err != nil {
		return embedding.Embedding{}, f.err
	}
	return embedding.Embedding{Vector: []float32{1, 2}, ApproxTokens: len(text) / 4}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]embedding.Embedding, len(texts))
	for i, t := range texts {
		out[i] = embedding.Embedding{Vector: []float32{float32(i), 1}, ApproxTokens: len(t) / 4}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, uri string) ([]float32, error) {
	return []float32{0}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

func newTestIndexer(st *fakeStorage, em *fakeEmbedder) *Indexer {
	return New(st, em, 100, 40, log.New(io.Discard, "", 0))
}

func TestIndexHappyPath(t *testing.T) {
	st := &fakeStorage{}
	ix := newTestIndexer(st, &fakeEmbedder{})

	content := strings.Repeat("The patient tolerated the procedure well. ", 30)
	req := Request{
		OwnerID:    "user-1",
		PatientID:  "patient-1",
		Subject:    store.FileSubject("file-1"),
		SourceName: "visit-notes.txt",
		Content:    content,
		Type:       chunk.TypeText,
	}
	n, err := ix.Index(context.Background(), req)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if n == 0 || n != len(st.inserted) {
		t.Fatalf("written = %d, inserted = %d", n, len(st.inserted))
	}
	want := []string{store.EmbeddingStatusProcessing, store.EmbeddingStatusCompleted}
	if fmt.Sprint(st.statuses) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", st.statuses, want)
	}
	for i, rec := range st.inserted {
		if rec.ChunkIndex != i {
			t.Errorf("record %d has chunk index %d", i, rec.ChunkIndex)
		}
		if rec.Metadata["source_name"] != "visit-notes.txt" || rec.Metadata["source_type"] != "file" {
			t.Errorf("record %d metadata = %v", i, rec.Metadata)
		}
		if rec.PatientID != "patient-1" || rec.OwnerID != "user-1" {
			t.Errorf("record %d scope = %s/%s", i, rec.OwnerID, rec.PatientID)
		}
	}
}

func TestIndexInsufficientContent(t *testing.T) {
	st := &fakeStorage{}
	ix := newTestIndexer(st, &fakeEmbedder{})

	_, err := ix.Index(context.Background(), Request{
		OwnerID: "u", Subject: store.FileSubject("f"),
		Content: "too short", Type: chunk.TypeText,
	})
	if !errors.Is(err, ErrInsufficientContent) {
		t.Fatalf("err = %v, want ErrInsufficientContent", err)
	}
	last := st.statuses[len(st.statuses)-1]
	if last != store.EmbeddingStatusFailed {
		t.Errorf("final status = %s, want failed", last)
	}
	if len(st.inserted) != 0 {
		t.Errorf("nothing should be inserted, got %d records", len(st.inserted))
	}
}

func TestIndexEmbeddingFailureCleansUp(t *testing.T) {
	st := &fakeStorage{}
	ix := newTestIndexer(st, &fakeEmbedder{err: fmt.Errorf("rate limited")})

	content := strings.Repeat("Relevant clinical detail here. ", 10)
	_, err := ix.Index(context.Background(), Request{
		OwnerID: "u", Subject: store.WebsiteSubject("w"),
		Content: content, Type: chunk.TypeText,
	})
	if err == nil {
		t.Fatal("expected embedding failure to propagate")
	}
	if st.deleted != 1 {
		t.Errorf("expected one cleanup delete, got %d", st.deleted)
	}
	if st.statuses[len(st.statuses)-1] != store.EmbeddingStatusFailed {
		t.Errorf("final status = %s, want failed", st.statuses[len(st.statuses)-1])
	}
}

func TestIndexPartialWriteFails(t *testing.T) {
	st := &fakeStorage{short: true}
	ix := newTestIndexer(st, &fakeEmbedder{})

	content := strings.Repeat("Detail. ", 20)
	_, err := ix.Index(context.Background(), Request{
		OwnerID: "u", Subject: store.FileSubject("f"),
		Content: content, Type: chunk.TypeText,
	})
	if err == nil || !strings.Contains(err.Error(), "partial write") {
		t.Fatalf("err = %v, want partial write failure", err)
	}
}

func TestIndexInvalidSubject(t *testing.T) {
	st := &fakeStorage{}
	ix := newTestIndexer(st, &fakeEmbedder{})

	_, err := ix.Index(context.Background(), Request{OwnerID: "u", Content: "x"})
	if err == nil {
		t.Fatal("expected validation error for zero subject")
	}
	if len(st.statuses) != 0 {
		t.Errorf("no status writes expected, got %v", st.statuses)
	}
}
