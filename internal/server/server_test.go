package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/agent"
	"github.com/carevault/carevault/internal/embedding"
	"github.com/carevault/carevault/internal/rag"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/provider"
)

type stubSearcher struct {
	count   int
	results []store.SearchResult
}

func (s *stubSearcher) CountEmbeddings(ctx context.Context, ownerID, patientID string) (int, error) {
	return s.count, nil
}

func (s *stubSearcher) SearchEmbeddings(ctx context.Context, ownerID, patientID string, vector []float32, threshold float64, limit int) ([]store.SearchResult, error) {
	return s.results, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedOne(ctx context.Context, text string) (embedding.Embedding, error) {
	return embedding.Embedding{Vector: []float32{1, 0}}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error) {
	return nil, fmt.Errorf("not used")
}

func (stubEmbedder) EmbedImage(ctx context.Context, uri string) ([]float32, error) {
	return nil, fmt.Errorf("not used")
}

func (stubEmbedder) Dimensions() int { return 2 }

type stubProvider struct{ content string }

func (s stubProvider) ChatCompletion(ctx context.Context, messages []provider.Message, tools []provider.Tool) (provider.ChatResult, error) {
	return provider.ChatResult{Content: s.content}, nil
}

func (s stubProvider) CreateEmbedding(ctx context.Context, texts []string, dims int) ([][]float32, error) {
	return nil, fmt.Errorf("not used")
}

func (s stubProvider) CreateImageEmbedding(ctx context.Context, uri string, dims int) ([]float32, error) {
	return nil, fmt.Errorf("not used")
}

func authedContext(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", "user-1")
	return c, rec
}

func TestSearchHandlerNotIndexed(t *testing.T) {
	retr := rag.NewRetriever(&stubSearcher{count: 0}, stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	h := &SearchHandler{Retriever: retr}

	c, rec := authedContext(echo.New(), http.MethodPost, "/api/search", `{"query":"bp"}`)
	if err := h.search(c); err != nil {
		t.Fatalf("search: %v", err)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Indexed || len(resp.Hits) != 0 {
		t.Errorf("resp = %+v, want indexed=false with no hits", resp)
	}
}

func TestSearchHandlerHits(t *testing.T) {
	ss := &stubSearcher{count: 4, results: []store.SearchResult{{
		Subject:    store.FileSubject("file-1"),
		ChunkIndex: 2,
		Content:    "BP 120/80",
		Similarity: 0.87,
		Metadata:   map[string]interface{}{"source_name": "visit.txt"},
	}}}
	retr := rag.NewRetriever(ss, stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	h := &SearchHandler{Retriever: retr}

	c, rec := authedContext(echo.New(), http.MethodPost, "/api/search", `{"query":"blood pressure"}`)
	if err := h.search(c); err != nil {
		t.Fatalf("search: %v", err)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Indexed || len(resp.Hits) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	hit := resp.Hits[0]
	if hit.SubjectKind != "file" || hit.SubjectID != "file-1" || hit.ChunkIndex != 2 || hit.Similarity != 0.87 {
		t.Errorf("hit = %+v", hit)
	}
}

func TestChatHandlerDirectAnswer(t *testing.T) {
	retr := rag.NewRetriever(&stubSearcher{count: 1}, stubEmbedder{}, 0.45, 12, log.New(io.Discard, "", 0))
	orch := agent.NewOrchestrator(stubProvider{content: "All clear."}, retr, nil, 8, log.New(io.Discard, "", 0))
	h := &ChatHandler{Orch: orch}

	c, rec := authedContext(echo.New(), http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if err := h.chat(c); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "All clear." || resp.ToolTurns != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFileRemoveForeignIDLeavesEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &FilesHandler{Store: &store.Store{DB: db}, Logger: log.New(io.Discard, "", 0)}

	// the owner-scoped lookup finds nothing, so no delete may follow
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, owner_id, patient_id, folder_path, name, content_type, content, embedding_status, created_at, updated_at
FROM files WHERE id = $1 AND owner_id = $2
`)).WithArgs("file-foreign", "user-1").WillReturnError(sql.ErrNoRows)

	c, _ := authedContext(echo.New(), http.MethodDelete, "/api/files/file-foreign", "")
	c.SetParamNames("id")
	c.SetParamValues("file-foreign")

	herr, ok := h.remove(c).(*echo.HTTPError)
	if !ok || herr.Code != http.StatusNotFound {
		t.Fatalf("remove = %v, want 404", herr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("embeddings touched for a subject the caller does not own: %v", err)
	}
}

func TestFileRemoveOwnedSubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &FilesHandler{Store: &store.Store{DB: db}, Logger: log.New(io.Discard, "", 0)}

	cols := []string{"id", "owner_id", "patient_id", "folder_path", "name", "content_type", "content", "embedding_status", "created_at", "updated_at"}
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, owner_id, patient_id, folder_path, name, content_type, content, embedding_status, created_at, updated_at
FROM files WHERE id = $1 AND owner_id = $2
`)).WithArgs("file-1", "user-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("file-1", "user-1", "patient-1", "/", "notes.txt", "text", "BP 120/80", "completed", now, now))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM embeddings WHERE file_id = $1`)).
		WithArgs("file-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM files WHERE id = $1 AND owner_id = $2`)).
		WithArgs("file-1", "user-1").WillReturnResult(sqlmock.NewResult(0, 1))

	c, rec := authedContext(echo.New(), http.MethodDelete, "/api/files/file-1", "")
	c.SetParamNames("id")
	c.SetParamValues("file-1")

	if err := h.remove(c); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWebsiteRemoveForeignIDLeavesEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &WebsitesHandler{Store: &store.Store{DB: db}, Logger: log.New(io.Discard, "", 0)}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, owner_id, patient_id, url, title, content, embedding_status, created_at, updated_at
FROM websites WHERE id = $1 AND owner_id = $2
`)).WithArgs("site-foreign", "user-1").WillReturnError(sql.ErrNoRows)

	c, _ := authedContext(echo.New(), http.MethodDelete, "/api/websites/site-foreign", "")
	c.SetParamNames("id")
	c.SetParamValues("site-foreign")

	herr, ok := h.remove(c).(*echo.HTTPError)
	if !ok || herr.Code != http.StatusNotFound {
		t.Fatalf("remove = %v, want 404", herr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("embeddings touched for a subject the caller does not own: %v", err)
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	h := &AuthHandler{}
	c, _ := authedContext(echo.New(), http.MethodPost, "/api/auth/signup", `{"email":"a@b.c","password":"short"}`)
	err := h.signup(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestJanitorDue(t *testing.T) {
	j := &Janitor{CronSpec: "*/10 * * * *", Logger: log.New(io.Discard, "", 0)}
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	if !j.due(base) {
		t.Fatal("first check should be due")
	}
	if j.due(base.Add(time.Minute)) {
		t.Error("due again right away")
	}
	if !j.due(base.Add(11 * time.Minute)) {
		t.Error("not due after the cron interval passed")
	}
}

func TestJanitorDueInvalidSpecFallsBack(t *testing.T) {
	j := &Janitor{CronSpec: "not a cron", Logger: log.New(io.Discard, "", 0)}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !j.due(base) {
		t.Fatal("first check should be due")
	}
	if j.due(base.Add(30 * time.Minute)) {
		t.Error("fallback should be hourly")
	}
	if !j.due(base.Add(2 * time.Hour)) {
		t.Error("fallback hourly sweep missed")
	}
}
