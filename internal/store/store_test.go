package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestSubjectRefValidate(t *testing.T) {
	if err := FileSubject("f1").Validate(); err != nil {
		t.Errorf("file subject should validate: %v", err)
	}
	if err := WebsiteSubject("w1").Validate(); err != nil {
		t.Errorf("website subject should validate: %v", err)
	}
	if err := (SubjectRef{}).Validate(); err == nil {
		t.Error("zero subject must not validate")
	}
	if err := (SubjectRef{Kind: "patient", ID: "x"}).Validate(); err == nil {
		t.Error("unknown kind must not validate")
	}
}

func TestInsertEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	records := []EmbeddingRecord{
		{
			OwnerID:    "user-1",
			Subject:    FileSubject("file-1"),
			PatientID:  "patient-1",
			ChunkIndex: 0,
			Content:    "first chunk",
			Vector:     []float32{0.1, 0.2},
			Metadata:   map[string]interface{}{"source_name": "notes.txt"},
		},
		{
			OwnerID:    "user-1",
			Subject:    FileSubject("file-1"),
			PatientID:  "patient-1",
			ChunkIndex: 1,
			Content:    "second chunk",
			Vector:     []float32{0.3, 0.4},
			Metadata:   map[string]interface{}{"source_name": "notes.txt"},
		},
	}

	insertQuery := regexp.QuoteMeta(`
INSERT INTO embeddings (id, owner_id, file_id, website_id, patient_id, chunk_index, content_chunk, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9,NOW())
`)
	prep := mock.ExpectPrepare(insertQuery)
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "user-1", "file-1", nil, "patient-1", 0, "first chunk", "[0.1,0.2]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "user-1", "file-1", nil, "patient-1", 1, "second chunk", "[0.3,0.4]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := st.InsertEmbeddings(context.Background(), records)
	if err != nil {
		t.Fatalf("InsertEmbeddings: %v", err)
	}
	if n != 2 {
		t.Fatalf("written = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEmbeddingsRejectsEmptyVector(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectPrepare(regexp.QuoteMeta(`
INSERT INTO embeddings (id, owner_id, file_id, website_id, patient_id, chunk_index, content_chunk, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9,NOW())
`))

	st := &Store{DB: db}
	_, err = st.InsertEmbeddings(context.Background(), []EmbeddingRecord{
		{OwnerID: "u", Subject: FileSubject("f"), Content: "x"},
	})
	if err == nil {
		t.Fatal("expected error for missing vector")
	}
}

func TestSearchEmbeddingsFiltersThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, owner_id, file_id, website_id, patient_id, chunk_index, content_chunk, metadata, created_at, embedding <=> $1::vector AS distance
FROM embeddings
WHERE owner_id = $2 AND ($3 = '' OR patient_id = $3)
ORDER BY embedding <=> $1::vector, id
LIMIT $4
`)
	now := time.Now()
	cols := []string{"id", "owner_id", "file_id", "website_id", "patient_id", "chunk_index", "content_chunk", "metadata", "created_at", "distance"}
	rows := sqlmock.NewRows(cols).
		AddRow("e1", "user-1", "file-1", nil, nil, 0, "close match", []byte(`{"source_name":"a.txt"}`), now, 0.2).
		AddRow("e2", "user-1", nil, "web-1", nil, 1, "medium match", []byte(`{}`), now, 0.5).
		AddRow("e3", "user-1", "file-1", nil, nil, 2, "far match", []byte(`{}`), now, 0.9)
	mock.ExpectQuery(query).
		WithArgs("[0.1,0.2]", "user-1", "", 10).
		WillReturnRows(rows)

	results, err := st.SearchEmbeddings(context.Background(), "user-1", "", []float32{0.1, 0.2}, 0.45, 10)
	if err != nil {
		t.Fatalf("SearchEmbeddings: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (threshold filters the third)", len(results))
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered by descending similarity")
	}
	if results[0].Subject != FileSubject("file-1") {
		t.Errorf("subject = %+v", results[0].Subject)
	}
	if results[1].Subject != WebsiteSubject("web-1") {
		t.Errorf("subject = %+v", results[1].Subject)
	}
	for _, r := range results {
		if r.Similarity < 0.45 {
			t.Errorf("result below threshold leaked: %v", r.Similarity)
		}
	}
}

func TestDeleteEmbeddingsForSubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM embeddings WHERE website_id = $1`)).
		WithArgs("web-1").
		WillReturnResult(sqlmock.NewResult(0, 0)) // zero rows is a no-op, not an error

	if err := st.DeleteEmbeddingsForSubject(context.Background(), WebsiteSubject("web-1")); err != nil {
		t.Fatalf("DeleteEmbeddingsForSubject: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetEmbeddingStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE files SET embedding_status = $1, updated_at = NOW() WHERE id = $2`)).
		WithArgs(EmbeddingStatusProcessing, "file-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SetEmbeddingStatus(context.Background(), FileSubject("file-1"), EmbeddingStatusProcessing); err != nil {
		t.Fatalf("SetEmbeddingStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT COUNT(*) FROM embeddings WHERE owner_id = $1 AND ($2 = '' OR patient_id = $2)
`)).WithArgs("user-1", "patient-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.CountEmbeddings(context.Background(), "user-1", "patient-1")
	if err != nil {
		t.Fatalf("CountEmbeddings: %v", err)
	}
	if n != 7 {
		t.Fatalf("count = %d, want 7", n)
	}
}
