// Package store persists vault records and embedding vectors in Postgres
// (pgvector).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Embedding statuses attached to each source file/website.
const (
	EmbeddingStatusPending    = "pending"
	EmbeddingStatusProcessing = "processing"
	EmbeddingStatusCompleted  = "completed"
	EmbeddingStatusFailed     = "failed"
)

// DefaultEmbeddingDimensions is the expected length of vectors stored in
// the pgvector column (multimodal model dimension).
const DefaultEmbeddingDimensions = 1408

// SubjectKind discriminates the originating content source of a record.
type SubjectKind string

const (
	SubjectFile    SubjectKind = "file"
	SubjectWebsite SubjectKind = "website"
)

// SubjectRef is a tagged reference to exactly one content source. The
// zero value is invalid; use FileSubject or WebsiteSubject.
type SubjectRef struct {
	Kind SubjectKind
	ID   string
}

func FileSubject(id string) SubjectRef    { return SubjectRef{Kind: SubjectFile, ID: id} }
func WebsiteSubject(id string) SubjectRef { return SubjectRef{Kind: SubjectWebsite, ID: id} }

func (s SubjectRef) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subject id required")
	}
	switch s.Kind {
	case SubjectFile, SubjectWebsite:
		return nil
	default:
		return fmt.Errorf("invalid subject kind: %q", s.Kind)
	}
}

// UserRecord is a vault account.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// PatientRecord scopes records to one patient and feeds research keyword
// enrichment.
type PatientRecord struct {
	ID          string
	OwnerID     string
	Name        string
	Conditions  []string
	Medications []string
	Allergies   []string
	CreatedAt   time.Time
}

// FolderRecord is a path label used to organize files.
type FolderRecord struct {
	ID        string
	OwnerID   string
	Path      string
	CreatedAt time.Time
}

// FileRecord is an uploaded document subject.
type FileRecord struct {
	ID              string
	OwnerID         string
	PatientID       string
	FolderPath      string
	Name            string
	ContentType     string
	Content         string
	EmbeddingStatus string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WebsiteRecord is a fetched web page subject.
type WebsiteRecord struct {
	ID              string
	OwnerID         string
	PatientID       string
	URL             string
	Title           string
	Content         string
	EmbeddingStatus string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmbeddingRecord is the persisted unit of the index: one chunk plus its
// vector, scoped to an owner and exactly one subject.
type EmbeddingRecord struct {
	ID         string
	OwnerID    string
	Subject    SubjectRef
	PatientID  string
	ChunkIndex int
	Content    string
	Vector     []float32
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// SearchResult is an ephemeral projection of an EmbeddingRecord plus a
// computed similarity in [0,1].
type SearchResult struct {
	ID         string
	OwnerID    string
	Subject    SubjectRef
	PatientID  string
	ChunkIndex int
	Content    string
	Metadata   map[string]interface{}
	Similarity float64
	CreatedAt  time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash, created_at)
VALUES ($1,$2,$3,NOW())
`, id, email, passwordHash)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	var u UserRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, created_at FROM users WHERE email = $1
`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

// --- patients ---

func (s *Store) CreatePatient(ctx context.Context, rec PatientRecord) (string, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return "", fmt.Errorf("patient name required")
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO patients (id, owner_id, name, conditions, medications, allergies, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
`, id, rec.OwnerID, rec.Name, encodeStrings(rec.Conditions), encodeStrings(rec.Medications), encodeStrings(rec.Allergies))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetPatient(ctx context.Context, id, ownerID string) (PatientRecord, error) {
	var (
		rec                                PatientRecord
		conditions, medications, allergies []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, name, conditions, medications, allergies, created_at
FROM patients WHERE id = $1 AND owner_id = $2
`, id, ownerID).Scan(&rec.ID, &rec.OwnerID, &rec.Name, &conditions, &medications, &allergies, &rec.CreatedAt)
	if err != nil {
		return PatientRecord{}, err
	}
	rec.Conditions = decodeStrings(conditions)
	rec.Medications = decodeStrings(medications)
	rec.Allergies = decodeStrings(allergies)
	return rec, nil
}

func (s *Store) ListPatients(ctx context.Context, ownerID string) ([]PatientRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, name, conditions, medications, allergies, created_at
FROM patients WHERE owner_id = $1 ORDER BY created_at
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PatientRecord
	for rows.Next() {
		var (
			rec                                PatientRecord
			conditions, medications, allergies []byte
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &conditions, &medications, &allergies, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Conditions = decodeStrings(conditions)
		rec.Medications = decodeStrings(medications)
		rec.Allergies = decodeStrings(allergies)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeletePatient(ctx context.Context, id, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM patients WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return err
}

// --- folders ---

func (s *Store) CreateFolder(ctx context.Context, ownerID, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("folder path required")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO folders (id, owner_id, path, created_at)
VALUES ($1,$2,$3,NOW())
`, id, ownerID, path)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListFolders(ctx context.Context, ownerID string) ([]FolderRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, path, created_at FROM folders WHERE owner_id = $1 ORDER BY path
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FolderRecord
	for rows.Next() {
		var rec FolderRecord
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Path, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFolder(ctx context.Context, id, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM folders WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return err
}

// --- files ---

func (s *Store) CreateFile(ctx context.Context, rec FileRecord) (string, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return "", fmt.Errorf("file name required")
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO files (id, owner_id, patient_id, folder_path, name, content_type, content, embedding_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
`, id, rec.OwnerID, nullableString(rec.PatientID), rec.FolderPath, rec.Name, rec.ContentType, rec.Content, EmbeddingStatusPending)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetFile(ctx context.Context, id, ownerID string) (FileRecord, error) {
	var (
		rec       FileRecord
		patientID sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, patient_id, folder_path, name, content_type, content, embedding_status, created_at, updated_at
FROM files WHERE id = $1 AND owner_id = $2
`, id, ownerID).Scan(&rec.ID, &rec.OwnerID, &patientID, &rec.FolderPath, &rec.Name, &rec.ContentType, &rec.Content, &rec.EmbeddingStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return FileRecord{}, err
	}
	rec.PatientID = patientID.String
	return rec, nil
}

func (s *Store) ListFiles(ctx context.Context, ownerID, patientID string) ([]FileRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, patient_id, folder_path, name, content_type, embedding_status, created_at, updated_at
FROM files WHERE owner_id = $1 AND ($2 = '' OR patient_id = $2)
ORDER BY created_at
`, ownerID, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var (
			rec     FileRecord
			patient sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &patient, &rec.FolderPath, &rec.Name, &rec.ContentType, &rec.EmbeddingStatus, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.PatientID = patient.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFile(ctx context.Context, id, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM files WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return err
}

// --- websites ---

func (s *Store) CreateWebsite(ctx context.Context, rec WebsiteRecord) (string, error) {
	if strings.TrimSpace(rec.URL) == "" {
		return "", fmt.Errorf("website url required")
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO websites (id, owner_id, patient_id, url, title, embedding_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
`, id, rec.OwnerID, nullableString(rec.PatientID), rec.URL, rec.Title, EmbeddingStatusPending)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetWebsite(ctx context.Context, id, ownerID string) (WebsiteRecord, error) {
	var (
		rec       WebsiteRecord
		patientID sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, patient_id, url, title, content, embedding_status, created_at, updated_at
FROM websites WHERE id = $1 AND owner_id = $2
`, id, ownerID).Scan(&rec.ID, &rec.OwnerID, &patientID, &rec.URL, &rec.Title, &rec.Content, &rec.EmbeddingStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return WebsiteRecord{}, err
	}
	rec.PatientID = patientID.String
	return rec, nil
}

func (s *Store) ListWebsites(ctx context.Context, ownerID, patientID string) ([]WebsiteRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, patient_id, url, title, embedding_status, created_at, updated_at
FROM websites WHERE owner_id = $1 AND ($2 = '' OR patient_id = $2)
ORDER BY created_at
`, ownerID, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebsiteRecord
	for rows.Next() {
		var (
			rec     WebsiteRecord
			patient sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &patient, &rec.URL, &rec.Title, &rec.EmbeddingStatus, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.PatientID = patient.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateWebsiteContent records the fetched title and extracted text.
func (s *Store) UpdateWebsiteContent(ctx context.Context, id, title, content string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE websites SET title = $1, content = $2, updated_at = NOW() WHERE id = $3
`, title, content, id)
	return err
}

func (s *Store) DeleteWebsite(ctx context.Context, id, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM websites WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return err
}

// --- embedding status ---

// SetEmbeddingStatus updates the status flag on the subject's table.
func (s *Store) SetEmbeddingStatus(ctx context.Context, subject SubjectRef, status string) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	table := "files"
	if subject.Kind == SubjectWebsite {
		table = "websites"
	}
	res, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET embedding_status = $1, updated_at = NOW() WHERE id = $2`, table),
		status, subject.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s not found", subject.Kind, subject.ID)
	}
	return nil
}

// MarkStaleProcessingFailed flips subjects stuck in processing past the
// deadline to failed, returning how many were affected.
func (s *Store) MarkStaleProcessingFailed(ctx context.Context, deadline time.Duration) (int64, error) {
	seconds := int64(deadline / time.Second)
	var total int64
	for _, table := range []string{"files", "websites"} {
		res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET embedding_status = $1, updated_at = NOW()
WHERE embedding_status = $2 AND updated_at < NOW() - make_interval(secs => $3)
`, table), EmbeddingStatusFailed, EmbeddingStatusProcessing, seconds)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// --- embeddings ---

// InsertEmbeddings writes one row per record. Records must share the
// same owner and subject.
func (s *Store) InsertEmbeddings(ctx context.Context, records []EmbeddingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	stmt, err := s.DB.PrepareContext(ctx, `
INSERT INTO embeddings (id, owner_id, file_id, website_id, patient_id, chunk_index, content_chunk, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9,NOW())
`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, rec := range records {
		if err := rec.Subject.Validate(); err != nil {
			return written, err
		}
		if strings.TrimSpace(rec.Content) == "" {
			return written, fmt.Errorf("content chunk required for index %d", rec.ChunkIndex)
		}
		if len(rec.Vector) == 0 {
			return written, fmt.Errorf("embedding vector required for index %d", rec.ChunkIndex)
		}
		vectorLiteral, err := encodeVectorLiteral(rec.Vector)
		if err != nil {
			return written, err
		}
		if rec.Metadata == nil {
			rec.Metadata = map[string]interface{}{}
		}
		metaBytes, err := json.Marshal(rec.Metadata)
		if err != nil {
			return written, fmt.Errorf("marshal metadata: %w", err)
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		var fileID, websiteID interface{}
		if rec.Subject.Kind == SubjectFile {
			fileID = rec.Subject.ID
		} else {
			websiteID = rec.Subject.ID
		}
		if _, err := stmt.ExecContext(ctx, id, rec.OwnerID, fileID, websiteID,
			nullableString(rec.PatientID), rec.ChunkIndex, rec.Content, vectorLiteral, metaBytes); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// DeleteEmbeddingsForSubject removes every record tied to the subject.
// Deleting a subject with zero records is a no-op.
func (s *Store) DeleteEmbeddingsForSubject(ctx context.Context, subject SubjectRef) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	column := "file_id"
	if subject.Kind == SubjectWebsite {
		column = "website_id"
	}
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM embeddings WHERE %s = $1`, column), subject.ID)
	return err
}

// CountEmbeddings reports how many records exist for the scope.
func (s *Store) CountEmbeddings(ctx context.Context, ownerID, patientID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM embeddings WHERE owner_id = $1 AND ($2 = '' OR patient_id = $2)
`, ownerID, patientID).Scan(&n)
	return n, err
}

// SearchEmbeddings returns the closest records for the supplied vector,
// constrained to the owner (and patient when given), filtered by the
// similarity threshold and capped at limit. Ties on similarity are broken
// by record id (insertion order under uuid-v4 is arbitrary but stable).
func (s *Store) SearchEmbeddings(ctx context.Context, ownerID, patientID string, vector []float32, threshold float64, limit int) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 12
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, file_id, website_id, patient_id, chunk_index, content_chunk, metadata, created_at, embedding <=> $1::vector AS distance
FROM embeddings
WHERE owner_id = $2 AND ($3 = '' OR patient_id = $3)
ORDER BY embedding <=> $1::vector, id
LIMIT $4
`, vecLiteral, ownerID, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r                 SearchResult
			metaBytes         []byte
			fileID, websiteID sql.NullString
			patient           sql.NullString
			distance          float64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &fileID, &websiteID, &patient,
			&r.ChunkIndex, &r.Content, &metaBytes, &r.CreatedAt, &distance); err != nil {
			return nil, err
		}
		r.Similarity = 1 - distance
		if r.Similarity < threshold {
			continue
		}
		if fileID.Valid {
			r.Subject = FileSubject(fileID.String)
		} else if websiteID.Valid {
			r.Subject = WebsiteSubject(websiteID.String)
		}
		r.PatientID = patient.String
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &r.Metadata)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- helpers ---

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func decodeStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
