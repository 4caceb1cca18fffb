package server

import (
	"time"

	"github.com/carevault/carevault/internal/agent"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/provider"
)

// HTTPError is the JSON error envelope returned by every handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type PatientRequest struct {
	Name        string   `json:"name"`
	Conditions  []string `json:"conditions"`
	Medications []string `json:"medications"`
	Allergies   []string `json:"allergies"`
}

type PatientResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Conditions  []string  `json:"conditions"`
	Medications []string  `json:"medications"`
	Allergies   []string  `json:"allergies"`
	CreatedAt   time.Time `json:"created_at"`
}

func patientResponse(rec store.PatientRecord) PatientResponse {
	return PatientResponse{
		ID:          rec.ID,
		Name:        rec.Name,
		Conditions:  rec.Conditions,
		Medications: rec.Medications,
		Allergies:   rec.Allergies,
		CreatedAt:   rec.CreatedAt,
	}
}

type FolderRequest struct {
	Path string `json:"path"`
}

type FolderResponse struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

type FileCreateRequest struct {
	PatientID   string `json:"patient_id"`
	FolderPath  string `json:"folder_path"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"` // text, code, markdown or html
	Language    string `json:"language"`
	Content     string `json:"content"`
}

type FileResponse struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id,omitempty"`
	FolderPath      string    `json:"folder_path"`
	Name            string    `json:"name"`
	ContentType     string    `json:"content_type"`
	EmbeddingStatus string    `json:"embedding_status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func fileResponse(rec store.FileRecord) FileResponse {
	return FileResponse{
		ID:              rec.ID,
		PatientID:       rec.PatientID,
		FolderPath:      rec.FolderPath,
		Name:            rec.Name,
		ContentType:     rec.ContentType,
		EmbeddingStatus: rec.EmbeddingStatus,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

type WebsiteCreateRequest struct {
	PatientID string `json:"patient_id"`
	URL       string `json:"url"`
}

type WebsiteResponse struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id,omitempty"`
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	EmbeddingStatus string    `json:"embedding_status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func websiteResponse(rec store.WebsiteRecord) WebsiteResponse {
	return WebsiteResponse{
		ID:              rec.ID,
		PatientID:       rec.PatientID,
		URL:             rec.URL,
		Title:           rec.Title,
		EmbeddingStatus: rec.EmbeddingStatus,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

type SearchRequest struct {
	Query     string   `json:"query"`
	PatientID string   `json:"patient_id"`
	Threshold *float64 `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type SearchHit struct {
	SubjectKind string                 `json:"subject_kind"`
	SubjectID   string                 `json:"subject_id"`
	ChunkIndex  int                    `json:"chunk_index"`
	Content     string                 `json:"content"`
	Similarity  float64                `json:"similarity"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type SearchResponse struct {
	Indexed bool        `json:"indexed"`
	Hits    []SearchHit `json:"hits"`
}

type ChatRequest struct {
	PatientID      string             `json:"patient_id"`
	Message        string             `json:"message"`
	History        []provider.Message `json:"history"`
	EnableResearch bool               `json:"enable_research"`
}

type ChatResponse struct {
	Content   string           `json:"content"`
	Citations []agent.Citation `json:"citations"`
	ToolTurns int              `json:"tool_turns"`
}
