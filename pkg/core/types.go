package core

import (
	"time"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// Memory is the caller-facing view of a memory item. Content is plaintext;
// decryption happens at the engine boundary.
type Memory struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Content        string                 `json:"content"`
	PrimarySector  string                 `json:"primary_sector"`
	Tags           []string               `json:"tags"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"`
	Salience       float64                `json:"salience"`
	Version        int64                  `json:"version"`
	Archived       bool                   `json:"archived"`
}

// AddRequest creates a memory.
type AddRequest struct {
	UserID     string                 `json:"user_id"`
	Content    string                 `json:"content"`
	Tags       []string               `json:"tags,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	SectorHint string                 `json:"sector,omitempty"`
}

// AddResult reports the outcome of an add.
type AddResult struct {
	ID            string `json:"id"`
	PrimarySector string `json:"primary_sector"`
	Deduplicated  bool   `json:"deduplicated"`
}

// UpdateRequest mutates a memory. Nil fields are left unchanged; only a
// content change triggers re-embedding.
type UpdateRequest struct {
	ID       string                 `json:"-"`
	UserID   string                 `json:"user_id"`
	Content  *string                `json:"content,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DeleteRequest removes a memory. CascadeFacts additionally removes
// temporal facts whose object matches the memory's content.
type DeleteRequest struct {
	ID           string `json:"-"`
	UserID       string `json:"user_id"`
	CascadeFacts bool   `json:"cascade_facts"`
}

// ReinforceRequest boosts a memory's salience.
type ReinforceRequest struct {
	ID    string  `json:"id"`
	User  string  `json:"user_id"`
	Boost float64 `json:"boost"`
}

// TimeWindow restricts query results by creation time. Zero bounds are
// open.
type TimeWindow struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// QueryRequest is a hybrid retrieval request.
type QueryRequest struct {
	Query      string      `json:"query"`
	K          int         `json:"k"`
	Sectors    []string    `json:"sectors,omitempty"`
	UserID     string      `json:"user_id"`
	TimeWindow *TimeWindow `json:"time_window,omitempty"`
	Mode       string      `json:"mode,omitempty"`
}

// QueryResult is one ranked hit.
type QueryResult struct {
	ID            string                 `json:"id"`
	Content       string                 `json:"content"`
	Score         float64                `json:"score"`
	PrimarySector string                 `json:"primary_sector"`
	Tags          []string               `json:"tags"`
	CreatedAt     time.Time              `json:"created_at"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// IngestRequest carries an uploaded document.
type IngestRequest struct {
	UserID      string `json:"user_id"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// IngestResult reports the chunks created from a document.
type IngestResult struct {
	IDs    []string `json:"ids"`
	Chunks int      `json:"chunks"`
}

func (e *Engine) toMemory(row *storage.MemoryRow) (*Memory, error) {
	plaintext, err := e.keyring.Decrypt(row.Content, row.KeyVersion)
	if err != nil {
		return nil, EK("toMemory", KindInternal, err)
	}
	return &Memory{
		ID:             row.ID,
		UserID:         row.UserID,
		Content:        string(plaintext),
		PrimarySector:  row.PrimarySector,
		Tags:           row.Tags,
		Metadata:       row.Metadata,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		LastAccessedAt: row.LastAccessed,
		Salience:       row.Salience,
		Version:        row.Version,
		Archived:       row.Archived,
	}, nil
}
