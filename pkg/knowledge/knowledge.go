// Package knowledge ingests user documents and serves hybrid
// semantic/keyword retrieval over their chunks.
package knowledge

import "time"

// Document statuses. Uploads return while the document is still
// ingesting; it becomes ready only once every chunk is stored.
const (
	StatusIngesting = "ingesting"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// Access levels. Private documents are visible to their owner only;
// shared_admins documents are visible to every admin caller as well.
const (
	AccessPrivate      = "private"
	AccessSharedAdmins = "shared_admins"
)

// Document is one ingested file.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	AccessLevel string    `json:"access_level"`
	Status      string    `json:"status"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Chunk is one retrievable span of a document.
type Chunk struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	OwnerID     string `json:"owner_id"`
	AccessLevel string `json:"access_level"`
	Ordinal     int    `json:"ordinal"`
	Content     string `json:"content"`
}

// SearchResult is one fused retrieval hit.
type SearchResult struct {
	Chunk        Chunk   `json:"chunk"`
	DocumentName string  `json:"document_name"`
	Score        float64 `json:"score"`
}
