package knowledge

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/embedder"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/vector"
)

const chunkCollection = "chunks"

// ingestWorkers bounds concurrent document ingestions.
const ingestWorkers = 2

// Service owns documents, chunks, and the hybrid retrieval path.
type Service struct {
	gateway *store.Gateway
	vectors vector.Provider
	embed   embedder.Embedder
	chunker *Chunker
	cfg     *config.RetrievalConfig

	maxConcurrentEmbed int

	jobs chan ingestJob
	wg   sync.WaitGroup
	once sync.Once
}

type ingestJob struct {
	documentID  string
	ownerID     string
	accessLevel string
	name        string
	data        []byte
}

// NewService creates the knowledge service and starts its ingestion
// workers. Call Close to drain them.
func NewService(gateway *store.Gateway, vectors vector.Provider, embed embedder.Embedder, retrieval *config.RetrievalConfig, maxConcurrentEmbed int) (*Service, error) {
	chunker, err := NewChunker(0, 0)
	if err != nil {
		return nil, err
	}

	s := &Service{
		gateway:            gateway,
		vectors:            vectors,
		embed:              embed,
		chunker:            chunker,
		cfg:                retrieval,
		maxConcurrentEmbed: maxConcurrentEmbed,
		jobs:               make(chan ingestJob, 32),
	}
	for i := 0; i < ingestWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Close stops accepting uploads and waits for in-flight ingestions.
func (s *Service) Close() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// ============================================================================
// INGESTION
// ============================================================================

// Upload records the document and queues its ingestion. It returns as soon
// as the metadata row is visible; the heavy work happens on a worker.
func (s *Service) Upload(ctx context.Context, ownerID, name, accessLevel string, data []byte) (*Document, error) {
	if accessLevel == "" {
		accessLevel = AccessPrivate
	}
	if accessLevel != AccessPrivate && accessLevel != AccessSharedAdmins {
		return nil, fault.New(fault.Malformed, "knowledge.Upload",
			"unknown access level: "+accessLevel)
	}
	if len(data) == 0 {
		return nil, fault.New(fault.Malformed, "knowledge.Upload", "empty file")
	}

	doc := &Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		AccessLevel: accessLevel,
		Status:      StatusIngesting,
		IngestedAt:  time.Now(),
	}
	_, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(`
INSERT INTO documents (id, owner_id, name, access_level, status, ingested_at)
VALUES (?, ?, ?, ?, ?, ?)
`), doc.ID, doc.OwnerID, doc.Name, doc.AccessLevel, doc.Status, doc.IngestedAt)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.Upload", err)
	}

	s.jobs <- ingestJob{
		documentID:  doc.ID,
		ownerID:     ownerID,
		accessLevel: accessLevel,
		name:        name,
		data:        data,
	}
	return doc, nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		// Ingestion outlives the upload request on purpose.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if err := s.ingest(ctx, job); err != nil {
			slog.Error("document ingestion failed",
				"document", job.documentID, "name", job.name, "error", err)
			s.failDocument(ctx, job.documentID)
		}
		cancel()
	}
}

func (s *Service) ingest(ctx context.Context, job ingestJob) error {
	text, err := Extract(job.name, job.data)
	if err != nil {
		return err
	}

	pieces := s.chunker.Chunk(text)
	if len(pieces) == 0 {
		return fault.New(fault.Malformed, "knowledge.ingest", "document produced no chunks")
	}

	vectors, err := embedder.EmbedBatch(ctx, s.embed, pieces, s.maxConcurrentEmbed)
	if err != nil {
		return err
	}

	chunks := make([]Chunk, len(pieces))
	for i, content := range pieces {
		chunks[i] = Chunk{
			ID:          uuid.NewString(),
			DocumentID:  job.documentID,
			OwnerID:     job.ownerID,
			AccessLevel: job.accessLevel,
			Ordinal:     i,
			Content:     content,
		}
	}

	// Chunk rows land in one transaction so readers never see a partial
	// document.
	tx, err := s.gateway.DB().BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "knowledge.ingest", err)
	}
	for _, chunk := range chunks {
		terms := strings.Join(Tokenize(chunk.Content), " ")
		_, err = tx.ExecContext(ctx, s.gateway.Rebind(`
INSERT INTO chunks (id, document_id, owner_id, access_level, ordinal, content, terms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), chunk.ID, chunk.DocumentID, chunk.OwnerID, chunk.AccessLevel, chunk.Ordinal, chunk.Content, terms)
		if err != nil {
			_ = tx.Rollback()
			return fault.Wrap(fault.DependencyFailure, "knowledge.ingest", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.DependencyFailure, "knowledge.ingest", err)
	}

	for i, chunk := range chunks {
		err := s.vectors.Upsert(ctx, chunkCollection, chunk.ID, vectors[i], map[string]any{
			"document_id":   chunk.DocumentID,
			"document_name": job.name,
			"owner_id":      chunk.OwnerID,
			"access_level":  chunk.AccessLevel,
			"ordinal":       chunk.Ordinal,
			"content":       chunk.Content,
		})
		if err != nil {
			return err
		}
	}

	_, err = s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`UPDATE documents SET status = ? WHERE id = ?`), StatusReady, job.documentID)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "knowledge.ingest", err)
	}
	return nil
}

// failDocument marks the document failed and purges anything that made it
// in, so a failed ingestion leaves no retrievable residue.
func (s *Service) failDocument(ctx context.Context, documentID string) {
	if _, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
		slog.Error("failed to purge chunks", "document", documentID, "error", err)
	}
	if err := s.vectors.DeleteByFilter(ctx, chunkCollection,
		map[string]any{"document_id": documentID}); err != nil {
		slog.Error("failed to purge vectors", "document", documentID, "error", err)
	}
	if _, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`UPDATE documents SET status = ? WHERE id = ?`), StatusFailed, documentID); err != nil {
		slog.Error("failed to mark document failed", "document", documentID, "error", err)
	}
}

// ============================================================================
// DOCUMENT CRUD
// ============================================================================

// isolationPredicate gates every chunk and document read: callers see their
// own rows, and admins additionally see admin-shared rows.
const isolationPredicate = `(owner_id = ? OR (access_level = '` + AccessSharedAdmins + `' AND ?))`

// List returns documents visible to the caller.
func (s *Service) List(ctx context.Context, ownerID string, isAdmin bool) ([]Document, error) {
	rows, err := s.gateway.OwnerQuery(ctx, ownerID, `
SELECT id, owner_id, name, access_level, status, ingested_at
FROM documents WHERE `+isolationPredicate+` ORDER BY ingested_at DESC
`, isAdmin)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.List", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.AccessLevel, &d.Status, &d.IngestedAt); err != nil {
			return nil, fault.Wrap(fault.DependencyFailure, "knowledge.List", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.List", err)
	}
	return docs, nil
}

// Get returns one visible document.
func (s *Service) Get(ctx context.Context, ownerID string, isAdmin bool, documentID string) (*Document, error) {
	row, err := s.gateway.OwnerQueryRow(ctx, ownerID, `
SELECT id, owner_id, name, access_level, status, ingested_at
FROM documents WHERE `+isolationPredicate+` AND id = ?
`, isAdmin, documentID)
	if err != nil {
		return nil, err
	}

	var d Document
	err = row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.AccessLevel, &d.Status, &d.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "knowledge.Get", "document not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.Get", err)
	}
	return &d, nil
}

// Delete removes a document with its chunks and vectors. Only the owner
// can delete; a foreign document reports NotFound.
func (s *Service) Delete(ctx context.Context, ownerID, documentID string) error {
	res, err := s.gateway.OwnerExec(ctx, ownerID,
		`DELETE FROM documents WHERE owner_id = ? AND id = ?`, documentID)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "knowledge.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "knowledge.Delete", "document not found")
	}

	if _, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
		return fault.Wrap(fault.DependencyFailure, "knowledge.Delete", err)
	}
	if err := s.vectors.DeleteByFilter(ctx, chunkCollection,
		map[string]any{"document_id": documentID}); err != nil {
		slog.Warn("failed to delete vectors", "document", documentID, "error", err)
	}
	return nil
}

// ============================================================================
// HYBRID SEARCH
// ============================================================================

// Search runs dense and lexical retrieval in parallel and fuses them with
// reciprocal-rank fusion. A failed generator degrades the search to the
// surviving one; if both fail the result is empty, never an error.
func (s *Service) Search(ctx context.Context, ownerID string, isAdmin bool, query string) ([]SearchResult, error) {
	expansion := s.cfg.K * s.cfg.ExpansionFactor

	var (
		denseHits []vector.Result
		lexHits   []lexicalHit
		denseErr  error
		lexErr    error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseHits, denseErr = s.denseSearch(gctx, ownerID, isAdmin, query, expansion)
		return nil
	})
	g.Go(func() error {
		lexHits, lexErr = s.lexicalSearch(gctx, ownerID, isAdmin, query, expansion)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil {
		slog.Warn("dense retrieval failed, degrading to lexical", "error", denseErr)
	}
	if lexErr != nil {
		slog.Warn("lexical retrieval failed, degrading to dense", "error", lexErr)
	}
	if denseErr != nil && lexErr != nil {
		return nil, nil
	}

	return s.fuse(denseHits, lexHits), nil
}

func (s *Service) denseSearch(ctx context.Context, ownerID string, isAdmin bool, query string, limit int) ([]vector.Result, error) {
	queryVec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// The provider evaluates each half of the isolation predicate as its
	// own filtered query; the union is deduplicated here.
	hits, err := s.vectors.SearchWithFilter(ctx, chunkCollection, queryVec, limit,
		map[string]any{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	if isAdmin {
		shared, err := s.vectors.SearchWithFilter(ctx, chunkCollection, queryVec, limit,
			map[string]any{"access_level": AccessSharedAdmins})
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(hits))
		for _, hit := range hits {
			seen[hit.ID] = true
		}
		for _, hit := range shared {
			if !seen[hit.ID] {
				hits = append(hits, hit)
			}
		}
	}

	// Vectors are upserted while the parent document is still ingesting,
	// so a raw hit can precede the status flip. Only ready documents are
	// queryable.
	hits, err = s.filterReady(ctx, hits)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// filterReady drops hits whose parent document has not reached ready.
func (s *Service) filterReady(ctx context.Context, hits []vector.Result) ([]vector.Result, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	seen := make(map[string]bool, len(hits))
	args := []any{StatusReady}
	for _, hit := range hits {
		id := stringMeta(hit.Metadata, "document_id")
		if id != "" && !seen[id] {
			seen[id] = true
			args = append(args, id)
		}
	}

	if len(args) == 1 {
		return hits[:0], nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)-1), ", ")
	rows, err := s.gateway.DB().QueryContext(ctx, s.gateway.Rebind(
		`SELECT id FROM documents WHERE status = ? AND id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.filterReady", err)
	}
	defer rows.Close()

	ready := make(map[string]bool, len(seen))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.DependencyFailure, "knowledge.filterReady", err)
		}
		ready[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "knowledge.filterReady", err)
	}

	kept := hits[:0]
	for _, hit := range hits {
		if ready[stringMeta(hit.Metadata, "document_id")] {
			kept = append(kept, hit)
		}
	}
	return kept, nil
}

func (s *Service) lexicalSearch(ctx context.Context, ownerID string, isAdmin bool, query string, limit int) ([]lexicalHit, error) {
	rows, err := s.gateway.OwnerQuery(ctx, ownerID, `
SELECT c.id, c.document_id, c.owner_id, c.access_level, c.ordinal, c.content, c.terms, d.name
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE (c.owner_id = ? OR (c.access_level = '`+AccessSharedAdmins+`' AND ?))
  AND d.status = '`+StatusReady+`'
`, isAdmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []lexicalCandidate
	for rows.Next() {
		var chunk Chunk
		var terms, docName string
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.OwnerID,
			&chunk.AccessLevel, &chunk.Ordinal, &chunk.Content, &terms, &docName); err != nil {
			return nil, err
		}
		candidates = append(candidates, lexicalCandidate{
			chunk:   chunk,
			docName: docName,
			terms:   strings.Fields(terms),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rankBM25(Tokenize(query), candidates, limit), nil
}

// fuse merges the two ranked lists: score = sum of 1/(c+rank) across the
// lists a chunk appears in, ties broken by dense score.
func (s *Service) fuse(denseHits []vector.Result, lexHits []lexicalHit) []SearchResult {
	c := float64(s.cfg.RRFConstant)

	type fused struct {
		result     SearchResult
		rrf        float64
		denseScore float64
	}
	byID := map[string]*fused{}

	for rank, hit := range denseHits {
		byID[hit.ID] = &fused{
			result: SearchResult{
				Chunk:        chunkFromVector(hit),
				DocumentName: stringMeta(hit.Metadata, "document_name"),
			},
			rrf:        1 / (c + float64(rank+1)),
			denseScore: float64(hit.Score),
		}
	}

	for rank, hit := range lexHits {
		if entry, ok := byID[hit.chunk.ID]; ok {
			entry.rrf += 1 / (c + float64(rank+1))
			if entry.result.DocumentName == "" {
				entry.result.DocumentName = hit.docName
			}
			continue
		}
		byID[hit.chunk.ID] = &fused{
			result: SearchResult{Chunk: hit.chunk, DocumentName: hit.docName},
			rrf:    1 / (c + float64(rank+1)),
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, entry := range byID {
		all = append(all, entry)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rrf != all[j].rrf {
			return all[i].rrf > all[j].rrf
		}
		return all[i].denseScore > all[j].denseScore
	})

	if len(all) > s.cfg.K {
		all = all[:s.cfg.K]
	}
	out := make([]SearchResult, len(all))
	for i, entry := range all {
		entry.result.Score = entry.rrf
		out[i] = entry.result
	}
	return out
}

func chunkFromVector(hit vector.Result) Chunk {
	content := hit.Content
	if content == "" {
		content = stringMeta(hit.Metadata, "content")
	}
	return Chunk{
		ID:          hit.ID,
		DocumentID:  stringMeta(hit.Metadata, "document_id"),
		OwnerID:     stringMeta(hit.Metadata, "owner_id"),
		AccessLevel: stringMeta(hit.Metadata, "access_level"),
		Ordinal:     intMeta(hit.Metadata, "ordinal"),
		Content:     content,
	}
}

func stringMeta(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

func intMeta(metadata map[string]any, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n := 0
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		return n
	}
	return 0
}
