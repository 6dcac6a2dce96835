package knowledge

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/vector"
)

// fakeEmbedder hashes terms into a fixed-width bag so related texts land
// near each other in cosine space.
type fakeEmbedder struct {
	fail atomic.Bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail.Load() {
		return nil, errors.New("embedder down")
	}
	vec := make([]float32, 16)
	for _, term := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		vec[h.Sum32()%16]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return 16 }
func (f *fakeEmbedder) Model() string  { return "fake" }

func newTestService(t *testing.T) (*Service, *fakeEmbedder) {
	t.Helper()

	cfg := &config.DatabaseConfig{URL: "sqlite://:memory:"}
	cfg.SetDefaults()
	cfg.URL = "sqlite://:memory:"
	g, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Migrate(context.Background()))

	provider, err := vector.NewChromemProvider("")
	require.NoError(t, err)

	retrieval := &config.RetrievalConfig{}
	retrieval.SetDefaults()

	emb := &fakeEmbedder{}
	svc, err := NewService(g, provider, emb, retrieval, 2)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, emb
}

func uploadAndWait(t *testing.T, svc *Service, owner, name, access, content string) *Document {
	t.Helper()
	doc, err := svc.Upload(context.Background(), owner, name, access, []byte(content))
	require.NoError(t, err)
	require.Equal(t, StatusIngesting, doc.Status)

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), owner, true, doc.ID)
		return err == nil && got.Status == StatusReady
	}, 5*time.Second, 20*time.Millisecond, "document never became ready")
	return doc
}

func TestUploadIngestsAndSearches(t *testing.T) {
	svc, _ := newTestService(t)

	uploadAndWait(t, svc, "alice", "notes.txt", "",
		"The quarterly revenue projection depends on the Copenhagen office expansion.")

	results, err := svc.Search(context.Background(), "alice", false, "Copenhagen revenue projection")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "notes.txt", results[0].DocumentName)
	assert.Contains(t, results[0].Chunk.Content, "Copenhagen")
	assert.Greater(t, results[0].Score, 0.0)
}

func TestUploadValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "alice", "x.txt", "everyone", []byte("hi"))
	assert.Equal(t, fault.Malformed, fault.KindOf(err))

	_, err = svc.Upload(ctx, "alice", "x.txt", "", nil)
	assert.Equal(t, fault.Malformed, fault.KindOf(err))
}

func TestIngestionFailureMarksFailedAndPurges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Not a real PDF, so extraction fails after the metadata row exists.
	doc, err := svc.Upload(ctx, "alice", "broken.pdf", "", []byte("not a pdf"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, "alice", false, doc.ID)
		return err == nil && got.Status == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	results, err := svc.Search(ctx, "alice", false, "pdf")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIngestingDocumentNotQueryable(t *testing.T) {
	svc, emb := newTestService(t)
	ctx := context.Background()

	// Reproduce the ingestion window: the vector is upserted while the
	// document row still says ingesting.
	content := "The quarterly revenue projection depends on the Copenhagen office expansion."
	docID := "doc-mid-ingest"
	_, err := svc.gateway.DB().ExecContext(ctx, svc.gateway.Rebind(`
INSERT INTO documents (id, owner_id, name, access_level, status, ingested_at)
VALUES (?, ?, ?, ?, ?, ?)
`), docID, "alice", "notes.txt", AccessPrivate, StatusIngesting, time.Now())
	require.NoError(t, err)

	vec, err := emb.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, svc.vectors.Upsert(ctx, chunkCollection, "chunk-mid-ingest", vec, map[string]any{
		"document_id":   docID,
		"document_name": "notes.txt",
		"owner_id":      "alice",
		"access_level":  AccessPrivate,
		"ordinal":       0,
		"content":       content,
	}))

	results, err := svc.Search(ctx, "alice", false, "Copenhagen revenue projection")
	require.NoError(t, err)
	assert.Empty(t, results, "chunks of a non-ready document must stay invisible")

	_, err = svc.gateway.DB().ExecContext(ctx, svc.gateway.Rebind(
		`UPDATE documents SET status = ? WHERE id = ?`), StatusReady, docID)
	require.NoError(t, err)

	results, err = svc.Search(ctx, "alice", false, "Copenhagen revenue projection")
	require.NoError(t, err)
	assert.NotEmpty(t, results, "the same chunk becomes visible once the document is ready")
}

func TestSearchIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	uploadAndWait(t, svc, "alice", "private.txt", AccessPrivate,
		"The staging database password rotation happens every tuesday morning.")

	results, err := svc.Search(ctx, "bob", false, "database password rotation")
	require.NoError(t, err)
	assert.Empty(t, results, "foreign caller must not see private chunks")

	results, err = svc.Search(ctx, "alice", false, "database password rotation")
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSharedAdminVisibility(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	uploadAndWait(t, svc, "alice", "runbook.txt", AccessSharedAdmins,
		"Incident escalation procedure requires paging the on-call coordinator first.")

	// A plain user who is not the owner sees nothing.
	results, err := svc.Search(ctx, "bob", false, "incident escalation procedure")
	require.NoError(t, err)
	assert.Empty(t, results)

	// An admin sees the shared document even without owning it.
	results, err = svc.Search(ctx, "carol", true, "incident escalation procedure")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, AccessSharedAdmins, results[0].Chunk.AccessLevel)

	docs, err := svc.List(ctx, "carol", true)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "runbook.txt", docs[0].Name)
}

func TestDeleteRemovesEverything(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	doc := uploadAndWait(t, svc, "alice", "todo.txt", "",
		"Remember to renew the wildcard certificate before september.")

	require.NoError(t, svc.Delete(ctx, "alice", doc.ID))

	_, err := svc.Get(ctx, "alice", false, doc.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	results, err := svc.Search(ctx, "alice", false, "wildcard certificate renewal")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteForeignDocumentNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	doc := uploadAndWait(t, svc, "alice", "todo.txt", "",
		"Remember to renew the wildcard certificate before september.")

	err := svc.Delete(ctx, "bob", doc.ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestSearchDegradesToLexicalWhenEmbedderFails(t *testing.T) {
	svc, emb := newTestService(t)
	ctx := context.Background()

	uploadAndWait(t, svc, "alice", "notes.txt", "",
		"The kubernetes ingress controller terminates tls at the edge.")

	emb.fail.Store(true)

	results, err := svc.Search(ctx, "alice", false, "kubernetes ingress controller")
	require.NoError(t, err)
	require.NotEmpty(t, results, "lexical generator should survive a dense failure")
	assert.Contains(t, results[0].Chunk.Content, "kubernetes")
}

func TestFuseRewardsAgreement(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := svc.cfg

	dense := []vector.Result{
		{ID: "a", Score: 0.9, Content: "alpha", Metadata: map[string]any{"document_name": "d"}},
		{ID: "b", Score: 0.8, Content: "beta", Metadata: map[string]any{"document_name": "d"}},
	}
	lex := []lexicalHit{
		{chunk: Chunk{ID: "b", Content: "beta"}, docName: "d", score: 3},
		{chunk: Chunk{ID: "c", Content: "gamma"}, docName: "d", score: 1},
	}

	fused := svc.fuse(dense, lex)
	require.NotEmpty(t, fused)

	// b appears in both lists, so it outranks the single-list hits.
	assert.Equal(t, "b", fused[0].Chunk.ID)
	assert.LessOrEqual(t, len(fused), cfg.K)
}
