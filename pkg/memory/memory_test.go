package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
)

type fakeModel struct {
	response string
	calls    int
	prompts  []string
}

func (m *fakeModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.calls++
	if len(req.Messages) > 0 {
		m.prompts = append(m.prompts, req.Messages[0].Content)
	}
	return &llm.Response{Text: m.response}, nil
}

func newTestService(t *testing.T, model Model) (*Service, *session.Store) {
	t.Helper()
	cfg := &config.DatabaseConfig{URL: "sqlite://:memory:"}
	cfg.SetDefaults()
	cfg.URL = "sqlite://:memory:"

	g, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Migrate(context.Background()))

	prompts, err := LoadPrompts("")
	require.NoError(t, err)
	t.Cleanup(func() { prompts.Close() })

	sessions := session.NewStore(g)
	svc, err := NewService(g, sessions, model, prompts, 200)
	require.NoError(t, err)
	return svc, sessions
}

func appendTurn(t *testing.T, sessions *session.Store, owner, sessionID, inbound, outbound string) *session.Turn {
	t.Helper()
	turn := &session.Turn{SessionID: sessionID, Inbound: inbound, Outbound: outbound}
	require.NoError(t, sessions.AppendTurn(context.Background(), owner, turn))
	return turn
}

func TestParseDerivation(t *testing.T) {
	out := parseDerivation(strings.Join([]string{
		"identity: works as a marine biologist",
		"- preferences: prefers short answers",
		"weather: sunny today",
		"goals:",
		"none",
		"",
	}, "\n"))

	assert.Equal(t, map[string]string{
		"identity":    "works as a marine biologist",
		"preferences": "prefers short answers",
	}, out)
}

func TestParseDerivationNone(t *testing.T) {
	assert.Empty(t, parseDerivation("none"))
	assert.Empty(t, parseDerivation("None\n"))
}

func TestDeriveStoresMemories(t *testing.T) {
	model := &fakeModel{response: "identity: a jazz pianist\ngoals: learn Go"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)
	turn := appendTurn(t, sessions, "alice", id, "I play jazz piano", "Nice!")

	svc.Derive(ctx, "alice", turn)

	memories, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, memories, 2)
	topics := map[string]string{}
	for _, m := range memories {
		topics[m.Topic] = m.Content
		assert.Equal(t, turn.ID, m.SourceTurnID)
	}
	assert.Equal(t, "a jazz pianist", topics[TopicIdentity])
	assert.Equal(t, "learn Go", topics[TopicGoals])
}

func TestDeriveIsIdempotent(t *testing.T) {
	model := &fakeModel{response: "identity: a jazz pianist"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)
	turn := appendTurn(t, sessions, "alice", id, "hi", "hello")

	svc.Derive(ctx, "alice", turn)
	svc.Derive(ctx, "alice", turn)

	assert.Equal(t, 1, model.calls)
	memories, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestListIsOwnerScoped(t *testing.T) {
	model := &fakeModel{response: "identity: secret fact"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)
	turn := appendTurn(t, sessions, "alice", id, "hi", "hello")
	svc.Derive(ctx, "alice", turn)

	memories, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestDeleteForeignMemoryIsNotFound(t *testing.T) {
	model := &fakeModel{response: "identity: fact"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)
	turn := appendTurn(t, sessions, "alice", id, "hi", "hello")
	svc.Derive(ctx, "alice", turn)

	memories, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, memories, 1)

	err = svc.Delete(ctx, "bob", memories[0].ID)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	require.NoError(t, svc.Delete(ctx, "alice", memories[0].ID))
	remaining, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSummarizeIfNeededBelowThresholdDoesNothing(t *testing.T) {
	model := &fakeModel{response: "a summary"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)
	appendTurn(t, sessions, "alice", id, "hi", "hello")

	require.NoError(t, svc.SummarizeIfNeeded(ctx, "alice", id))
	assert.Equal(t, 0, model.calls)
}

func TestSummarizeIfNeededCondensesOldTurns(t *testing.T) {
	model := &fakeModel{response: "they discussed many long things"}
	svc, sessions := newTestService(t, model)
	ctx := context.Background()

	id, err := sessions.ResolveOrMint(ctx, "alice", "")
	require.NoError(t, err)

	long := strings.Repeat("a detailed discussion of distributed systems ", 10)
	for i := 0; i < 6; i++ {
		appendTurn(t, sessions, "alice", id, fmt.Sprintf("q%d %s", i, long), long)
	}

	require.NoError(t, svc.SummarizeIfNeeded(ctx, "alice", id))
	require.Equal(t, 1, model.calls)

	sess, err := sessions.Load(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, "they discussed many long things", sess.Summary)
	assert.Greater(t, sess.SummaryCovers, 0)
	// Raw turns are never rewritten.
	assert.Len(t, sess.Turns, 6)

	// Second pass only considers turns past the covered sequence.
	model.calls = 0
	require.NoError(t, svc.SummarizeIfNeeded(ctx, "alice", id))
	sess2, err := sessions.Load(ctx, "alice", id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sess2.SummaryCovers, sess.SummaryCovers)
}

func TestPromptsDirOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	custom := "CUSTOM {{.Inbound}} / {{.Outbound}}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "derive.tmpl"), []byte(custom), 0o644))

	prompts, err := LoadPrompts(dir)
	require.NoError(t, err)
	defer prompts.Close()

	out, err := prompts.renderDerive(map[string]string{"Inbound": "a", "Outbound": "b"})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM a / b", out)

	// summarize.tmpl is absent from the dir, so the embedded default serves.
	sum, err := prompts.renderSummarize(map[string]any{"Existing": "", "Turns": []session.Turn{}})
	require.NoError(t, err)
	assert.Contains(t, sum, "Condense")
}

func TestPromptsHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "derive.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("v1 {{.Inbound}}"), 0o644))

	prompts, err := LoadPrompts(dir)
	require.NoError(t, err)
	defer prompts.Close()

	require.NoError(t, os.WriteFile(path, []byte("v2 {{.Inbound}}"), 0o644))

	require.Eventually(t, func() bool {
		out, err := prompts.renderDerive(map[string]string{"Inbound": "x"})
		return err == nil && out == "v2 x"
	}, 2*time.Second, 20*time.Millisecond)
}
