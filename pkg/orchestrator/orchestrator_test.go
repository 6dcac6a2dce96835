package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/specialist"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/toolbridge"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeMemories struct {
	mu      sync.Mutex
	derived []*session.Turn
	block   string
}

func (f *fakeMemories) ContextBlock(context.Context, string) (string, error) {
	return f.block, nil
}

func (f *fakeMemories) Derive(_ context.Context, _ string, turn *session.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.derived = append(f.derived, turn)
}

func (f *fakeMemories) SummarizeIfNeeded(context.Context, string, string) error { return nil }

func (f *fakeMemories) derivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.derived)
}

type fakeRetriever struct {
	results []knowledge.SearchResult
}

func (f *fakeRetriever) Search(context.Context, string, bool, string) ([]knowledge.SearchResult, error) {
	return f.results, nil
}

type fakeRouterImpl struct{ route []specialist.Descriptor }

func (f *fakeRouterImpl) Route(context.Context, string, []string) []specialist.Descriptor {
	return f.route
}

type runnerOutcome struct {
	tokens []string
	text   string
	err    error
}

type fakeRunner struct {
	outcomes []runnerOutcome
	calls    []string
	cancel   context.CancelFunc
}

func (f *fakeRunner) Run(_ context.Context, desc specialist.Descriptor, _ llm.Request, _ string, out chan<- stream.Event) (string, error) {
	f.calls = append(f.calls, desc.Name)
	if f.cancel != nil {
		f.cancel()
	}
	if len(f.outcomes) == 0 {
		return "", fault.New(fault.Internal, "fakeRunner", "no outcome scripted")
	}
	outcome := f.outcomes[0]
	f.outcomes = f.outcomes[1:]

	for _, tok := range outcome.tokens {
		out <- stream.Event{Type: stream.EventToken, Source: desc.Name, Content: tok}
	}
	if outcome.err != nil {
		return "", outcome.err
	}
	out <- stream.Event{Type: stream.EventTerminal, Source: desc.Name, Content: outcome.text}
	return outcome.text, nil
}

type fakeToolsImpl struct{ tools []toolbridge.Tool }

func (f *fakeToolsImpl) Discover(context.Context, string) ([]toolbridge.Tool, error) {
	return f.tools, nil
}

// streamModel implements llm.Provider with fixed outputs.
type streamModel struct {
	streamText   []string
	generateText string
}

func (m *streamModel) ModelName() string { return "fake" }

func (m *streamModel) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: m.generateText}, nil
}

func (m *streamModel) Stream(context.Context, llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(m.streamText)+1)
	for _, text := range m.streamText {
		ch <- llm.StreamChunk{Type: "text", Text: text}
	}
	ch <- llm.StreamChunk{Type: "done"}
	close(ch)
	return ch, nil
}

func (m *streamModel) Close() error { return nil }

type fakeModelSource struct{ provider llm.Provider }

func (f *fakeModelSource) Get(llm.Role) llm.Provider { return f.provider }

// ============================================================================
// HARNESS
// ============================================================================

type harness struct {
	orch      *Orchestrator
	sessions  *session.Store
	memories  *fakeMemories
	runner    *fakeRunner
	router    *fakeRouterImpl
	retriever *fakeRetriever
	model     *streamModel
	cfg       *config.OrchestratorConfig
	caller    *auth.Caller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbCfg := &config.DatabaseConfig{URL: "sqlite://:memory:"}
	dbCfg.SetDefaults()
	dbCfg.URL = "sqlite://:memory:"
	g, err := store.Open(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Migrate(context.Background()))

	cfg := &config.OrchestratorConfig{}
	cfg.SetDefaults()

	return &harness{
		sessions:  session.NewStore(g),
		memories:  &fakeMemories{},
		runner:    &fakeRunner{},
		router:    &fakeRouterImpl{},
		retriever: &fakeRetriever{},
		model:     &streamModel{streamText: []string{"direct ", "answer"}},
		cfg:       cfg,
		caller:    &auth.Caller{ID: "alice"},
	}
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	orch, err := New(h.sessions, h.memories, h.retriever, h.router, h.runner,
		&fakeToolsImpl{}, &fakeModelSource{provider: h.model}, h.cfg)
	require.NoError(t, err)
	h.orch = orch
}

func (h *harness) turn(t *testing.T, ctx context.Context, message string) []stream.Envelope {
	t.Helper()
	if h.orch == nil {
		h.build(t)
	}
	ch, err := h.orch.HandleTurn(ctx, &Request{Caller: h.caller, Message: message})
	require.NoError(t, err)
	return collect(t, ch)
}

func collect(t *testing.T, ch <-chan stream.Envelope) []stream.Envelope {
	t.Helper()
	var got []stream.Envelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, env)
		case <-deadline:
			t.Fatal("stream never closed")
			return got
		}
	}
}

func terminalOf(envs []stream.Envelope) (stream.Envelope, int) {
	var term stream.Envelope
	count := 0
	for _, env := range envs {
		if env.Type == stream.EnvelopeTerminal {
			term = env
			count++
		}
	}
	return term, count
}

// ============================================================================
// TESTS
// ============================================================================

func TestDirectReplyWhenRouteEmpty(t *testing.T) {
	h := newHarness(t)
	envs := h.turn(t, context.Background(), "hi")

	require.NotEmpty(t, envs)
	assert.Equal(t, stream.EnvelopeMeta, envs[0].Type)
	assert.NotEmpty(t, envs[0].SessionID, "first envelope carries the session id")

	term, count := terminalOf(envs)
	assert.Equal(t, 1, count)
	assert.Equal(t, "direct answer", term.Content)

	// The turn is persisted under the minted session.
	sess, err := h.sessions.Load(context.Background(), "alice", envs[0].SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "hi", sess.Turns[0].Inbound)
	assert.Equal(t, "direct answer", sess.Turns[0].Outbound)
}

func TestSpecialistPathPersistsRoute(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{{Name: "document", Kind: specialist.KindWorker}}
	h.runner.outcomes = []runnerOutcome{{tokens: []string{"summary"}, text: "summary"}}

	envs := h.turn(t, context.Background(), "summarize this")

	term, count := terminalOf(envs)
	assert.Equal(t, 1, count)
	assert.Equal(t, "summary", term.Content)
	assert.Equal(t, []string{"document"}, h.runner.calls)

	sess, err := h.sessions.Load(context.Background(), "alice", envs[0].SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, []string{"document"}, sess.Turns[0].Specialists)
}

func TestFallbackContinuesStream(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{
		{Name: "web_research", Kind: specialist.KindTeam},
		{Name: "document", Kind: specialist.KindWorker},
	}
	h.runner.outcomes = []runnerOutcome{
		{tokens: []string{"partial "}, err: fault.New(fault.DependencyFailure, "test", "model down")},
		{tokens: []string{"recovered"}, text: "recovered"},
	}
	h.cfg.SecondStageRewrite = "off"

	envs := h.turn(t, context.Background(), "question")

	assert.Equal(t, []string{"web_research", "document"}, h.runner.calls)

	var sawContinuation bool
	for _, env := range envs {
		if env.Type == stream.EnvelopeMeta && env.Content != "" {
			sawContinuation = true
		}
	}
	assert.True(t, sawContinuation, "caller sees a continuation indicator")

	term, count := terminalOf(envs)
	assert.Equal(t, 1, count)
	assert.Equal(t, "recovered", term.Content)
}

func TestFallbackDepthCapped(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"},
	}
	fail := runnerOutcome{err: fault.New(fault.DependencyFailure, "test", "down")}
	h.runner.outcomes = []runnerOutcome{fail, fail, fail, fail}

	envs := h.turn(t, context.Background(), "question")

	// Primary plus two fallbacks, never the fourth.
	assert.Equal(t, []string{"a", "b", "c"}, h.runner.calls)

	last := envs[len(envs)-1]
	assert.Equal(t, stream.EnvelopeError, last.Type)
	assert.Contains(t, last.Content, "temporarily unavailable")

	// Failed turns are not persisted.
	sess, err := h.sessions.Load(context.Background(), "alice", envs[0].SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
}

func TestToolFailureDegradesToDirectReply(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{{Name: "web_research", Kind: specialist.KindTeam}}
	h.runner.outcomes = []runnerOutcome{
		{err: fault.New(fault.ToolUnavailable, "test", "calendar revoked")},
	}

	envs := h.turn(t, context.Background(), "whats on my calendar")

	term, count := terminalOf(envs)
	assert.Equal(t, 1, count)
	assert.Equal(t, "direct answer", term.Content, "plain reply instead of a tool error")

	for _, env := range envs {
		assert.NotEqual(t, stream.EnvelopeError, env.Type,
			"tool faults never surface as errors")
	}
}

func TestSecondStageRewriteForTeams(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{{Name: "web_research", Kind: specialist.KindTeam}}
	h.runner.outcomes = []runnerOutcome{{tokens: []string{"draft"}, text: "draft answer"}}
	h.model.generateText = "rewritten answer"
	h.cfg.SecondStageRewrite = "teams"

	envs := h.turn(t, context.Background(), "research this")
	term, _ := terminalOf(envs)
	assert.Equal(t, "rewritten answer", term.Content)
}

func TestNoRewriteForWorkersInTeamsMode(t *testing.T) {
	h := newHarness(t)
	h.router.route = []specialist.Descriptor{{Name: "document", Kind: specialist.KindWorker}}
	h.runner.outcomes = []runnerOutcome{{text: "worker answer"}}
	h.model.generateText = "rewritten answer"
	h.cfg.SecondStageRewrite = "teams"

	envs := h.turn(t, context.Background(), "summarize")
	term, _ := terminalOf(envs)
	assert.Equal(t, "worker answer", term.Content)
}

func TestTerminalCarriesRetrievalCitations(t *testing.T) {
	h := newHarness(t)
	h.retriever.results = []knowledge.SearchResult{
		{Chunk: knowledge.Chunk{DocumentID: "d1", Ordinal: 2, Content: "fact"}, DocumentName: "notes.txt"},
	}

	envs := h.turn(t, context.Background(), "what is the fact?")
	term, _ := terminalOf(envs)
	require.Len(t, term.Citations, 1)
	assert.Equal(t, "notes.txt", term.Citations[0].DocumentName)
	assert.Equal(t, 2, term.Citations[0].Ordinal)
}

func TestMemoryDerivationEnqueuedAfterTurn(t *testing.T) {
	h := newHarness(t)
	h.turn(t, context.Background(), "remember that I like rye bread")

	require.Eventually(t, func() bool {
		return h.memories.derivedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCancelledTurnNotPersisted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	h.router.route = []specialist.Descriptor{{Name: "document"}}
	h.runner.cancel = cancel
	h.runner.outcomes = []runnerOutcome{
		{err: fault.New(fault.Cancelled, "test", "caller gone")},
	}

	envs := h.turn(t, ctx, "question")

	sess, err := h.sessions.Load(context.Background(), "alice", envs[0].SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Turns, "cancelled turns are not persisted")
	assert.Zero(t, h.memories.derivedCount())
}

func TestHandleTurnValidation(t *testing.T) {
	h := newHarness(t)
	h.build(t)

	_, err := h.orch.HandleTurn(context.Background(), &Request{Caller: h.caller})
	assert.Equal(t, fault.Malformed, fault.KindOf(err))

	_, err = h.orch.HandleTurn(context.Background(), &Request{Message: "hi"})
	assert.Equal(t, fault.AuthMissing, fault.KindOf(err))
}

func TestContinuationReusesSession(t *testing.T) {
	h := newHarness(t)
	h.build(t)

	first := h.turn(t, context.Background(), "hi")
	sessionID := first[0].SessionID

	ch, err := h.orch.HandleTurn(context.Background(), &Request{
		Caller: h.caller, SessionID: sessionID, Message: "again",
	})
	require.NoError(t, err)
	second := collect(t, ch)
	assert.Equal(t, sessionID, second[0].SessionID)

	sess, err := h.sessions.Load(context.Background(), "alice", sessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}
