// Package orchestrator drives one conversational turn through its state
// machine: admit the caller, assemble context, route to a specialist,
// relay the stream, persist the turn, and derive memories afterwards.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/specialist"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/toolbridge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/utils"
)

// State is the turn's position in the machine. Terminal error states are
// Rejected, Conflict, Failed and Cancelled.
type State string

const (
	StateAdmitted         State = "admitted"
	StateContextAssembled State = "context_assembled"
	StateRouted           State = "routed"
	StateStreaming        State = "streaming"
	StateFinalized        State = "finalized"
	StateMemoryDerived    State = "memory_derived"
	StateDone             State = "done"
	StateRejected         State = "rejected"
	StateConflict         State = "conflict"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// sourceSelf names the orchestrator's own events on the stream.
const sourceSelf = "cirkelline"

// eventBuffer bounds the channel between specialist and filter.
const eventBuffer = 256

// Sessions is the session store surface a turn needs.
type Sessions interface {
	ResolveOrMint(ctx context.Context, ownerID, incomingID string) (string, error)
	Load(ctx context.Context, ownerID, sessionID string) (*session.Session, error)
	AppendTurn(ctx context.Context, ownerID string, turn *session.Turn) error
}

// Memories is the memory store surface a turn needs.
type Memories interface {
	ContextBlock(ctx context.Context, ownerID string) (string, error)
	Derive(ctx context.Context, ownerID string, turn *session.Turn)
	SummarizeIfNeeded(ctx context.Context, ownerID, sessionID string) error
}

// Retriever produces grounding chunks for the prompt.
type Retriever interface {
	Search(ctx context.Context, ownerID string, isAdmin bool, query string) ([]knowledge.SearchResult, error)
}

// Router ranks specialists for a message.
type Router interface {
	Route(ctx context.Context, message string, availableTools []string) []specialist.Descriptor
}

// Runner executes a routed specialist.
type Runner interface {
	Run(ctx context.Context, desc specialist.Descriptor, req llm.Request, ownerID string, out chan<- stream.Event) (string, error)
}

// Tools lists what the caller can use, for routing preconditions.
type Tools interface {
	Discover(ctx context.Context, ownerID string) ([]toolbridge.Tool, error)
}

// ModelSource resolves model roles for direct replies and rewrites.
type ModelSource interface {
	Get(role llm.Role) llm.Provider
}

// Orchestrator coordinates turns. It holds only process-wide read-only
// handles; per-request state lives on the stack of each HandleTurn call.
type Orchestrator struct {
	sessions  Sessions
	memories  Memories
	retriever Retriever
	registry  Router
	runner    Runner
	tools     Tools
	models    ModelSource
	counter   *utils.TokenCounter
	cfg       *config.OrchestratorConfig
}

func New(sessions Sessions, memories Memories, retriever Retriever, registry Router,
	runner Runner, tools Tools, models ModelSource, cfg *config.OrchestratorConfig) (*Orchestrator, error) {
	counter, err := utils.NewTokenCounter("gpt-4o")
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		sessions:  sessions,
		memories:  memories,
		retriever: retriever,
		registry:  registry,
		runner:    runner,
		tools:     tools,
		models:    models,
		counter:   counter,
		cfg:       cfg,
	}, nil
}

// Request is one inbound chat turn.
type Request struct {
	Caller        *auth.Caller
	SessionID     string
	Message       string
	ExpensiveMode bool
}

// HandleTurn admits the request and returns the envelope stream. The
// returned channel is closed by the filter when the turn ends; an error
// here means nothing was streamed and no session was touched beyond the
// session mint itself.
func (o *Orchestrator) HandleTurn(ctx context.Context, req *Request) (<-chan stream.Envelope, error) {
	if req.Caller == nil {
		return nil, fault.New(fault.AuthMissing, "orchestrator.HandleTurn", "no caller")
	}
	if req.Message == "" {
		return nil, fault.New(fault.Malformed, "orchestrator.HandleTurn", "empty message")
	}

	sessionID, err := o.sessions.ResolveOrMint(ctx, req.Caller.ID, req.SessionID)
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Envelope, 64)
	events := make(chan stream.Event, eventBuffer)
	filter := stream.NewFilter(sessionID, out)

	turn := &turnState{
		req:       req,
		sessionID: sessionID,
		state:     StateAdmitted,
		filter:    filter,
		events:    events,
	}

	go filter.Run(events)
	go o.run(ctx, turn)

	return out, nil
}

// turnState is the per-request mutable state threaded through the machine.
type turnState struct {
	req       *Request
	sessionID string
	state     State

	filter *stream.Filter
	events chan stream.Event

	assembled llm.Request
	citations []stream.Citation
	route     []specialist.Descriptor
	usedTeam  bool
	finalText string
}

func (t *turnState) to(s State) {
	t.state = s
	slog.Debug("turn transition", "session", t.sessionID, "state", s)
}

// run walks the state machine. It owns the events channel and always
// closes it, which in turn closes the caller's envelope stream.
func (o *Orchestrator) run(ctx context.Context, t *turnState) {
	defer close(t.events)

	if err := o.assembleContext(ctx, t); err != nil {
		o.fail(ctx, t, err)
		return
	}
	t.to(StateContextAssembled)

	o.route(ctx, t)
	t.to(StateRouted)

	if err := o.streamResponse(ctx, t); err != nil {
		o.fail(ctx, t, err)
		return
	}
	t.to(StateFinalized)

	if ctx.Err() != nil {
		t.to(StateCancelled)
		return
	}

	turn := &session.Turn{
		SessionID: t.sessionID,
		Inbound:   t.req.Message,
		Outbound:  t.finalText,
		Specialists: func() []string {
			var names []string
			for _, d := range t.route {
				names = append(names, d.Name)
			}
			return names
		}(),
	}
	if err := o.sessions.AppendTurn(ctx, t.req.Caller.ID, turn); err != nil {
		o.fail(ctx, t, err)
		return
	}

	t.events <- stream.Event{
		Type:      stream.EventTerminal,
		Source:    sourceSelf,
		Content:   t.finalText,
		Citations: t.citations,
	}

	o.deriveMemories(t, turn)
	t.to(StateDone)
}

// fail maps the error onto the right terminal state and surfaces it. A
// cancelled context never reports an error to a caller who already left.
func (o *Orchestrator) fail(ctx context.Context, t *turnState, err error) {
	if ctx.Err() != nil || fault.KindOf(err) == fault.Cancelled {
		t.to(StateCancelled)
		return
	}

	kind := fault.KindOf(err)
	switch kind {
	case fault.AuthMissing, fault.AuthInvalid, fault.AuthExpired:
		t.to(StateRejected)
	case fault.Ownership:
		t.to(StateConflict)
	default:
		t.to(StateFailed)
	}

	// Downstream failures surface as Internal: the caller cannot act on
	// backend detail.
	surfaced := err
	if kind == fault.DependencyFailure || kind == fault.Internal {
		surfaced = fault.New(fault.Internal, "orchestrator", "the assistant is temporarily unavailable")
	}
	slog.Error("turn failed", "session", t.sessionID, "state", t.state, "error", err)
	t.events <- stream.Event{Type: stream.EventError, Source: sourceSelf, Err: surfaced}
}

// route asks the registry for specialists the caller can actually use.
func (o *Orchestrator) route(ctx context.Context, t *turnState) {
	var toolNames []string
	if tools, err := o.tools.Discover(ctx, t.req.Caller.ID); err == nil {
		for _, tool := range tools {
			toolNames = append(toolNames, tool.Name)
		}
	} else {
		slog.Warn("tool discovery failed, routing without tools", "error", err)
	}

	t.route = o.registry.Route(ctx, t.req.Message, toolNames)

	for _, d := range t.route {
		t.filter.SetPolicy(d.Name, stream.Policy{
			ForwardTokens:    true,
			ForwardToolCalls: true,
			ForwardSubSpec:   true,
			ForwardTerminal:  false,
		})
		for _, child := range d.Children {
			t.filter.SetPolicy(d.Name+"/"+child.Name, stream.TeamChildPolicy())
		}
	}
}

// streamResponse runs the primary specialist and walks the fallback chain
// on failure. A fallback starts a fresh model stream; the caller sees a
// continuation indicator, never interleaved output.
func (o *Orchestrator) streamResponse(ctx context.Context, t *turnState) error {
	t.to(StateStreaming)

	if len(t.route) == 0 {
		text, err := o.directReply(ctx, t)
		if err != nil {
			return err
		}
		t.finalText = text
		return o.rewriteIfConfigured(ctx, t)
	}

	attempts := t.route
	if max := o.cfg.FallbackDepth + 1; len(attempts) > max {
		attempts = attempts[:max]
	}

	var lastErr error
	for i, d := range attempts {
		if ctx.Err() != nil {
			return fault.New(fault.Cancelled, "orchestrator.streamResponse", "caller gone")
		}
		if i > 0 {
			t.events <- stream.Event{Type: stream.EventMeta, Source: sourceSelf, Content: "continuing with " + d.Name}
		}

		text, err := o.runner.Run(ctx, d, t.assembled, t.req.Caller.ID, t.events)
		if err == nil {
			t.finalText = text
			t.usedTeam = d.Kind == specialist.KindTeam
			return o.rewriteIfConfigured(ctx, t)
		}

		lastErr = err
		slog.Warn("specialist failed", "specialist", d.Name, "error", err)

		// Tool faults degrade within the turn rather than surfacing.
		switch fault.KindOf(err) {
		case fault.ToolUnavailable, fault.ToolTimeout, fault.DependencyFailure, fault.Internal:
			continue
		default:
			return err
		}
	}

	// Every specialist failed; a plain reply is still better than an
	// error when the failure was tool-shaped.
	switch fault.KindOf(lastErr) {
	case fault.ToolUnavailable, fault.ToolTimeout:
		text, err := o.directReply(ctx, t)
		if err != nil {
			return err
		}
		t.finalText = text
		return nil
	}
	return lastErr
}

// directReply answers with the primary model and no delegation.
func (o *Orchestrator) directReply(ctx context.Context, t *turnState) (string, error) {
	provider := o.models.Get(llm.RolePrimary)

	chunks, err := provider.Stream(ctx, t.assembled)
	if err != nil {
		return "", err
	}

	var text string
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			text += chunk.Text
			t.events <- stream.Event{Type: stream.EventToken, Source: sourceSelf, Content: chunk.Text}
		case "error":
			return "", chunk.Err
		}
	}
	return text, nil
}

// rewriteIfConfigured runs the optional second-stage rewrite: one model
// call in the orchestrator's own voice, no new retrieval. The rewritten
// text becomes the terminal content.
func (o *Orchestrator) rewriteIfConfigured(ctx context.Context, t *turnState) error {
	switch o.cfg.SecondStageRewrite {
	case "all":
	case "teams":
		if !t.usedTeam {
			return nil
		}
	default:
		return nil
	}
	if t.finalText == "" {
		return nil
	}

	provider := o.models.Get(llm.RoleSummarizer)
	resp, err := provider.Generate(ctx, llm.Request{
		System: "You are Cirkelline. Rewrite the draft answer in your own warm, " +
			"direct voice. Keep every fact and citation; change nothing substantive.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: t.finalText}},
	})
	if err != nil {
		// The draft is already a good answer; a failed rewrite is not a
		// failed turn.
		slog.Warn("second-stage rewrite failed, keeping draft", "error", err)
		return nil
	}
	if resp.Text != "" {
		t.finalText = resp.Text
	}
	return nil
}

// deriveMemories runs after the stream closes; failures are logged and
// swallowed because the turn has already succeeded.
func (o *Orchestrator) deriveMemories(t *turnState, turn *session.Turn) {
	ownerID := t.req.Caller.ID
	sessionID := t.sessionID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		o.memories.Derive(ctx, ownerID, turn)
		if err := o.memories.SummarizeIfNeeded(ctx, ownerID, sessionID); err != nil {
			slog.Warn("session summarization failed", "session", sessionID, "error", err)
		}
	}()
	t.to(StateMemoryDerived)
}
