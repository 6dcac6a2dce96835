package specialist

import (
	"context"
	"fmt"
	"strings"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/toolbridge"
)

// maxToolRounds caps tool-call loops within one specialist invocation.
const maxToolRounds = 4

// ModelSource resolves a model role to a provider. *llm.Registry is the
// production implementation.
type ModelSource interface {
	Get(role llm.Role) llm.Provider
}

// Tools is the slice of the tool bridge a running specialist needs.
type Tools interface {
	Discover(ctx context.Context, ownerID string) ([]toolbridge.Tool, error)
	Invoke(ctx context.Context, ownerID, name string, args map[string]any) (*toolbridge.Result, error)
}

// Runner executes a routed specialist and publishes its events.
type Runner struct {
	models ModelSource
	tools  Tools
}

func NewRunner(models ModelSource, tools Tools) *Runner {
	return &Runner{models: models, tools: tools}
}

// Run executes one specialist against the assembled request and publishes
// events on out. It returns the specialist's final text; out stays open
// for the caller to close or reuse.
func (r *Runner) Run(ctx context.Context, desc Descriptor, req llm.Request, ownerID string, out chan<- stream.Event) (string, error) {
	if desc.Kind == KindTeam {
		return r.runTeam(ctx, desc, req, ownerID, out)
	}
	return r.runWorker(ctx, desc, desc.Name, req, ownerID, out)
}

// runWorker streams a single model invocation, resolving tool calls
// between rounds. source names the event source, which differs from
// desc.Name for team children.
func (r *Runner) runWorker(ctx context.Context, desc Descriptor, source string, req llm.Request, ownerID string, out chan<- stream.Event) (string, error) {
	provider := r.models.Get(roleFor(desc.ModelHint))

	req.System = joinSystem(desc.Instruction, req.System)
	if len(desc.ToolRequirements) > 0 {
		defs, err := r.toolDefinitions(ctx, ownerID, desc.ToolRequirements)
		if err != nil {
			return "", err
		}
		req.Tools = defs
	}

	var final strings.Builder
	for round := 0; ; round++ {
		chunks, err := provider.Stream(ctx, req)
		if err != nil {
			return "", err
		}

		var calls []llm.ToolCall
		for chunk := range chunks {
			switch chunk.Type {
			case "text":
				final.WriteString(chunk.Text)
				out <- stream.Event{Type: stream.EventToken, Source: source, Content: chunk.Text}
			case "tool_call":
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case "error":
				return "", chunk.Err
			}
		}

		if len(calls) == 0 {
			break
		}
		if round >= maxToolRounds {
			return "", fault.New(fault.Internal, "specialist.runWorker",
				fmt.Sprintf("%s exceeded %d tool rounds", desc.Name, maxToolRounds))
		}

		for _, call := range calls {
			out <- stream.Event{Type: stream.EventToolCallStart, Source: source, Content: call.Name}
			result, err := r.tools.Invoke(ctx, ownerID, call.Name, call.Args)
			out <- stream.Event{Type: stream.EventToolCallEnd, Source: source, Content: call.Name}
			if err != nil {
				// ToolUnavailable and ToolTimeout surface to the
				// orchestrator, which falls back or degrades.
				return "", err
			}
			req.Messages = append(req.Messages,
				llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("[called %s]", call.Name)},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("Result of %s:\n%s", call.Name, result.Text)},
			)
		}
	}

	out <- stream.Event{Type: stream.EventTerminal, Source: source, Content: final.String()}
	return final.String(), nil
}

// runTeam drives the team's children in order, feeding each the previous
// findings, then streams the coordinator's merged answer as the team's
// own output.
func (r *Runner) runTeam(ctx context.Context, desc Descriptor, req llm.Request, ownerID string, out chan<- stream.Event) (string, error) {
	var findings []string

	for _, child := range desc.Children {
		source := desc.Name + "/" + child.Name
		out <- stream.Event{Type: stream.EventSubSpecDispatch, Source: source, Content: child.Name}

		childReq := req
		if len(findings) > 0 {
			childReq.Messages = append(append([]llm.Message{}, req.Messages...), llm.Message{
				Role:    llm.RoleUser,
				Content: "Findings so far:\n" + strings.Join(findings, "\n---\n"),
			})
		}

		text, err := r.runWorker(ctx, child, source, childReq, ownerID, out)
		if err != nil {
			return "", err
		}
		findings = append(findings, text)
		out <- stream.Event{Type: stream.EventSubSpecResult, Source: source, Content: child.Name}
	}

	mergeReq := llm.Request{
		System: joinSystem(desc.Instruction, req.System),
		Messages: append(append([]llm.Message{}, req.Messages...), llm.Message{
			Role:    llm.RoleUser,
			Content: "Merge these findings into one answer:\n" + strings.Join(findings, "\n---\n"),
		}),
	}

	merged := Descriptor{Name: desc.Name, Kind: KindWorker, ModelHint: desc.ModelHint}
	return r.runWorkerPlain(ctx, merged, mergeReq, out)
}

// runWorkerPlain is runWorker without tools, used for the team merge call.
func (r *Runner) runWorkerPlain(ctx context.Context, desc Descriptor, req llm.Request, out chan<- stream.Event) (string, error) {
	provider := r.models.Get(roleFor(desc.ModelHint))

	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var final strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			final.WriteString(chunk.Text)
			out <- stream.Event{Type: stream.EventToken, Source: desc.Name, Content: chunk.Text}
		case "error":
			return "", chunk.Err
		}
	}

	out <- stream.Event{Type: stream.EventTerminal, Source: desc.Name, Content: final.String()}
	return final.String(), nil
}

func (r *Runner) toolDefinitions(ctx context.Context, ownerID string, names []string) ([]llm.ToolDefinition, error) {
	usable, err := r.tools.Discover(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]toolbridge.Tool, len(usable))
	for _, t := range usable {
		byName[t.Name] = t
	}

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, fault.New(fault.ToolUnavailable, "specialist.toolDefinitions",
				fmt.Sprintf("tool %q not usable by caller", name))
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return defs, nil
}

func roleFor(hint string) llm.Role {
	if hint == "fallback" {
		return llm.RoleFallback
	}
	return llm.RolePrimary
}

func joinSystem(instruction, system string) string {
	switch {
	case system == "":
		return instruction
	case instruction == "":
		return system
	default:
		return instruction + "\n\n" + system
	}
}
