package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
)

// Model is the narrow slice of a provider the router needs.
type Model interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Registry is the read-only specialist catalogue plus its router.
type Registry struct {
	router  Model
	ordered []Descriptor
	byName  map[string]Descriptor
}

// NewRegistry builds the registry over the built-in catalogue. The router
// model classifies messages; a cheap role is enough.
func NewRegistry(router Model) *Registry {
	byName := make(map[string]Descriptor, len(catalogue))
	for _, d := range catalogue {
		byName[d.Name] = d
	}
	return &Registry{
		router:  router,
		ordered: catalogue,
		byName:  byName,
	}
}

// ListCapabilities returns every specialist in catalogue order.
func (r *Registry) ListCapabilities() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Lookup finds a specialist by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Route asks the classifier for a ranked specialist list for the message.
// Specialists whose tool requirements are not satisfied by availableTools
// are never emitted. A classifier failure degrades to an empty route; the
// orchestrator then answers directly.
func (r *Registry) Route(ctx context.Context, message string, availableTools []string) []Descriptor {
	available := make(map[string]bool, len(availableTools))
	for _, name := range availableTools {
		available[name] = true
	}

	resp, err := r.router.Generate(ctx, llm.Request{
		System: routingSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: r.routingPrompt(message)},
		},
	})
	if err != nil {
		slog.Warn("routing classifier failed, answering directly", "error", err)
		return nil
	}

	return r.parseRoute(resp.Text, available)
}

const routingSystem = "You route user messages to specialists. Reply with a " +
	"comma-separated list of specialist names, most suitable first, or the " +
	"single word none. Never reply with anything else."

func (r *Registry) routingPrompt(message string) string {
	var b strings.Builder
	b.WriteString("Specialists:\n")
	for _, d := range r.ordered {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Capabilities)
	}
	b.WriteString("\nUser message:\n")
	b.WriteString(message)
	b.WriteString("\n\nRanked specialists:")
	return b.String()
}

func (r *Registry) parseRoute(text string, available map[string]bool) []Descriptor {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "none") {
		return nil
	}

	var route []Descriptor
	seen := make(map[string]bool)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		name := strings.ToLower(strings.TrimSpace(field))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		d, ok := r.byName[name]
		if !ok {
			continue
		}
		if !toolsSatisfied(d, available) {
			slog.Debug("specialist filtered, tool requirements unmet", "specialist", name)
			continue
		}
		route = append(route, d)
	}
	return route
}

func toolsSatisfied(d Descriptor, available map[string]bool) bool {
	for _, req := range d.ToolRequirements {
		if !available[req] {
			return false
		}
	}
	return true
}
