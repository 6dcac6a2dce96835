package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/utils"
)

// Model is the single-shot generation surface the service needs.
// *llm.Registry providers satisfy it.
type Model interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Service derives and serves user memories, and condenses session history
// when it outgrows the token ceiling.
type Service struct {
	gateway  *store.Gateway
	sessions *session.Store
	model    Model
	prompts  *Prompts
	counter  *utils.TokenCounter

	tokenCeiling int
	// Trigger and target fractions of the ceiling.
	threshold float64
	target    float64
}

// NewService creates the memory service. The model is typically the
// summarizer role from the registry.
func NewService(gateway *store.Gateway, sessions *session.Store, model Model, prompts *Prompts, tokenCeiling int) (*Service, error) {
	counter, err := utils.NewTokenCounter("gpt-4o")
	if err != nil {
		return nil, err
	}
	if tokenCeiling <= 0 {
		tokenCeiling = 3000
	}
	return &Service{
		gateway:      gateway,
		sessions:     sessions,
		model:        model,
		prompts:      prompts,
		counter:      counter,
		tokenCeiling: tokenCeiling,
		threshold:    0.8,
		target:       0.6,
	}, nil
}

// Derive extracts durable facts from a finished turn. Derivation never
// fails a turn: every error is logged and swallowed. Re-derivation for a
// turn that already produced memories is a no-op.
func (s *Service) Derive(ctx context.Context, ownerID string, turn *session.Turn) {
	if err := s.derive(ctx, ownerID, turn); err != nil {
		slog.Warn("memory derivation failed", "turn", turn.ID, "error", err)
	}
}

func (s *Service) derive(ctx context.Context, ownerID string, turn *session.Turn) error {
	row, err := s.gateway.OwnerQueryRow(ctx, ownerID,
		`SELECT COUNT(*) FROM memories WHERE owner_id = ? AND source_turn_id = ?`, turn.ID)
	if err != nil {
		return err
	}
	var existing int
	if err := row.Scan(&existing); err != nil {
		return fault.Wrap(fault.DependencyFailure, "memory.Derive", err)
	}
	if existing > 0 {
		return nil
	}

	prompt, err := s.prompts.renderDerive(map[string]string{
		"Inbound":  turn.Inbound,
		"Outbound": turn.Outbound,
	})
	if err != nil {
		return err
	}

	resp, err := s.model.Generate(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}

	for topic, content := range parseDerivation(resp.Text) {
		_, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(`
INSERT INTO memories (id, owner_id, source_turn_id, topic, content, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`), uuid.NewString(), ownerID, turn.ID, topic, content, time.Now())
		if err != nil {
			// A unique-key collision here means a concurrent derivation won.
			slog.Debug("memory insert skipped", "topic", topic, "error", err)
		}
	}
	return nil
}

// parseDerivation reads "family: fact" lines, dropping unknown families
// and the "none" marker.
func parseDerivation(text string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		topic, content, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		topic = strings.ToLower(strings.TrimSpace(topic))
		content = strings.TrimSpace(content)
		if knownTopics[topic] && content != "" {
			out[topic] = content
		}
	}
	return out
}

// List returns the caller's memories, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Memory, error) {
	rows, err := s.gateway.OwnerQuery(ctx, ownerID, `
SELECT id, owner_id, source_turn_id, topic, content, updated_at
FROM memories WHERE owner_id = ? ORDER BY updated_at DESC
`)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "memory.List", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.SourceTurnID, &m.Topic, &m.Content, &m.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.DependencyFailure, "memory.List", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "memory.List", err)
	}
	return memories, nil
}

// Delete removes one memory. A foreign memory reports NotFound.
func (s *Service) Delete(ctx context.Context, ownerID, memoryID string) error {
	res, err := s.gateway.OwnerExec(ctx, ownerID,
		`DELETE FROM memories WHERE owner_id = ? AND id = ?`, memoryID)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "memory.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "memory.Delete", "memory not found")
	}
	return nil
}

// SummarizeIfNeeded condenses the oldest uncovered turns into the session
// summary when the uncovered window exceeds the trigger threshold. Raw
// turns are never rewritten; the summary column is the only thing updated.
func (s *Service) SummarizeIfNeeded(ctx context.Context, ownerID, sessionID string) error {
	sess, err := s.sessions.Load(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}

	var window []session.Turn
	for _, turn := range sess.Turns {
		if turn.Seq > sess.SummaryCovers {
			window = append(window, turn)
		}
	}

	total := 0
	for _, turn := range window {
		total += s.counter.CountPair(turn.Inbound, turn.Outbound)
	}
	if total <= int(float64(s.tokenCeiling)*s.threshold) {
		return nil
	}

	// Keep the newest turns that fit inside the target budget; everything
	// older gets folded into the summary.
	targetTokens := int(float64(s.tokenCeiling) * s.target)
	kept := 0
	keepFrom := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		cost := s.counter.CountPair(window[i].Inbound, window[i].Outbound)
		if kept+cost > targetTokens {
			break
		}
		kept += cost
		keepFrom = i
	}
	// Always preserve the newest exchange for immediate context.
	if keepFrom == len(window) {
		keepFrom = len(window) - 1
	}

	toCondense := window[:keepFrom]
	if len(toCondense) == 0 {
		return nil
	}

	prompt, err := s.prompts.renderSummarize(map[string]any{
		"Existing": sess.Summary,
		"Turns":    toCondense,
	})
	if err != nil {
		return err
	}

	resp, err := s.model.Generate(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}

	covers := toCondense[len(toCondense)-1].Seq
	return s.sessions.UpdateSummary(ctx, ownerID, sessionID, strings.TrimSpace(resp.Text), covers)
}

// ContextBlock returns memories formatted for prompt assembly, grouped by
// topic for stable ordering.
func (s *Service) ContextBlock(ctx context.Context, ownerID string) (string, error) {
	memories, err := s.List(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, topic := range []string{TopicIdentity, TopicEmotionalState, TopicPreferences, TopicGoals, TopicPatterns} {
		for _, m := range memories {
			if m.Topic == topic {
				b.WriteString("- [" + topic + "] " + m.Content + "\n")
			}
		}
	}
	return b.String(), nil
}
