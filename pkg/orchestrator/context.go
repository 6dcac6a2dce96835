package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/llm"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
)

// Per-section token budgets for the assembled prompt. Over-budget
// sections truncate oldest-first.
const (
	memoryBudget    = 600
	summaryBudget   = 800
	retrievalBudget = 1200
	historyBudget   = 1500
)

const systemPreamble = "You are Cirkelline, a personal assistant. Be direct, " +
	"warm and concrete. Ground factual claims in the provided context and " +
	"cite document chunks by their bracketed numbers; never quote chunks " +
	"verbatim at length. If the context does not cover a question, say so."

// assembleContext fetches memories, the session, and retrieval results in
// parallel, then builds the prompt deterministically.
func (o *Orchestrator) assembleContext(ctx context.Context, t *turnState) error {
	ownerID := t.req.Caller.ID

	var (
		memoryBlock string
		sess        *session.Session
		results     []knowledge.SearchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		block, err := o.memories.ContextBlock(gctx, ownerID)
		if err != nil {
			// Missing memories degrade the prompt, not the turn.
			slog.Warn("memory fetch failed", "error", err)
			return nil
		}
		memoryBlock = block
		return nil
	})
	g.Go(func() error {
		loaded, err := o.sessions.Load(gctx, ownerID, t.sessionID)
		if err != nil {
			return err
		}
		sess = loaded
		return nil
	})
	g.Go(func() error {
		found, err := o.retriever.Search(gctx, ownerID, t.req.Caller.IsAdmin, t.req.Message)
		if err != nil {
			slog.Warn("retrieval failed, continuing without chunks", "error", err)
			return nil
		}
		results = found
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	system := o.buildSystem(t, memoryBlock, sess, results)
	messages := o.buildHistory(sess)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: t.req.Message})

	t.assembled = llm.Request{System: system, Messages: messages}
	t.citations = citationsFor(results)
	return nil
}

// buildSystem lays the prompt sections in fixed order: preamble, profile,
// memories, summary, retrieved chunks.
func (o *Orchestrator) buildSystem(t *turnState, memoryBlock string, sess *session.Session, results []knowledge.SearchResult) string {
	var b strings.Builder
	b.WriteString(systemPreamble)

	if p := t.req.Caller.Profile; p != nil {
		b.WriteString("\n\n## About the user\n")
		for _, line := range []string{p.Context, p.Preferences, p.StyleHints} {
			if line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}

	if memoryBlock != "" {
		b.WriteString("\n\n## What you remember\n")
		b.WriteString(o.truncateTail(memoryBlock, memoryBudget))
	}

	if sess != nil && sess.Summary != "" {
		b.WriteString("\n\n## Conversation so far\n")
		b.WriteString(o.truncateHead(sess.Summary, summaryBudget))
	}

	if len(results) > 0 {
		b.WriteString("\n\n## Retrieved context\n")
		spent := 0
		for i, r := range results {
			entry := fmt.Sprintf("[%d] (%s) %s\n", i+1, r.DocumentName, r.Chunk.Content)
			cost := o.counter.Count(entry)
			if spent+cost > retrievalBudget {
				break
			}
			spent += cost
			b.WriteString(entry)
		}
	}

	return b.String()
}

// buildHistory converts the recent turn window into chat messages,
// dropping oldest turns until the window fits its budget. Turns already
// condensed into the summary are excluded.
func (o *Orchestrator) buildHistory(sess *session.Session) []llm.Message {
	if sess == nil {
		return nil
	}

	var window []session.Turn
	for _, turn := range sess.Turns {
		if turn.Seq > sess.SummaryCovers {
			window = append(window, turn)
		}
	}

	total := 0
	costs := make([]int, len(window))
	for i, turn := range window {
		costs[i] = o.counter.CountPair(turn.Inbound, turn.Outbound)
		total += costs[i]
	}
	start := 0
	for start < len(window) && total > historyBudget {
		total -= costs[start]
		start++
	}

	var messages []llm.Message
	for _, turn := range window[start:] {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.Inbound},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Outbound},
		)
	}
	return messages
}

// truncateHead keeps the tail of text within budget, cutting the oldest
// lines first.
func (o *Orchestrator) truncateHead(text string, budget int) string {
	if o.counter.Count(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[1:]
		candidate := strings.Join(lines, "\n")
		if o.counter.Count(candidate) <= budget {
			return candidate
		}
	}
	return lines[0]
}

// truncateTail keeps the head of text within budget.
func (o *Orchestrator) truncateTail(text string, budget int) string {
	if o.counter.Count(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if o.counter.Count(candidate) <= budget {
			return candidate
		}
	}
	return lines[0]
}

func citationsFor(results []knowledge.SearchResult) []stream.Citation {
	citations := make([]stream.Citation, 0, len(results))
	for _, r := range results {
		citations = append(citations, stream.Citation{
			DocumentID:   r.Chunk.DocumentID,
			DocumentName: r.DocumentName,
			Ordinal:      r.Chunk.Ordinal,
		})
	}
	return citations
}
