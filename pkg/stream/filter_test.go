package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFilter(t *testing.T, sessionID string, policies map[string]Policy, events []Event) []Envelope {
	t.Helper()

	in := make(chan Event, len(events))
	out := make(chan Envelope, len(events)+4)

	f := NewFilter(sessionID, out)
	for source, p := range policies {
		f.SetPolicy(source, p)
	}

	for _, ev := range events {
		in <- ev
	}
	close(in)

	done := make(chan struct{})
	go func() {
		f.Run(in)
		close(done)
	}()
	<-done

	var got []Envelope
	for env := range out {
		got = append(got, env)
	}
	return got
}

func TestFirstEnvelopeCarriesSessionID(t *testing.T) {
	got := runFilter(t, "sess-1", nil, []Event{
		{Type: EventToken, Source: "document", Content: "hello"},
		{Type: EventTerminal, Source: "document", Content: "hello"},
	})

	require.NotEmpty(t, got)
	assert.Equal(t, EnvelopeMeta, got[0].Type)
	assert.Equal(t, "sess-1", got[0].SessionID)
}

func TestExactlyOneTerminal(t *testing.T) {
	got := runFilter(t, "s", nil, []Event{
		{Type: EventToken, Source: "a", Content: "x"},
		{Type: EventTerminal, Source: "a", Content: "x"},
		{Type: EventTerminal, Source: "a", Content: "again"},
	})

	terminals := 0
	for _, env := range got {
		if env.Type == EnvelopeTerminal {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestTerminalSynthesizedWhenStreamEndsEarly(t *testing.T) {
	got := runFilter(t, "s", nil, []Event{
		{Type: EventToken, Source: "a", Content: "partial"},
	})

	require.NotEmpty(t, got)
	assert.Equal(t, EnvelopeTerminal, got[len(got)-1].Type)
}

func TestTeamChildTokensSuppressed(t *testing.T) {
	policies := map[string]Policy{
		"web_research":    WorkerPolicy(),
		"web_research/a":  TeamChildPolicy(),
		"web_research/b":  TeamChildPolicy(),
	}
	got := runFilter(t, "s", policies, []Event{
		{Type: EventToken, Source: "web_research/a", Content: "inner chatter"},
		{Type: EventToolCallStart, Source: "web_research/a", Content: "web_search"},
		{Type: EventToolCallEnd, Source: "web_research/a", Content: "web_search"},
		{Type: EventSubSpecResult, Source: "web_research/b", Content: "child result"},
		{Type: EventToken, Source: "web_research", Content: "merged answer"},
		{Type: EventTerminal, Source: "web_research", Content: "merged answer"},
	})

	var tokens, tools []string
	for _, env := range got {
		switch env.Type {
		case EnvelopeToken:
			tokens = append(tokens, env.Content)
		case EnvelopeTool:
			tools = append(tools, env.Content)
		}
	}
	assert.Equal(t, []string{"merged answer"}, tokens)
	assert.Len(t, tools, 2, "tool boundaries stay visible")
}

func TestChildTerminalDoesNotCloseStream(t *testing.T) {
	policies := map[string]Policy{
		"team/child": TeamChildPolicy(),
	}
	got := runFilter(t, "s", policies, []Event{
		{Type: EventTerminal, Source: "team/child", Content: "inner done"},
		{Type: EventToken, Source: "team", Content: "outer"},
		{Type: EventTerminal, Source: "team", Content: "outer"},
	})

	var terminal Envelope
	for _, env := range got {
		if env.Type == EnvelopeTerminal {
			terminal = env
		}
	}
	assert.Equal(t, "outer", terminal.Content)
}

func TestDuplicateTokenSpansCollapsed(t *testing.T) {
	got := runFilter(t, "s", nil, []Event{
		{Type: EventToken, Source: "a", Content: "same"},
		{Type: EventToken, Source: "a", Content: "same"},
		{Type: EventToken, Source: "a", Content: "different"},
		{Type: EventTerminal, Source: "a"},
	})

	var tokens []string
	for _, env := range got {
		if env.Type == EnvelopeToken {
			tokens = append(tokens, env.Content)
		}
	}
	assert.Equal(t, []string{"same", "different"}, tokens)
}

func TestErrorEnvelopeTerminatesStream(t *testing.T) {
	got := runFilter(t, "s", nil, []Event{
		{Type: EventToken, Source: "a", Content: "x"},
		{Type: EventError, Source: "a", Err: errors.New("model backend unreachable")},
	})

	last := got[len(got)-1]
	assert.Equal(t, EnvelopeError, last.Type)
	assert.Contains(t, last.Content, "unreachable")

	for _, env := range got {
		assert.NotEqual(t, EnvelopeTerminal, env.Type, "error replaces the terminal")
	}
}

func TestTerminalCarriesCitations(t *testing.T) {
	got := runFilter(t, "s", nil, []Event{
		{Type: EventTerminal, Source: "a", Content: "grounded answer", Citations: []Citation{
			{DocumentID: "d1", DocumentName: "notes.txt", Ordinal: 0},
		}},
	})

	var terminal Envelope
	for _, env := range got {
		if env.Type == EnvelopeTerminal {
			terminal = env
		}
	}
	require.Len(t, terminal.Citations, 1)
	assert.Equal(t, "notes.txt", terminal.Citations[0].DocumentName)
}
