// Package stream carries specialist output to the caller.
//
// Specialists publish Events on a bounded channel; the Filter consumes
// them, applies a per-source forwarding policy, and writes caller-visible
// Envelopes. The filter is the only writer to the outbound channel.
package stream

// EventType classifies internal events produced by specialists and the
// orchestrator.
type EventType string

const (
	EventToken           EventType = "token"
	EventToolCallStart   EventType = "tool-call-start"
	EventToolCallEnd     EventType = "tool-call-end"
	EventSubSpecDispatch EventType = "sub-specialist-dispatch"
	EventSubSpecResult   EventType = "sub-specialist-result"
	EventMeta            EventType = "meta"
	EventTerminal        EventType = "terminal"
	EventError           EventType = "error"
)

// Citation points a statement back at an ingested document chunk.
type Citation struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Ordinal      int    `json:"ordinal"`
}

// Event is the internal unit flowing from a specialist to the filter.
type Event struct {
	Type      EventType
	Source    string
	Content   string
	Citations []Citation
	Err       error
}

// Envelope is the caller-visible unit, serialized onto the SSE stream.
// Type is one of token, tool, meta, terminal, error.
type Envelope struct {
	Type      string            `json:"type"`
	Content   string            `json:"content,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Citations []Citation        `json:"citations,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

const (
	EnvelopeToken    = "token"
	EnvelopeTool     = "tool"
	EnvelopeMeta     = "meta"
	EnvelopeTerminal = "terminal"
	EnvelopeError    = "error"
)
