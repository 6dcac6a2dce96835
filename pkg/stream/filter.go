package stream

import "sync"

// Policy decides which events from a given source reach the caller.
type Policy struct {
	ForwardTokens    bool
	ForwardToolCalls bool
	ForwardSubSpec   bool
	ForwardTerminal  bool
}

// WorkerPolicy forwards everything a terminal specialist produces.
func WorkerPolicy() Policy {
	return Policy{ForwardTokens: true, ForwardToolCalls: true, ForwardSubSpec: true, ForwardTerminal: true}
}

// TeamChildPolicy silences a team's inner workers. Their tokens and
// results would duplicate the team's own merged output; only tool
// boundaries stay visible so the caller sees "searching..." once.
func TeamChildPolicy() Policy {
	return Policy{ForwardTokens: false, ForwardToolCalls: true, ForwardSubSpec: false, ForwardTerminal: false}
}

// Filter turns internal events into caller envelopes. It owns the
// outbound channel exclusively and closes it when the event stream ends.
type Filter struct {
	out       chan<- Envelope
	sessionID string

	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy

	announced    bool
	terminalSent bool
	lastToken    string
	lastSource   string
}

// NewFilter builds a filter writing to out. The default policy applies to
// sources without an explicit one.
func NewFilter(sessionID string, out chan<- Envelope) *Filter {
	return &Filter{
		out:       out,
		sessionID: sessionID,
		policies:  make(map[string]Policy),
		fallback:  WorkerPolicy(),
	}
}

// SetPolicy pins the forwarding policy for one event source. Safe to
// call while Run is draining; a source's policy must be set before its
// first event arrives.
func (f *Filter) SetPolicy(source string, p Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[source] = p
}

func (f *Filter) policyFor(source string) Policy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.policies[source]; ok {
		return p
	}
	return f.fallback
}

// Run drains events until the channel closes, then closes the outbound
// channel. The first envelope always carries the session id, even when
// the specialist produces nothing.
func (f *Filter) Run(events <-chan Event) {
	defer close(f.out)
	f.announce()

	for ev := range events {
		f.handle(ev)
	}

	// A stream that ended without a terminal still closes cleanly for
	// the caller.
	if !f.terminalSent {
		f.emit(Envelope{Type: EnvelopeTerminal})
		f.terminalSent = true
	}
}

func (f *Filter) announce() {
	if f.announced {
		return
	}
	f.announced = true
	f.emit(Envelope{Type: EnvelopeMeta, SessionID: f.sessionID})
}

func (f *Filter) handle(ev Event) {
	p := f.policyFor(ev.Source)

	switch ev.Type {
	case EventToken:
		if !p.ForwardTokens {
			return
		}
		// Repeated identical spans from the same source collapse to one.
		if ev.Content == f.lastToken && ev.Source == f.lastSource {
			return
		}
		f.lastToken = ev.Content
		f.lastSource = ev.Source
		f.emit(Envelope{Type: EnvelopeToken, Content: ev.Content})

	case EventToolCallStart, EventToolCallEnd:
		if !p.ForwardToolCalls {
			return
		}
		f.emit(Envelope{Type: EnvelopeTool, Content: ev.Content, Meta: map[string]string{
			"phase": toolPhase(ev.Type),
		}})

	case EventSubSpecDispatch, EventSubSpecResult:
		if !p.ForwardSubSpec {
			return
		}
		f.emit(Envelope{Type: EnvelopeMeta, Content: ev.Content, Meta: map[string]string{
			"specialist": ev.Source,
		}})

	case EventMeta:
		f.emit(Envelope{Type: EnvelopeMeta, Content: ev.Content})

	case EventTerminal:
		if !p.ForwardTerminal || f.terminalSent {
			return
		}
		f.terminalSent = true
		f.emit(Envelope{Type: EnvelopeTerminal, Content: ev.Content, Citations: ev.Citations})

	case EventError:
		if f.terminalSent {
			return
		}
		f.terminalSent = true
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		f.emit(Envelope{Type: EnvelopeError, Content: msg})
	}
}

func (f *Filter) emit(env Envelope) {
	f.out <- env
}

func toolPhase(t EventType) string {
	if t == EventToolCallStart {
		return "start"
	}
	return "end"
}
