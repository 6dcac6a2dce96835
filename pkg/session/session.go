// Package session manages conversation sessions and their turns.
//
// A session is an ordered collection of turns belonging to exactly one
// caller. Every read and write is scoped by owner id; an ownership mismatch
// is indistinguishable from a missing session.
package session

import (
	"time"
)

// Session is one conversation between a caller and the assistant.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SummaryCovers is the sequence number up to which Summary condenses
	// the turn history. Turns with seq > SummaryCovers are carried raw.
	SummaryCovers int `json:"-"`

	// Turns is populated by Load, not List.
	Turns []Turn `json:"turns,omitempty"`
}

// Turn is one inbound message and its resulting outbound content.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	Inbound     string    `json:"inbound"`
	Outbound    string    `json:"outbound"`
	Specialists []string  `json:"specialists,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Page is one page of a session listing.
type Page struct {
	Sessions   []Session `json:"sessions"`
	NextCursor string    `json:"next_cursor,omitempty"`
}
