// Package memory derives durable user facts from finished turns and keeps
// long sessions inside the model context window through summarization.
package memory

import "time"

// Memory is one durable fact about a user.
type Memory struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	SourceTurnID string    `json:"source_turn_id"`
	Topic        string    `json:"topic"`
	Content      string    `json:"content"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Topic families a derivation may produce. Lines tagged with anything else
// are discarded.
const (
	TopicIdentity       = "identity"
	TopicEmotionalState = "emotional_state"
	TopicPreferences    = "preferences"
	TopicGoals          = "goals"
	TopicPatterns       = "patterns"
)

var knownTopics = map[string]bool{
	TopicIdentity:       true,
	TopicEmotionalState: true,
	TopicPreferences:    true,
	TopicGoals:          true,
	TopicPatterns:       true,
}
