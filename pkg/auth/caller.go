// Package auth resolves bearer credentials into caller identities.
package auth

import (
	"strings"

	"github.com/google/uuid"
)

// Caller is the authenticated principal a turn executes on behalf of.
type Caller struct {
	// ID is opaque and stable for registered users, transient for
	// anonymous callers.
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	DisplayName string         `json:"display_name"`
	IsAdmin     bool           `json:"is_admin"`
	Anonymous   bool           `json:"anonymous,omitempty"`
	Profile     *CallerProfile `json:"profile,omitempty"`
}

// CallerProfile carries optional per-user prompt hints.
type CallerProfile struct {
	Context     string `json:"context,omitempty"`
	Preferences string `json:"preferences,omitempty"`
	StyleHints  string `json:"style_hints,omitempty"`
}

const anonymousPrefix = "anon-"

// NewAnonymousCaller mints a transient caller valid for one connection.
func NewAnonymousCaller() *Caller {
	return &Caller{
		ID:          anonymousPrefix + uuid.NewString(),
		DisplayName: "anonymous",
		Anonymous:   true,
	}
}

// IsAnonymousID reports whether the id belongs to a transient caller.
func IsAnonymousID(id string) bool {
	return strings.HasPrefix(id, anonymousPrefix)
}
