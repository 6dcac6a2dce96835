package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
)

// Resolver turns a bearer credential into a Caller.
//
// The token payload is only a hint: the admin flag and profile are re-read
// from the users table on each resolve, through a short-lived cache so a
// revoked admin loses elevation within the cache TTL.
type Resolver struct {
	tokens         *TokenService
	gateway        *store.Gateway
	allowAnonymous bool

	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[string]cachedCaller
}

type cachedCaller struct {
	caller  *Caller
	expires time.Time
}

// NewResolver builds a resolver over the users table.
func NewResolver(tokens *TokenService, gateway *store.Gateway, allowAnonymous bool, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		tokens:         tokens,
		gateway:        gateway,
		allowAnonymous: allowAnonymous,
		cacheTTL:       cacheTTL,
		cache:          make(map[string]cachedCaller),
	}
}

// Resolve validates the bearer credential and loads the caller record.
// An empty bearer yields an anonymous caller when anonymous mode is on,
// AuthMissing otherwise.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (*Caller, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		if r.allowAnonymous {
			return NewAnonymousCaller(), nil
		}
		return nil, fault.New(fault.AuthMissing, "auth.Resolve", "no credential presented")
	}

	userID, err := r.tokens.Verify(bearer)
	if err != nil {
		return nil, err
	}

	return r.lookupUser(ctx, userID)
}

func (r *Resolver) lookupUser(ctx context.Context, userID string) (*Caller, error) {
	r.mu.RLock()
	if c, ok := r.cache[userID]; ok && time.Now().Before(c.expires) {
		r.mu.RUnlock()
		return c.caller, nil
	}
	r.mu.RUnlock()

	row := r.gateway.DB().QueryRowContext(ctx, r.gateway.Rebind(`
SELECT id, email, display_name, is_admin, profile FROM users WHERE id = ?
`), userID)

	var (
		caller  Caller
		profile sql.NullString
	)
	if err := row.Scan(&caller.ID, &caller.Email, &caller.DisplayName, &caller.IsAdmin, &profile); err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.AuthInvalid, "auth.Resolve", "unknown subject")
		}
		return nil, fault.Wrap(fault.DependencyFailure, "auth.Resolve", err)
	}

	if profile.Valid && profile.String != "" {
		var p CallerProfile
		if err := json.Unmarshal([]byte(profile.String), &p); err == nil {
			caller.Profile = &p
		}
	}

	r.mu.Lock()
	r.cache[userID] = cachedCaller{caller: &caller, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()

	return &caller, nil
}

// Invalidate drops a cached caller, used after admin flag changes.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}
