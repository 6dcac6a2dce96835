package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
)

// Credentials manages signup and login against the users table.
type Credentials struct {
	gateway *store.Gateway
	tokens  *TokenService
}

// NewCredentials builds the credential service.
func NewCredentials(gateway *store.Gateway, tokens *TokenService) *Credentials {
	return &Credentials{gateway: gateway, tokens: tokens}
}

// Signup registers a new user and returns a signed token.
// A duplicate email fails with Malformed; the first registration wins.
func (c *Credentials) Signup(ctx context.Context, email, password, displayName string) (string, *Caller, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", nil, fault.New(fault.Malformed, "auth.Signup", "invalid email")
	}
	if len(password) < 8 {
		return "", nil, fault.New(fault.Malformed, "auth.Signup", "password must be at least 8 characters")
	}
	if displayName == "" {
		displayName = email[:strings.IndexByte(email, '@')]
	}

	var exists int
	err := c.gateway.DB().QueryRowContext(ctx,
		c.gateway.Rebind(`SELECT COUNT(*) FROM users WHERE email = ?`), email).Scan(&exists)
	if err != nil {
		return "", nil, fault.Wrap(fault.DependencyFailure, "auth.Signup", err)
	}
	if exists > 0 {
		return "", nil, fault.New(fault.Malformed, "auth.Signup", "email already registered")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fault.Wrap(fault.Internal, "auth.Signup", err)
	}

	caller := &Caller{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
	}

	_, err = c.gateway.DB().ExecContext(ctx, c.gateway.Rebind(`
INSERT INTO users (id, email, display_name, hashed_password, is_admin, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`), caller.ID, email, displayName, string(hashed), false, time.Now())
	if err != nil {
		return "", nil, fault.Wrap(fault.DependencyFailure, "auth.Signup", err)
	}

	token, err := c.tokens.Issue(caller.ID, false)
	if err != nil {
		return "", nil, err
	}
	return token, caller, nil
}

// Login verifies credentials and returns a signed token.
func (c *Credentials) Login(ctx context.Context, email, password string) (string, *Caller, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	row := c.gateway.DB().QueryRowContext(ctx, c.gateway.Rebind(`
SELECT id, display_name, hashed_password, is_admin FROM users WHERE email = ?
`), email)

	var (
		caller Caller
		hashed string
	)
	if err := row.Scan(&caller.ID, &caller.DisplayName, &hashed, &caller.IsAdmin); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, fault.New(fault.AuthInvalid, "auth.Login", "unknown email or wrong password")
		}
		return "", nil, fault.Wrap(fault.DependencyFailure, "auth.Login", err)
	}
	caller.Email = email

	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return "", nil, fault.New(fault.AuthInvalid, "auth.Login", "unknown email or wrong password")
	}

	token, err := c.tokens.Issue(caller.ID, caller.IsAdmin)
	if err != nil {
		return "", nil, err
	}
	return token, &caller, nil
}
