package auth

import (
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

const issuer = "cirkelline"

// TokenService issues and verifies locally signed bearer tokens (HS256).
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service from the shared secret.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, fault.New(fault.Malformed, "auth.NewTokenService",
			"JWT secret must be at least 16 bytes")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the given user id. The admin claim is a hint for
// clients only; the resolver re-reads the authoritative flag from storage.
func (s *TokenService) Issue(userID string, isAdmin bool) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(issuer).
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("admin", isAdmin).
		Build()
	if err != nil {
		return "", fault.Wrap(fault.Internal, "auth.Issue", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fault.Wrap(fault.Internal, "auth.Issue", err)
	}
	return string(signed), nil
}

// Verify parses and validates a token, returning the subject user id.
// Expired tokens fail with AuthExpired and never fall back.
func (s *TokenService) Verify(tokenString string) (string, error) {
	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return "", fault.Wrap(fault.AuthExpired, "auth.Verify", err)
		}
		return "", fault.Wrap(fault.AuthInvalid, "auth.Verify", err)
	}

	sub := tok.Subject()
	if sub == "" {
		return "", fault.New(fault.AuthInvalid, "auth.Verify", "token has no subject")
	}
	return sub, nil
}
