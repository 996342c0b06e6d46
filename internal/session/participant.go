package session

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/convsync/internal/model"
)

// TokenSource returns the current session token, or "" when logged out.
type TokenSource func() string

// Claims is the subset of the session token the engine reads.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Resolver resolves the local participant id. The session token is owned by
// the host application; the engine only reads the subject out of it, so the
// signature is not verified here.
type Resolver struct {
	tokens TokenSource
	static string
	parser *jwt.Parser
}

// NewResolver creates a resolver. A non-empty static id wins over the token
// and is meant for hosts that authenticate without JWTs.
func NewResolver(tokens TokenSource, static string) *Resolver {
	return &Resolver{
		tokens: tokens,
		static: static,
		parser: jwt.NewParser(),
	}
}

// Token returns the raw session token, or "".
func (r *Resolver) Token() string {
	if r == nil || r.tokens == nil {
		return ""
	}
	return strings.TrimSpace(r.tokens())
}

// Participant returns the local participant id or model.ErrAuthRequired.
func (r *Resolver) Participant() (string, error) {
	if r == nil {
		return "", model.ErrAuthRequired
	}
	if r.static != "" {
		return r.static, nil
	}
	raw := r.Token()
	if raw == "" {
		return "", model.ErrAuthRequired
	}

	var claims Claims
	if _, _, err := r.parser.ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("%w: unreadable session token: %v", model.ErrAuthRequired, err)
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", fmt.Errorf("%w: session token has no user id", model.ErrAuthRequired)
	}
	return id, nil
}
