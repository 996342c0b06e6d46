package session

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/convsync/internal/model"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestParticipantFromUserIDClaim(t *testing.T) {
	tok := signed(t, &Claims{UserID: "u1"})
	r := NewResolver(func() string { return tok }, "")

	id, err := r.Participant()
	if err != nil {
		t.Fatal(err)
	}
	if id != "u1" {
		t.Errorf("participant = %q, want u1", id)
	}
}

func TestParticipantFallsBackToSubject(t *testing.T) {
	tok := signed(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "officer-9"}})
	r := NewResolver(func() string { return tok }, "")

	id, err := r.Participant()
	if err != nil {
		t.Fatal(err)
	}
	if id != "officer-9" {
		t.Errorf("participant = %q, want officer-9", id)
	}
}

func TestParticipantAuthRequired(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"logged out", ""},
		{"garbage", "not-a-jwt"},
		{"no id claims", signed(t, &Claims{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(func() string { return tt.token }, "")
			_, err := r.Participant()
			if !errors.Is(err, model.ErrAuthRequired) {
				t.Errorf("error = %v, want ErrAuthRequired", err)
			}
		})
	}
}

func TestStaticParticipantWins(t *testing.T) {
	r := NewResolver(nil, "kiosk-1")
	id, err := r.Participant()
	if err != nil || id != "kiosk-1" {
		t.Errorf("participant = %q, %v; want kiosk-1", id, err)
	}

	var nilResolver *Resolver
	if _, err := nilResolver.Participant(); !errors.Is(err, model.ErrAuthRequired) {
		t.Errorf("nil resolver error = %v, want ErrAuthRequired", err)
	}
}
