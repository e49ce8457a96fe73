package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "huddle-auth",
		Audience:      "huddle-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.Issuer != "huddle-auth" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "huddle-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.IssueToken(context.Background(), "user-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "user-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), " "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = issuedAt.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) || !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	now = issuedAt
	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "huddle-auth",
		Audience:      "someone-else",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	foreignToken, _, err := foreign.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(foreignToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name     string
		config   TokenIssuerConfig
		expected error
	}{
		{"missing secret", TokenIssuerConfig{Issuer: "huddle-auth", Audience: "huddle-api"}, ErrMissingSigningSecret},
		{"missing issuer", TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "huddle-api"}, ErrMissingIssuer},
		{"blank audience", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "huddle-auth", Audience: " "}, ErrMissingAudience},
		{"negative ttl", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "huddle-auth", Audience: "huddle-api", TokenTTL: -time.Minute}, ErrInvalidTTL},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	header := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	header.Header.Set("Authorization", "Bearer abc")
	if token, err := TokenFromRequest(header); err != nil || token != "abc" {
		t.Fatalf("expected bearer token, got %q (%v)", token, err)
	}

	query := httptest.NewRequest(http.MethodGet, "/ws?access_token=xyz", http.NoBody)
	if token, err := TokenFromRequest(query); err != nil || token != "xyz" {
		t.Fatalf("expected query token, got %q (%v)", token, err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/ws?access_token=xyz", http.NoBody)
	basic.Header.Set("Authorization", "Basic Zm9v")
	if _, err := TokenFromRequest(basic); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("non-bearer authorization must be rejected, got %v", err)
	}

	if _, err := TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}
