// Package auth verifies bearer tokens for the ops API. Tokens are
// HS256 JWTs issued out of band; an optional revocation store rejects
// tokens by hash before their expiry.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErr "blastpit/pkg/errors"
)

// Principal identifies the authenticated caller.
type Principal struct {
	Subject string
	Role    string
}

// RevocationStore reports whether a token hash has been revoked.
type RevocationStore interface {
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// Verifier validates bearer tokens for the ops API.
type Verifier struct {
	secret  []byte
	issuer  string
	revoked RevocationStore
}

func NewVerifier(secret, issuer string, revoked RevocationStore) *Verifier {
	return &Verifier{
		secret:  []byte(secret),
		issuer:  issuer,
		revoked: revoked,
	}
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Verify parses and validates a raw bearer token.
func (v *Verifier) Verify(ctx context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, appErr.New(appErr.TokenInvalid)
	}
	claims, err := v.parseToken(raw)
	if err != nil {
		return Principal{}, err
	}
	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, HashToken(raw))
		if err != nil {
			return Principal{}, appErr.Wrap(err, appErr.ServiceUnavailable)
		}
		if revoked {
			return Principal{}, appErr.New(appErr.TokenInvalid)
		}
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

func (v *Verifier) parseToken(raw string) (*tokenClaims, error) {
	if len(v.secret) == 0 {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.New(appErr.TokenExpired)
		}
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	return claims, nil
}

// Mint issues an access token. Intended for local tooling and tests;
// production tokens come from the platform's identity service.
func Mint(secret, issuer, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := tokenClaims{
		Role:      role,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// HashToken returns the hex sha256 of a raw token, the form revocation
// stores key on.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
