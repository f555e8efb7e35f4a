// Package auth loads the session's bearer credential and derives the local
// user identity from it. Token acquisition (login flow) is an external
// collaborator; the engine only consumes a stored token.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredentials is returned when no bearer token is available.
	// Connection attempts fail with this before touching the network.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrExpiredToken is returned when the stored token is past its expiry.
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidToken is returned when the stored token cannot be parsed.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the claim set issued by the backend.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Credentials is the parsed bearer credential for the current session.
type Credentials struct {
	Token string
	Email string
}

// Provider supplies the current credential. The connection manager calls it
// on every connect so a refreshed token file is picked up without restart.
type Provider interface {
	Credentials() (*Credentials, error)
}

// FileProvider reads the bearer token from a file in the session directory.
type FileProvider struct {
	Path string
}

// Credentials loads and parses the token file.
func (p *FileProvider) Credentials() (*Credentials, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMissingCredentials
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, ErrMissingCredentials
	}
	return Parse(token)
}

// Parse extracts the identity from a bearer token. The signature is the
// server's to verify; the client only needs the claims, so the token is
// parsed without verification.
func Parse(token string) (*Credentials, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	email := claims.Email
	if email == "" {
		email = claims.Subject
	}
	if email == "" {
		return nil, fmt.Errorf("%w: no email claim", ErrInvalidToken)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}

	return &Credentials{Token: token, Email: email}, nil
}

// StaticProvider returns fixed credentials. Used in tests and by embedders
// that manage tokens themselves.
type StaticProvider struct {
	Creds *Credentials
	Err   error
}

func (p *StaticProvider) Credentials() (*Credentials, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Creds == nil {
		return nil, ErrMissingCredentials
	}
	return p.Creds, nil
}
