// Package auth verifies the bearer tokens presented during the websocket
// handshake and extracts the connecting user's identity claims.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Role   string
	Email  string
}

// Verifier validates signed, time-bound tokens.
// Modes: "hmac" (HS256, exp required) and "dev" (token is userId:role:email,
// local use only).
type Verifier struct {
	Mode       string
	HMACSecret []byte
}

func NewVerifier(mode, hmacSecret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(hmacSecret)}
}

// Verify validates the raw token and returns the identity claims. Any
// failure is terminal for the connection attempt; callers must reject before
// joining rooms.
func (v *Verifier) Verify(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrNoToken
	}
	switch v.Mode {
	case "dev":
		parts := strings.Split(token, ":")
		if len(parts) < 2 {
			return Identity{}, fmt.Errorf("%w: dev token must be userId:role[:email]", ErrInvalidToken)
		}
		id := Identity{UserID: parts[0], Role: strings.ToLower(parts[1])}
		if len(parts) > 2 {
			id.Email = parts[2]
		}
		if id.UserID == "" || id.Role == "" {
			return Identity{}, fmt.Errorf("%w: empty dev claims", ErrInvalidToken)
		}
		return id, nil
	case "hmac":
		return v.verifyHMAC(token)
	default:
		return Identity{}, fmt.Errorf("%w: unsupported auth mode %q", ErrInvalidToken, v.Mode)
	}
}

func (v *Verifier) verifyHMAC(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.HMACSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{
		UserID: claimString(claims, "sub"),
		Role:   strings.ToLower(claimString(claims, "role")),
		Email:  claimString(claims, "email"),
	}
	if id.UserID == "" {
		// Some issuers put the user id in a userId claim instead of sub.
		id.UserID = claimString(claims, "userId")
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	if id.Role == "" {
		id.Role = "user"
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// BearerFromRequest extracts the handshake credential: Authorization header
// first, then the token query parameter. Returns "" when absent.
func BearerFromRequest(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
		return authz
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
