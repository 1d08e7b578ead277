package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestVerifyHMAC(t *testing.T) {
	v := NewVerifier("hmac", testSecret)
	tok := mint(t, jwt.MapClaims{
		"sub":   "u42",
		"role":  "QA",
		"email": "qa@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u42" || id.Role != "qa" || id.Email != "qa@example.com" {
		t.Fatalf("bad identity: %+v", id)
	}
}

func TestVerifyHMAC_UserIDClaimFallback(t *testing.T) {
	v := NewVerifier("hmac", testSecret)
	tok := mint(t, jwt.MapClaims{
		"userId": "u7",
		"role":   "admin",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u7" {
		t.Fatalf("got userId %q", id.UserID)
	}
}

func TestVerifyHMAC_Expired(t *testing.T) {
	v := NewVerifier("hmac", testSecret)
	tok := mint(t, jwt.MapClaims{
		"sub":  "u42",
		"role": "qa",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyHMAC_NoExpiry(t *testing.T) {
	v := NewVerifier("hmac", testSecret)
	tok := mint(t, jwt.MapClaims{"sub": "u42", "role": "qa"})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without exp must be rejected, got %v", err)
	}
}

func TestVerifyHMAC_BadSignature(t *testing.T) {
	v := NewVerifier("hmac", "other-secret")
	tok := mint(t, jwt.MapClaims{
		"sub":  "u42",
		"role": "qa",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewVerifier("hmac", testSecret)
	if _, err := v.Verify(""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestVerifyDevMode(t *testing.T) {
	v := NewVerifier("dev", "")
	id, err := v.Verify("u1:Delivery_Lead:lead@example.com")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Role != "delivery_lead" || id.Email != "lead@example.com" {
		t.Fatalf("bad identity: %+v", id)
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatal("expected error for malformed dev token")
	}
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	if got := BearerFromRequest(r); got != "abc.def.ghi" {
		t.Fatalf("header token: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws?token=qrs", nil)
	if got := BearerFromRequest(r); got != "qrs" {
		t.Fatalf("query token: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := BearerFromRequest(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
