package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHashAndVerifyToken(t *testing.T) {
	hashed, err := HashToken("s3cret-token")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	parts := strings.Split(hashed, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" || parts[2] != "120000" {
		t.Fatalf("unexpected hash format %q", hashed)
	}
	if err := VerifyToken(hashed, "s3cret-token"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyToken(hashed, "other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	again, err := HashToken("s3cret-token")
	if err != nil {
		t.Fatalf("hash token again: %v", err)
	}
	if again == hashed {
		t.Fatal("expected a fresh salt per hash")
	}
}

func TestHashTokenRejectsEmpty(t *testing.T) {
	if _, err := HashToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestVerifyTokenRejectsMalformedHashes(t *testing.T) {
	for _, h := range []string{"", "plain", "bcrypt$x$1$a$b", "pbkdf2$sha256$zero$a$b", "pbkdf2$sha256$10$!!$b"} {
		if err := VerifyToken(h, "token"); err == nil {
			t.Fatalf("expected %q to be rejected", h)
		}
	}
}

func TestVerifier(t *testing.T) {
	first, _ := HashToken("alpha")
	second, _ := HashToken("beta")
	v, err := NewVerifier([]string{first, " ", second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if !v.Enabled() {
		t.Fatal("expected verifier enabled")
	}
	for _, token := range []string{"alpha", "beta", "beta"} {
		if err := v.Verify(token); err != nil {
			t.Fatalf("verify %s: %v", token, err)
		}
	}
	if err := v.Verify("gamma"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	if _, err := NewVerifier([]string{"not-a-hash"}); err == nil {
		t.Fatal("expected malformed hash to be rejected")
	}
	empty, err := NewVerifier(nil)
	if err != nil || empty.Enabled() {
		t.Fatalf("expected disabled verifier, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/videos", nil)
	if ExtractToken(req) != "" {
		t.Fatal("expected empty token without header")
	}
	req.Header.Set("Authorization", "Bearer abc")
	if got := ExtractToken(req); got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
	req.Header.Set("Authorization", "bearer  xyz ")
	if got := ExtractToken(req); got != "xyz" {
		t.Fatalf("unexpected token %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if ExtractToken(req) != "" {
		t.Fatal("expected basic auth to be ignored")
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("unexpected token length %d", len(token))
	}
}
