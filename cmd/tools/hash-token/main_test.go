package main

import (
	"errors"
	"strings"
	"testing"

	"bitriver-vod/internal/auth"
)

func TestHashTokenFromStdin(t *testing.T) {
	token, hash, err := hashToken(strings.NewReader("  s3cret-token \n"), false)
	if err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	if token != "s3cret-token" {
		t.Fatalf("expected trimmed token, got %q", token)
	}
	if err := auth.VerifyToken(hash, "s3cret-token"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestHashTokenGenerate(t *testing.T) {
	token, hash, err := hashToken(strings.NewReader(""), true)
	if err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected generated token")
	}
	if err := auth.VerifyToken(hash, token); err != nil {
		t.Fatalf("hash does not verify generated token: %v", err)
	}
}

func TestHashTokenRejectsEmptyInput(t *testing.T) {
	_, _, err := hashToken(strings.NewReader("\n"), false)
	if !errors.Is(err, auth.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
