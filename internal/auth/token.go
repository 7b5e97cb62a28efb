// Package auth hashes and verifies the static bearer tokens that guard the
// upload API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120000
	tokenHashKeyLength  = 32
	tokenHashSaltLength = 16
	generatedTokenBytes = 32
)

var (
	ErrInvalidToken = errors.New("invalid api token")
	ErrMissingToken = errors.New("missing api token")
)

// HashToken derives a pbkdf2$sha256$<iterations>$<salt>$<key> hash suitable
// for configuration files.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

// VerifyToken checks candidate against an encoded hash.
func VerifyToken(encodedHash, candidate string) error {
	parts := strings.Split(strings.TrimSpace(encodedHash), "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken returns a random hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, generatedTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verifier accepts a token matching any configured hash. Tokens that passed
// once are remembered by their SHA-256 digest so pbkdf2 runs once per token.
type Verifier struct {
	hashes   []string
	accepted sync.Map
}

// NewVerifier validates the hash formats up front.
func NewVerifier(hashes []string) (*Verifier, error) {
	v := &Verifier{}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.HasPrefix(h, "pbkdf2$sha256$") || len(strings.Split(h, "$")) != 5 {
			return nil, fmt.Errorf("api token hash %q is not a pbkdf2$sha256 hash", truncate(h, 16))
		}
		v.hashes = append(v.hashes, h)
	}
	return v, nil
}

// Enabled reports whether any token is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

// Verify checks token against every configured hash.
func (v *Verifier) Verify(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(digest[:])
	if _, ok := v.accepted.Load(key); ok {
		return nil
	}
	for _, h := range v.hashes {
		if err := VerifyToken(h, token); err == nil {
			v.accepted.Store(key, struct{}{})
			return nil
		}
	}
	return ErrInvalidToken
}

// ExtractToken reads a bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
