// Package auth issues and verifies the server's bearer token and
// serves the QR bootstrap clients scan to connect.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tokenBytes is the entropy of a generated token (hex doubles it).
const tokenBytes = 32

// Token is the single bearer credential every client presents.
type Token struct {
	value string
}

// LoadOrCreate reads the token file, generating and persisting a fresh
// token on first boot. The file is created user-only.
func LoadOrCreate(path string) (*Token, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		value := strings.TrimSpace(string(data))
		if value != "" {
			return &Token{value: value}, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	value := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	return &Token{value: value}, nil
}

// Value returns the token string, used for the bootstrap URL.
func (t *Token) Value() string { return t.value }

// Verify compares a presented credential in constant time.
func (t *Token) Verify(presented string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(presented)) == 1
}
