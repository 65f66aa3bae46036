package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if len(first.Value()) != tokenBytes*2 {
		t.Errorf("token length = %d, want %d hex chars", len(first.Value()), tokenBytes*2)
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if first.Value() != second.Value() {
		t.Error("token must survive restarts")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	tok, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if !tok.Verify(tok.Value()) {
		t.Error("valid token rejected")
	}
	if tok.Verify("") || tok.Verify("nope") || tok.Verify(tok.Value()+"x") {
		t.Error("invalid token accepted")
	}
}
