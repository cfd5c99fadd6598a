package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	first, err := DeriveKey("conversation-1", KeyOptions{})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	second, err := DeriveKey("conversation-1", KeyOptions{Salt: DefaultSalt, Iterations: DefaultIterations, KeyLength: DefaultKeyLength})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical keys for identical inputs")
	}
	if len(first) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(first))
	}
}

func TestDeriveKeyDependsOnInputs(t *testing.T) {
	base, err := DeriveKey("conversation-1", KeyOptions{Iterations: 10})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	otherPassword, err := DeriveKey("conversation-2", KeyOptions{Iterations: 10})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	otherSalt, err := DeriveKey("conversation-1", KeyOptions{Iterations: 10, Salt: "pepper"})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(base, otherPassword) || bytes.Equal(base, otherSalt) {
		t.Fatalf("expected different inputs to derive different keys")
	}

	short, err := DeriveKey("conversation-1", KeyOptions{Iterations: 10, KeyLength: 128})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(short) != 16 {
		t.Fatalf("expected 16-byte key, got %d", len(short))
	}
}

func TestDeriveKeyRejectsInvalidOptions(t *testing.T) {
	if _, err := DeriveKey("", KeyOptions{}); err == nil {
		t.Fatalf("expected empty password to be rejected")
	}
	if _, err := DeriveKey("c1", KeyOptions{KeyLength: 100}); err == nil {
		t.Fatalf("expected unsupported key length to be rejected")
	}
}
