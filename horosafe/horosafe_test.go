package horosafe

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if err := ValidateSecret(bytes.Repeat([]byte("a"), MinSecretLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/data/snapshots", "ctx_abc_v3.json", false},
		{"/data/snapshots", "../etc/passwd", true},
		{"/data/snapshots", "abc/../def", true},
		{"/data/snapshots", "abc/../../outside", true},
		{"/data/snapshots", "normal-id_123", false},
	}
	for _, tt := range tests {
		_, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("ctx_0191a7b2-valid.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateIdentifier("../etc/passwd"); err == nil {
		t.Fatal("expected error for path traversal chars")
	}
	if err := ValidateIdentifier(""); err == nil {
		t.Fatal("expected error for empty identifier")
	}
	if err := ValidateIdentifier("has spaces"); err == nil {
		t.Fatal("expected error for spaces")
	}
	long := strings.Repeat("a", 257)
	if err := ValidateIdentifier(long); err == nil {
		t.Fatal("expected error for long identifier")
	}
}
