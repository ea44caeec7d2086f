package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	return sshPub
}

func TestTOFUHostKeyCallback_FirstUse(t *testing.T) {
	key := testPublicKey(t)
	var seen string
	cb := tofuHostKeyCallback("", &seen)

	if err := cb("node-1:22", nil, key); err != nil {
		t.Fatalf("first use should be trusted: %v", err)
	}
	if seen != ssh.FingerprintSHA256(key) {
		t.Fatalf("seen = %q, want recorded fingerprint", seen)
	}
}

func TestTOFUHostKeyCallback_MatchAndMismatch(t *testing.T) {
	key := testPublicKey(t)
	known := ssh.FingerprintSHA256(key)

	var seen string
	cb := tofuHostKeyCallback(known, &seen)
	if err := cb("node-1:22", nil, key); err != nil {
		t.Fatalf("matching key rejected: %v", err)
	}

	other := testPublicKey(t)
	if err := cb("node-1:22", nil, other); !errors.Is(err, ErrHostKeyMismatch) {
		t.Fatalf("expected ErrHostKeyMismatch, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCD1234", "'ABCD1234'"},
		{"a b", "'a b'"},
		{"a'b", `'a'\''b'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTruncateCmd(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := truncateCmd(long)
	if len(got) != 99 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncateCmd length = %d", len(got))
	}
	if truncateCmd("short") != "short" {
		t.Fatal("short command should be unchanged")
	}
}
