package auth

import (
	"errors"
	"testing"
	"time"
)

func TestReplayGuardClaim(t *testing.T) {
	g := NewReplayGuard(time.Minute, 10)

	if err := g.Claim("Task/b1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := g.Claim("Task/b1"); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
	if err := g.Claim("Task/b2"); err != nil {
		t.Fatalf("distinct key rejected: %v", err)
	}

	g.Release("Task/b1")
	if err := g.Claim("Task/b1"); err != nil {
		t.Errorf("released key could not be reclaimed: %v", err)
	}
}

func TestReplayGuardWindowAndLimit(t *testing.T) {
	g := NewReplayGuard(time.Minute, 2)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	_ = g.Claim("a")
	now = now.Add(time.Second)
	_ = g.Claim("b")
	now = now.Add(time.Second)
	_ = g.Claim("c") // evicts "a", the oldest

	if g.Len() != 2 {
		t.Fatalf("expected 2 remembered keys, got %d", g.Len())
	}
	if err := g.Claim("b"); !errors.Is(err, ErrReplayed) {
		t.Errorf("b should still be remembered, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := g.Claim("c"); err != nil {
		t.Errorf("claim after window should succeed: %v", err)
	}
}
