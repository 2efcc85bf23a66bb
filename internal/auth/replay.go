package auth

import (
	"errors"
	"sync"
	"time"
)

var ErrReplayed = errors.New("token already used")

// ReplayGuard remembers claimed keys for a fixed window.
type ReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
}

// NewReplayGuard keeps at most limit keys, each for window.
func NewReplayGuard(window time.Duration, limit int) *ReplayGuard {
	return &ReplayGuard{
		seen:   make(map[string]time.Time),
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Claim records key and returns ErrReplayed if it was already claimed
// within the window.
func (g *ReplayGuard) Claim(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if at, ok := g.seen[key]; ok && now.Sub(at) < g.window {
		return ErrReplayed
	}
	if len(g.seen) >= g.limit {
		g.sweepLocked(now)
	}
	g.seen[key] = now
	return nil
}

// Release forgets key so a failed operation can be retried.
func (g *ReplayGuard) Release(key string) {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

// Len reports how many keys are remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) sweepLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, at := range g.seen {
		if now.Sub(at) >= g.window {
			delete(g.seen, k)
			continue
		}
		if oldestKey == "" || at.Before(oldest) {
			oldestKey, oldest = k, at
		}
	}
	// Still full: drop the oldest claim.
	if len(g.seen) >= g.limit && oldestKey != "" {
		delete(g.seen, oldestKey)
	}
}
