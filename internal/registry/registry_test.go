package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "synchromesh-test", zap.NewNop())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	return map[string]Registry{
		"memory": NewMemory(zap.NewNop()),
		"redis":  newTestRedis(t),
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			conn := Connection{ClientID: "c1", Channel: "Task", RootPath: "http://app/", SessionID: "s1", UserID: "u1", Cursor: 3}
			if _, err := reg.Subscribe(ctx, conn); err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			if _, err := reg.AdvanceCursor(ctx, "c1", "Task", 7); err != nil {
				t.Fatalf("AdvanceCursor: %v", err)
			}

			// Re-subscribing with a fresh cursor keeps the stored one.
			conn.Cursor = 0
			stored, err := reg.Subscribe(ctx, conn)
			if err != nil {
				t.Fatalf("re-Subscribe: %v", err)
			}
			if stored.Cursor != 7 {
				t.Errorf("expected cursor 7 after re-subscribe, got %d", stored.Cursor)
			}
		})
	}
}

func TestSubscribeRequiresKey(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := reg.Subscribe(context.Background(), Connection{Channel: "Task"}); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if c, _ := reg.CursorFor(ctx, "unknown", "Task"); c != 0 {
				t.Errorf("unknown pair cursor = %d, want 0", c)
			}

			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task"})
			if cur, _ := reg.AdvanceCursor(ctx, "c1", "Task", 5); cur != 5 {
				t.Fatalf("advance to 5 returned %d", cur)
			}
			if cur, _ := reg.AdvanceCursor(ctx, "c1", "Task", 2); cur != 5 {
				t.Errorf("stale advance moved cursor to %d", cur)
			}
			if c, _ := reg.CursorFor(ctx, "c1", "Task"); c != 5 {
				t.Errorf("CursorFor = %d, want 5", c)
			}
			if _, err := reg.AdvanceCursor(ctx, "c2", "Task", 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("advance on unknown pair: %v", err)
			}
		})
	}
}

func TestChannelsForSessionAndUser(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task", SessionID: "s1", UserID: "u1"})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c2", Channel: "Task-1", SessionID: "s1", UserID: "u1"})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c3", Channel: "Order", SessionID: "s2", UserID: "u1"})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c4", Channel: "Secret", SessionID: "s1", UserID: "u2"})

			got, err := reg.ChannelsFor(ctx, "s1", channel.User{ID: "u1"})
			if err != nil {
				t.Fatal(err)
			}
			want := []channel.Channel{"Task", "Task-1"}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("ChannelsFor = %v, want %v", got, want)
			}
		})
	}
}

func TestConnectionsAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task"})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Order"})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c2", Channel: "Task"})

			conns, _ := reg.Connections(ctx, "c1")
			if len(conns) != 2 || conns[0].Channel != "Order" || conns[1].Channel != "Task" {
				t.Fatalf("unexpected connections: %+v", conns)
			}

			if err := reg.Unsubscribe(ctx, "c1", "Task"); err != nil {
				t.Fatal(err)
			}
			conns, _ = reg.Connections(ctx, "c1")
			if len(conns) != 1 {
				t.Errorf("expected 1 connection after unsubscribe, got %d", len(conns))
			}
			if err := reg.Unsubscribe(ctx, "c1", "Missing"); err != nil {
				t.Errorf("unsubscribing a missing pair should be a no-op: %v", err)
			}
		})
	}
}

func TestMinCursor(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, _ := reg.MinCursor(ctx, "Task"); ok {
				t.Error("expected no cursor on an empty channel")
			}
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task", Cursor: 4})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c2", Channel: "Task", Cursor: 9})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c3", Channel: "Order", Cursor: 1})

			min, ok, err := reg.MinCursor(ctx, "Task")
			if err != nil || !ok || min != 4 {
				t.Errorf("MinCursor = %d, %v, %v; want 4, true, nil", min, ok, err)
			}
		})
	}
}

func TestMemoryEvict(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	_, _ = reg.Subscribe(ctx, Connection{ClientID: "old", Channel: "Task"})
	now = now.Add(time.Hour)
	_, _ = reg.Subscribe(ctx, Connection{ClientID: "new", Channel: "Task"})

	n, err := reg.Evict(ctx, now.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Evict = %d, %v; want 1", n, err)
	}
	if conns, _ := reg.Connections(ctx, "old"); len(conns) != 0 {
		t.Error("idle connection survived eviction")
	}
	if conns, _ := reg.Connections(ctx, "new"); len(conns) != 1 {
		t.Error("active connection was evicted")
	}
}

func TestRedisEvict(t *testing.T) {
	ctx := context.Background()
	reg := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	_, _ = reg.Subscribe(ctx, Connection{ClientID: "old", Channel: "Task", Cursor: 1})
	now = now.Add(time.Hour)
	_, _ = reg.Subscribe(ctx, Connection{ClientID: "new", Channel: "Task", Cursor: 5})

	n, err := reg.Evict(ctx, now.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Evict = %d, %v; want 1", n, err)
	}
	if conns, _ := reg.Connections(ctx, "old"); len(conns) != 0 {
		t.Error("idle connection survived eviction")
	}
	if min, ok, _ := reg.MinCursor(ctx, "Task"); !ok || min != 5 {
		t.Errorf("MinCursor after eviction = %d, %v; want 5", min, ok)
	}
}

func TestMinCursorForgetsDepartedClients(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task", Cursor: 2})
			_, _ = reg.Subscribe(ctx, Connection{ClientID: "c2", Channel: "Task", Cursor: 6})

			if err := reg.Unsubscribe(ctx, "c1", "Task"); err != nil {
				t.Fatal(err)
			}
			if min, ok, _ := reg.MinCursor(ctx, "Task"); !ok || min != 6 {
				t.Errorf("MinCursor = %d, %v; want 6", min, ok)
			}
			_ = reg.Unsubscribe(ctx, "c2", "Task")
			if _, ok, _ := reg.MinCursor(ctx, "Task"); ok {
				t.Error("expected no cursor once every client left")
			}
		})
	}
}

func TestMemoryIndexShrinks(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	for _, ch := range []channel.Channel{"Task", "Order", "@team"} {
		_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: ch})
	}
	_ = reg.Unsubscribe(ctx, "c1", "Order")
	if n := reg.indexedChannels(); n != 2 {
		t.Fatalf("indexed channels = %d, want 2", n)
	}
	// Unsubscribing an unknown pair leaves the index alone.
	_ = reg.Unsubscribe(ctx, "c9", "Task")
	if n := reg.indexedChannels(); n != 2 {
		t.Fatalf("indexed channels = %d, want 2", n)
	}

	_, _ = reg.Evict(ctx, now.Add(time.Minute))
	if n := reg.indexedChannels(); n != 0 {
		t.Errorf("indexed channels = %d after evicting everyone, want 0", n)
	}
}

func TestMemoryConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(zap.NewNop())
	_, _ = reg.Subscribe(ctx, Connection{ClientID: "c1", Channel: "Task"})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(pos uint64) {
			defer wg.Done()
			_, _ = reg.AdvanceCursor(ctx, "c1", "Task", pos)
		}(uint64(i))
	}
	wg.Wait()

	if c, _ := reg.CursorFor(ctx, "c1", "Task"); c != 100 {
		t.Errorf("cursor = %d after concurrent advances, want 100", c)
	}
}
