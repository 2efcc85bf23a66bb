package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/config"
)

func TestParseKind(t *testing.T) {
	for _, s := range config.ValidTransports {
		k, err := ParseKind(s)
		if err != nil {
			t.Errorf("ParseKind(%q) failed: %v", s, err)
		}
		if k.String() != s {
			t.Errorf("expected %s, got %s", s, k)
		}
	}
	if _, err := ParseKind("pusher"); !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("expected ErrUnknownTransport, got %v", err)
	}
}

func TestNewSelectsAdapter(t *testing.T) {
	tokens, err := auth.NewService([]byte("secret"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		ChannelPrefix:       "app",
		PollIntervalSeconds: 1,
		Relay:               config.RelayConfig{AppID: "1", Key: "k", Secret: "s", Host: "relay.example.com", Workers: 1},
	}

	want := map[string]Kind{
		config.TransportSimplePoller:  SimplePoller,
		config.TransportManagedPush:   ManagedPush,
		config.TransportSocketService: SocketService,
	}
	for name, kind := range want {
		cfg.Transport = name
		a, err := New(cfg, tokens, zap.NewNop())
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if a.Kind() != kind {
			t.Errorf("expected %s, got %s", kind, a.Kind())
		}
	}

	cfg.Transport = "carrier_pigeon"
	if _, err := New(cfg, tokens, zap.NewNop()); !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("expected ErrUnknownTransport, got %v", err)
	}
}

func TestPollerDescriptor(t *testing.T) {
	p := NewPoller("app", 2*time.Second)
	d, err := p.ConnectInfo(context.Background(), "Task", "c1", "http://localhost/")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(d)
	if string(data) != `{"transport":"simple_poller","seconds_between_poll":2}` {
		t.Errorf("unexpected descriptor %s", data)
	}
	if _, err := p.RelayAuthenticate(context.Background(), "Task", "c1"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestRelayChannelNaming(t *testing.T) {
	p := NewPoller("app", time.Second)
	if got := p.RelayChannel("Task-1"); got != "app-Task-1" {
		t.Errorf("expected app-Task-1, got %s", got)
	}
	ch, err := p.ChannelFromRelay("app-Task-1")
	if err != nil || ch != "Task-1" {
		t.Errorf("expected Task-1, got %s (%v)", ch, err)
	}
	if _, err := p.ChannelFromRelay("other-Task-1"); err == nil {
		t.Error("expected error for a foreign prefix")
	}

	push := NewPush(NewPusherClient(config.RelayConfig{Host: "x"}, zap.NewNop()), "app", config.RelayConfig{}, zap.NewNop())
	if got := push.RelayChannel("Task"); got != "private-app-Task" {
		t.Errorf("expected private-app-Task, got %s", got)
	}
	ch, err = push.ChannelFromRelay("private-app-Task")
	if err != nil || ch != "Task" {
		t.Errorf("expected Task, got %s (%v)", ch, err)
	}
}
