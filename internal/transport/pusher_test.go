package transport

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/config"
)

func hexHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func relayConfig(serverURL string) config.RelayConfig {
	return config.RelayConfig{
		AppID:         "42",
		Key:           "app-key",
		Secret:        "app-secret",
		Host:          strings.TrimPrefix(serverURL, "http://"),
		Scheme:        "http",
		Timeout:       5 * time.Second,
		RatePerSecond: 100,
		RetryCount:    2,
		RetryDelay:    10 * time.Millisecond,
		Workers:       2,
		QueueSize:     16,
	}
}

func TestPusherAuthenticatePrivate(t *testing.T) {
	c := NewPusherClient(config.RelayConfig{Key: "app-key", Secret: "app-secret", Host: "x"}, zap.NewNop())
	got := c.AuthenticatePrivate("private-app-Task", "1234.5678")
	want := "app-key:" + hexHMAC("app-secret", "1234.5678:private-app-Task")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPusherTriggerSignsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/apps/42/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		q := r.URL.Query()

		sum := md5.Sum(body)
		if q.Get("body_md5") != hex.EncodeToString(sum[:]) {
			t.Errorf("body_md5 mismatch")
		}
		if q.Get("auth_key") != "app-key" || q.Get("auth_version") != "1.0" {
			t.Errorf("unexpected auth params %v", q)
		}
		toSign := "POST\n/apps/42/events\nauth_key=app-key&auth_timestamp=" + q.Get("auth_timestamp") +
			"&auth_version=1.0&body_md5=" + q.Get("body_md5")
		if q.Get("auth_signature") != hexHMAC("app-secret", toSign) {
			t.Errorf("signature mismatch")
		}

		var tb triggerBody
		if err := json.Unmarshal(body, &tb); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if tb.Name != "create" || len(tb.Channels) != 1 || tb.Channels[0] != "private-app-Task" || tb.Data != `{"id":1}` {
			t.Errorf("unexpected body %+v", tb)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	c := NewPusherClient(relayConfig(server.URL), logger)
	if err := c.Trigger(context.Background(), "private-app-Task", "create", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
}

func TestPusherTriggerRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewPusherClient(relayConfig(server.URL), zap.NewNop())
	if err := c.Trigger(context.Background(), "ch", "update", []byte(`{}`)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestPusherTriggerAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewPusherClient(relayConfig(server.URL), zap.NewNop())
	if err := c.Trigger(context.Background(), "ch", "update", []byte(`{}`)); err != ErrRelayAuthFailed {
		t.Fatalf("expected ErrRelayAuthFailed, got %v", err)
	}
}
