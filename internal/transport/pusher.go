package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/synchromesh/internal/config"
)

var (
	ErrRelayRateLimited = errors.New("rate limited by relay")
	ErrRelayAuthFailed  = errors.New("relay rejected credentials")
)

// PusherClient publishes events through the Pusher HTTP API and signs
// private channel subscriptions.
type PusherClient struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	key        string
	secret     []byte
	cluster    string
	host       string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type triggerBody struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	Data     string   `json:"data"`
}

func NewPusherClient(cfg config.RelayConfig, logger *zap.Logger) *PusherClient {
	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	ratePerSec := cfg.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	burst := int(ratePerSec * 2)
	if burst < 1 {
		burst = 1
	}

	return &PusherClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		baseURL:    fmt.Sprintf("%s://%s", scheme, cfg.Host),
		appID:      cfg.AppID,
		key:        cfg.Key,
		secret:     []byte(cfg.Secret),
		cluster:    cfg.Cluster,
		host:       cfg.Host,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
		logger:     logger,
	}
}

// AuthenticatePrivate signs a private channel subscription for socketID.
// The result is the value of the "auth" field the Pusher client library
// expects.
func (c *PusherClient) AuthenticatePrivate(channelName, socketID string) string {
	return c.key + ":" + c.sign(socketID+":"+channelName)
}

func (c *PusherClient) sign(s string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedURL builds the request URL for path with the auth_* query
// parameters the API requires.
func (c *PusherClient) signedURL(method, path string, body []byte) string {
	sum := md5.Sum(body)
	params := url.Values{}
	params.Set("auth_key", c.key)
	params.Set("auth_timestamp", strconv.FormatInt(c.now().Unix(), 10))
	params.Set("auth_version", "1.0")
	params.Set("body_md5", hex.EncodeToString(sum[:]))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}
	query := strings.Join(pairs, "&")

	signature := c.sign(method + "\n" + path + "\n" + query)
	return c.baseURL + path + "?" + query + "&auth_signature=" + signature
}

// Trigger publishes one event on channelName.
func (c *PusherClient) Trigger(ctx context.Context, channelName, event string, data []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(triggerBody{Name: event, Channels: []string{channelName}, Data: string(data)})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	path := "/apps/" + c.appID + "/events"

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying relay request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		// The timestamp is part of the signature, so sign every attempt.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signedURL(http.MethodPost, path, body), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrRelayAuthFailed
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRelayRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("relay error: %d", resp.StatusCode)
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		c.logger.Debug("event published",
			zap.String("channel", channelName),
			zap.String("event", event),
		)
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
