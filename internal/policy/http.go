package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

// HTTP asks a remote service every permission question. The service exposes
// POST {base}/connection, {base}/attribute and {base}/action, each answering
// {"allowed": bool}.
type HTTP struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ channel.Oracle = (*HTTP)(nil)

type userBody struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups,omitempty"`
}

type modelBody struct {
	Class string `json:"class"`
	ID    string `json:"id,omitempty"`
}

type question struct {
	User      userBody   `json:"user"`
	Channel   string     `json:"channel,omitempty"`
	Model     *modelBody `json:"model,omitempty"`
	Attribute string     `json:"attribute,omitempty"`
	Action    string     `json:"action,omitempty"`
}

type answer struct {
	Allowed bool `json:"allowed"`
}

// NewHTTP creates a remote oracle. token, when set, is sent as a bearer
// token on every call.
func NewHTTP(baseURL, token string, ratePerSec float64, timeout time.Duration, retryCount int, logger *zap.Logger) (*HTTP, error) {
	if baseURL == "" {
		return nil, ErrEmptyEndpoint
	}
	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 20,
		IdleConnTimeout: 90 * time.Second,
	}
	burst := int(ratePerSec * 2)
	if burst < 1 {
		burst = 1
	}

	return &HTTP{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		retryCount: retryCount,
		retryDelay: 100 * time.Millisecond,
		logger:     logger,
	}, nil
}

func toUser(u channel.User) userBody {
	return userBody{ID: u.ID, Groups: u.Groups}
}

func (h *HTTP) ConnectionAllowed(ctx context.Context, user channel.User, ch channel.Channel) (bool, error) {
	return h.ask(ctx, "connection", question{User: toUser(user), Channel: ch.String()})
}

func (h *HTTP) AttributeReadable(ctx context.Context, user channel.User, model channel.Model, attr string) (bool, error) {
	return h.ask(ctx, "attribute", question{
		User:      toUser(user),
		Model:     &modelBody{Class: model.Class, ID: model.ID},
		Attribute: attr,
	})
}

func (h *HTTP) ActionPermitted(ctx context.Context, user channel.User, model channel.Model, action channel.Action) (bool, error) {
	return h.ask(ctx, "action", question{
		User:   toUser(user),
		Model:  &modelBody{Class: model.Class, ID: model.ID},
		Action: string(action),
	})
}

func (h *HTTP) ask(ctx context.Context, kind string, q question) (bool, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(q)
	if err != nil {
		return false, fmt.Errorf("encoding question: %w", err)
	}
	url := h.baseURL + "/" + kind
	h.logger.Debug("asking policy service", zap.String("url", url))

	var lastErr error
	for attempt := 0; attempt <= h.retryCount; attempt++ {
		if attempt > 0 {
			delay := h.retryDelay * time.Duration(1<<(attempt-1))
			h.logger.Debug("retrying policy request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return false, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}

		resp, err := h.httpClient.Do(req)
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
		case resp.StatusCode == http.StatusUnauthorized:
			return false, ErrAuthFailed
		case resp.StatusCode == http.StatusForbidden:
			// A plain refusal, not a failure of the service.
			return false, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var a answer
		if err := json.Unmarshal(respBody, &a); err != nil {
			return false, fmt.Errorf("decoding response: %w", err)
		}
		return a.Allowed, nil
	}

	return false, fmt.Errorf("max retries exceeded: %w", lastErr)
}
