package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/broadcast"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/server"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

func publishCmd() *cobra.Command {
	var (
		serverURL string
		channelID string
		id        string
		attrs     []string
		signed    bool
		user      string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish OPERATION CLASS",
		Short: "Publish a change to a running service",
		Long: `Publish a change to a running service.

By default the change goes to /synchromesh-publish with the configured
publish_key. With --signed it is sent the way a relay forwards a client
update: to /console_update, authorized with a fresh salt and the secret.
A signed update also needs a policy rule granting the operation to --user.

Examples:
  synchromesh publish update Task --id 1 --attr title=done
  synchromesh publish create Task --channel @team --attr title=new
  synchromesh publish --signed --user admin destroy Task --id 1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := outbox.ParseOperation(args[0])
			if err != nil {
				return err
			}
			change := broadcast.Change{Class: args[1], ID: id, Attributes: map[string]any{}}
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --attr %q (use name=value)", kv)
				}
				change.Attributes[k] = v
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if signed {
				return publishSigned(ctx, serverURL, channelID, user, op, change)
			}
			return publishWithKey(ctx, serverURL, channelID, op, change)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "service base URL")
	cmd.Flags().StringVar(&channelID, "channel", "", "canonical channel (default: instance or class channel of the change)")
	cmd.Flags().StringVar(&id, "id", "", "record id")
	cmd.Flags().StringSliceVar(&attrs, "attr", nil, "attribute as name=value (repeatable)")
	cmd.Flags().BoolVar(&signed, "signed", false, "send as a relay-forwarded update")
	cmd.Flags().StringVar(&user, "user", "", "user a signed update is sent as")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func publishWithKey(ctx context.Context, serverURL, ch string, op outbox.Operation, change broadcast.Change) error {
	if cfg.PublishKey == "" {
		return fmt.Errorf("publish_key is not configured (set SYNCHROMESH_PUBLISH_KEY)")
	}
	body, err := json.Marshal(map[string]any{
		"channel":   ch,
		"operation": op,
		"change":    change,
	})
	if err != nil {
		return err
	}
	resp, err := post(ctx, serverURL+"/synchromesh-publish", body, cfg.PublishKey, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish failed: %s %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var msg outbox.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	logger.Info("published",
		zap.String("channel", msg.Channel.String()),
		zap.Uint64("sequence", msg.Sequence),
		zap.String("broadcastID", msg.BroadcastID),
	)
	return nil
}

func publishSigned(ctx context.Context, serverURL, name, user string, op outbox.Operation, change broadcast.Change) error {
	tokens, err := auth.NewService([]byte(cfg.Secret), cfg.TokenTTL)
	if err != nil {
		return err
	}

	var ch channel.Channel
	switch {
	case name != "":
		ch, err = channel.Parse(name)
	case change.ID != "":
		ch, err = channel.Normalize(channel.Instance{Class: change.Class, ID: change.ID})
	default:
		ch, err = channel.Normalize(channel.Class(change.Class))
	}
	if err != nil {
		return err
	}

	salt, err := tokens.NewSalt()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	broadcastID := outbox.NewBroadcastID()
	body, err := json.Marshal(transport.Inbound{
		Channel:       ch,
		Salt:          salt,
		BroadcastID:   broadcastID,
		Authorization: tokens.Issue(salt, ch.String(), broadcastID),
		Operation:     op,
		Payload:       payload,
	})
	if err != nil {
		return err
	}

	resp, err := post(ctx, serverURL+"/console_update", body, "", http.Header{server.UserHeader: {user}})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("update refused: %s", resp.Status)
	}
	logger.Info("update accepted",
		zap.String("channel", ch.String()),
		zap.String("broadcastID", broadcastID),
	)
	return nil
}

func post(ctx context.Context, url string, body []byte, bearer string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			if v != "" {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", url, err)
	}
	return resp, nil
}
