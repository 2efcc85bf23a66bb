// Package transport delivers stored broadcasts to subscribed clients.
//
// Three adapters exist: the simple poller (clients fetch on their own
// schedule), managed push (a hosted pub/sub relay speaking the Pusher REST
// protocol) and the socket service (an in-process WebSocket relay).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

var (
	// ErrTransportUnavailable means the relay could not take the message.
	// The message is already stored; only the push failed.
	ErrTransportUnavailable = errors.New("transport relay unavailable")

	// ErrUnsupported is returned by adapters that have no relay handshake.
	ErrUnsupported = errors.New("operation not supported by transport")

	ErrUnknownTransport = errors.New("unknown transport")
	ErrMissingSubject   = errors.New("relay handshake needs a socket or client id")
)

// Kind names an adapter.
type Kind string

const (
	SimplePoller  Kind = config.TransportSimplePoller
	ManagedPush   Kind = config.TransportManagedPush
	SocketService Kind = config.TransportSocketService
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case SimplePoller, ManagedPush, SocketService:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

func (k Kind) String() string { return string(k) }

// Descriptor tells a freshly subscribed client how to receive updates.
type Descriptor struct {
	Transport          Kind    `json:"transport"`
	SecondsBetweenPoll float64 `json:"seconds_between_poll,omitempty"`
	Channel            string  `json:"channel,omitempty"`
	ClientID           string  `json:"client_id,omitempty"`
	Key                string  `json:"key,omitempty"`
	Cluster            string  `json:"cluster,omitempty"`
	Host               string  `json:"host,omitempty"`
	AuthEndpoint       string  `json:"auth_endpoint,omitempty"`
	SocketURL          string  `json:"socket_url,omitempty"`
}

// RelayAuth is the answer to a relay handshake. Managed push fills Auth,
// the socket service fills Authorization and Salt.
type RelayAuth struct {
	Auth          string `json:"auth,omitempty"`
	Authorization string `json:"authorization,omitempty"`
	Salt          string `json:"salt,omitempty"`
}

// Inbound is a client-originated update forwarded by a relay. It is only
// trusted once its authorization verifies.
type Inbound struct {
	Channel       channel.Channel  `json:"channel"`
	Salt          string           `json:"salt"`
	BroadcastID   string           `json:"broadcast_id"`
	Authorization string           `json:"authorization"`
	Operation     outbox.Operation `json:"operation"`
	Payload       json.RawMessage  `json:"payload"`

	// User is who the relay received the update from. It never comes from
	// the wire.
	User channel.User `json:"-"`
}

// InboundHandler accepts a forwarded update.
type InboundHandler func(ctx context.Context, in Inbound) (outbox.Message, error)

// Adapter is one delivery strategy.
type Adapter interface {
	Kind() Kind

	// Notify hands a stored message to the relay. It must not wait for
	// clients to receive it.
	Notify(ctx context.Context, msg outbox.Message) error

	// ConnectInfo describes how clientID receives future updates on ch.
	ConnectInfo(ctx context.Context, ch channel.Channel, clientID, rootPath string) (Descriptor, error)

	// RelayAuthenticate signs a relay handshake for subject (a socket id or
	// a client id). The caller has already checked channel policy.
	RelayAuthenticate(ctx context.Context, ch channel.Channel, subject string) (RelayAuth, error)

	// RelayChannel is the name ch goes by on the relay.
	RelayChannel(ch channel.Channel) string

	// ChannelFromRelay reverses RelayChannel.
	ChannelFromRelay(name string) (channel.Channel, error)

	// Run drives background delivery until ctx is cancelled.
	Run(ctx context.Context) error

	Close() error
}

// InboundSource is implemented by adapters whose relay forwards client
// writes.
type InboundSource interface {
	SetInboundHandler(h InboundHandler)
}

// PayloadFilter returns the payload of msg as user may see it.
type PayloadFilter func(ctx context.Context, user channel.User, msg outbox.Message) json.RawMessage

// RecipientFilter is implemented by adapters that know who each recipient
// is and can narrow payloads per user.
type RecipientFilter interface {
	SetPayloadFilter(f PayloadFilter)
}

type userKey struct{}

// WithUser attaches the caller's identity to a connection request.
func WithUser(ctx context.Context, user channel.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the identity set by WithUser, or the anonymous user.
func UserFrom(ctx context.Context) channel.User {
	u, _ := ctx.Value(userKey{}).(channel.User)
	return u
}

// naming maps canonical channels to relay channel names.
type naming struct {
	prefix string
}

func (n naming) RelayChannel(ch channel.Channel) string {
	return channel.WithPrefix(n.prefix, ch)
}

func (n naming) ChannelFromRelay(name string) (channel.Channel, error) {
	return channel.StripPrefix(n.prefix, name)
}

// New builds the adapter selected by cfg.Transport.
func New(cfg *config.Config, tokens *auth.Service, logger *zap.Logger) (Adapter, error) {
	kind, err := ParseKind(cfg.Transport)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("transport", kind.String()))

	switch kind {
	case SimplePoller:
		return NewPoller(cfg.ChannelPrefix, cfg.PollInterval()), nil
	case ManagedPush:
		client := NewPusherClient(cfg.Relay, logger)
		return NewPush(client, cfg.ChannelPrefix, cfg.Relay, logger), nil
	default:
		return NewSocket(tokens, cfg.ChannelPrefix, cfg.Server.OriginAllowed, logger), nil
	}
}

func joinPath(rootPath string, parts ...string) string {
	return strings.TrimRight(rootPath, "/") + "/" + strings.Join(parts, "/")
}
