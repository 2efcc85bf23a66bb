package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/auth"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

// Socket relays broadcasts over WebSocket connections served by this
// process. A client joins a relay channel by presenting the salt and
// authorization it got from the handshake endpoint.
type Socket struct {
	naming
	hub      *Hub
	tokens   *auth.Service
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	inbound InboundHandler
	filter  PayloadFilter
}

var (
	_ Adapter         = (*Socket)(nil)
	_ InboundSource   = (*Socket)(nil)
	_ RecipientFilter = (*Socket)(nil)
	_ http.Handler    = (*Socket)(nil)
)

// NewSocket creates the adapter. originAllowed decides which browser
// origins may connect.
func NewSocket(tokens *auth.Service, prefix string, originAllowed func(string) bool, logger *zap.Logger) *Socket {
	return &Socket{
		naming: naming{prefix: prefix},
		hub:    NewHub(logger),
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
		logger: logger,
	}
}

func (s *Socket) Kind() Kind { return SocketService }

func (s *Socket) SetInboundHandler(h InboundHandler) {
	s.mu.Lock()
	s.inbound = h
	s.mu.Unlock()
}

func (s *Socket) inboundHandler() InboundHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inbound
}

func (s *Socket) SetPayloadFilter(f PayloadFilter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Socket) payloadFilter() PayloadFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// Notify sends msg to every client joined to its relay channel. With a
// payload filter set, each distinct user gets the payload filtered for them.
func (s *Socket) Notify(ctx context.Context, msg outbox.Message) error {
	relay := s.RelayChannel(msg.Channel)
	filter := s.payloadFilter()
	if filter == nil {
		payload, err := messageFrame(relay, msg)
		if err != nil {
			return err
		}
		return s.hub.Broadcast(relay, payload)
	}

	if !s.hub.running.Load() {
		return fmt.Errorf("%w: socket hub not running", ErrTransportUnavailable)
	}
	frames := make(map[string][]byte)
	for _, c := range s.hub.members(relay) {
		key := recipientKey(c.user)
		frame, ok := frames[key]
		if !ok {
			filtered := msg
			filtered.Payload = filter(ctx, c.user, msg)
			var err error
			if frame, err = messageFrame(relay, filtered); err != nil {
				return err
			}
			frames[key] = frame
		}
		s.hub.push(c, frame)
	}
	return nil
}

func recipientKey(u channel.User) string {
	groups := slices.Clone(u.Groups)
	slices.Sort(groups)
	return u.ID + "\x00" + strings.Join(groups, ",")
}

func (s *Socket) ConnectInfo(ctx context.Context, ch channel.Channel, clientID, rootPath string) (Descriptor, error) {
	relay := s.RelayChannel(ch)
	return Descriptor{
		Transport:    SocketService,
		Channel:      relay,
		ClientID:     clientID,
		AuthEndpoint: joinPath(rootPath, "synchromesh-action-cable-auth", url.PathEscape(clientID), url.PathEscape(relay)),
		SocketURL:    socketURL(rootPath, clientID),
	}, nil
}

// RelayAuthenticate mints a fresh salt and binds it to (ch, clientID).
func (s *Socket) RelayAuthenticate(ctx context.Context, ch channel.Channel, clientID string) (RelayAuth, error) {
	if clientID == "" {
		return RelayAuth{}, ErrMissingSubject
	}
	salt, err := s.tokens.NewSalt()
	if err != nil {
		return RelayAuth{}, err
	}
	return RelayAuth{
		Authorization: s.tokens.Issue(salt, ch.String(), clientID),
		Salt:          salt,
	}, nil
}

func (s *Socket) authorizeJoin(relay, salt, authorization, clientID string) error {
	ch, err := s.ChannelFromRelay(relay)
	if err != nil {
		return err
	}
	if err := s.tokens.CheckSalt(salt); err != nil {
		return err
	}
	if !s.tokens.Verify(salt, ch.String(), clientID, authorization) {
		return channel.ErrDenied
	}
	return nil
}

// ServeHTTP upgrades a client connection. The client identifies itself with
// the client_id query parameter; the user comes from the request context
// (see WithUser).
func (s *Socket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}
	if !s.hub.running.Load() {
		http.Error(w, "socket service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("socket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		svc:      s,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		clientID: clientID,
		connID:   uuid.New().String(),
		user:     UserFrom(r.Context()),
		groups:   make(map[string]bool),
		logger:   s.logger,
	}
	if err := s.hub.add(client); err != nil {
		s.logger.Debug("socket client not registered", zap.Error(err))
		_ = conn.Close()
		return
	}
	s.hub.deliver(client, connectedFrame(clientID, client.connID))

	go client.writePump()
	go client.readPump()
}

func (s *Socket) Run(ctx context.Context) error {
	s.hub.Run(ctx)
	return nil
}

func (s *Socket) Stats() HubStats { return s.hub.Stats() }

func (s *Socket) Close() error { return nil }

// socketURL turns the application root into the WebSocket endpoint address.
func socketURL(rootPath, clientID string) string {
	u, err := url.Parse(rootPath)
	if err != nil {
		return fmt.Sprintf("%s?client_id=%s", joinPath(rootPath, "synchromesh-socket"), url.QueryEscape(clientID))
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = joinPath(u.Path, "synchromesh-socket")
	u.RawQuery = url.Values{"client_id": {clientID}}.Encode()
	return u.String()
}
