package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/broadcast"
	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

// Server binds the dispatcher operations to HTTP.
type Server struct {
	dispatcher *broadcast.Dispatcher
	config     *config.Config
	logger     *zap.Logger
}

func NewServer(d *broadcast.Dispatcher, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		dispatcher: d,
		config:     cfg,
		logger:     logger,
	}
}

// Subscribe registers the caller's client on a channel.
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	_, err := s.dispatcher.Subscribe(r.Context(), broadcast.SubscribeRequest{
		ClientID:  chi.URLParam(r, "client_id"),
		Channel:   chi.URLParam(r, "channel"),
		User:      userFrom(r),
		SessionID: sessionFrom(r.Context()),
		RootPath:  rootPath(r, "synchromesh-subscribe"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := s.dispatcher.Unsubscribe(r.Context(), chi.URLParam(r, "client_id"), chi.URLParam(r, "channel"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Read returns everything pending for the client.
func (s *Server) Read(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.dispatcher.Read(r.Context(),
		chi.URLParam(r, "client_id"),
		sessionFrom(r.Context()),
		userFrom(r),
		rootPath(r, "synchromesh-read"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) ConnectToTransport(w http.ResponseWriter, r *http.Request) {
	out, err := s.dispatcher.ConnectToTransport(r.Context(),
		chi.URLParam(r, "client_id"),
		chi.URLParam(r, "channel"),
		userFrom(r),
		rootPath(r, "synchromesh-connect-to-transport"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PusherAuth signs a private channel subscription for the managed push
// relay. The relay client posts channel_name and socket_id as a form.
func (s *Server) PusherAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, broadcast.ErrMalformedRequest)
		return
	}
	ra, err := s.dispatcher.RelayAuthenticate(r.Context(),
		r.PostForm.Get("channel_name"),
		r.PostForm.Get("socket_id"),
		userFrom(r),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ra)
}

// SocketAuth issues the salt and authorization a client presents when it
// joins a channel on the socket relay.
func (s *Server) SocketAuth(w http.ResponseWriter, r *http.Request) {
	ra, err := s.dispatcher.RelayAuthenticate(r.Context(),
		chi.URLParam(r, "channel_name"),
		chi.URLParam(r, "client_id"),
		userFrom(r),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ra)
}

// ConsoleUpdate accepts an update a relay forwards on behalf of a client.
func (s *Server) ConsoleUpdate(w http.ResponseWriter, r *http.Request) {
	var in transport.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		// Indistinguishable from a bad authorization.
		s.writeError(w, r, broadcast.ErrUnauthorized)
		return
	}
	in.User = userFrom(r)
	if _, err := s.dispatcher.AcceptInboundUpdate(r.Context(), in); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Channel   string           `json:"channel"`
	Operation outbox.Operation `json:"operation"`
	Change    broadcast.Change `json:"change"`
}

// Publish lets an external event source push a change. It requires the
// publish key as a bearer token and is disabled when no key is configured.
func (s *Server) Publish(w http.ResponseWriter, r *http.Request) {
	if !s.publishAuthorized(r) {
		s.writeError(w, r, broadcast.ErrUnauthorized)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, broadcast.ErrMalformedRequest)
		return
	}

	var desc channel.Descriptor
	switch {
	case req.Channel != "":
		ch, err := channel.Parse(req.Channel)
		if err != nil {
			s.writeError(w, r, broadcast.ErrMalformedRequest)
			return
		}
		desc = ch
	case req.Change.ID != "":
		desc = channel.Instance{Class: req.Change.Class, ID: req.Change.ID}
	default:
		desc = channel.Class(req.Change.Class)
	}

	msg, err := s.dispatcher.Publish(r.Context(), desc, req.Operation, req.Change)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// requirePublishKey guards operator endpoints with the publish key.
func (s *Server) requirePublishKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.publishAuthorized(r) {
			s.writeError(w, r, broadcast.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) publishAuthorized(r *http.Request) bool {
	if s.config.PublishKey == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.PublishKey)) == 1
}

func (s *Server) ServerUp(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status    string              `json:"status"`
	Transport string              `json:"transport"`
	Hub       *transport.HubStats `json:"hub,omitempty"`
}

// Health reports the active transport and, for the socket relay, how many
// clients and channels it carries.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	tr := s.dispatcher.Transport()
	resp := healthResponse{Status: "ok", Transport: tr.Kind().String()}
	if socket, ok := tr.(*transport.Socket); ok {
		stats := socket.Stats()
		resp.Hub = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps dispatcher errors onto status codes. Refusals carry no
// body so callers cannot tell why they were refused.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broadcast.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, broadcast.ErrMalformedRequest):
		http.Error(w, "malformed request", http.StatusBadRequest)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
