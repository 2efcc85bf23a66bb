package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dgnsrekt/synchromesh/internal/channel"
)

// Identity headers are set by the application in front of this service.
const (
	UserHeader    = "X-Synchromesh-User"
	GroupsHeader  = "X-Synchromesh-Groups"
	SessionCookie = "synchromesh_session"
)

type sessionKey struct{}

// sessionMiddleware makes sure every caller carries a session id so that
// subscriptions and reads from the same browser session line up.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
			id = c.Value
		} else {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

func sessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

func userFrom(r *http.Request) channel.User {
	u := channel.User{ID: strings.TrimSpace(r.Header.Get(UserHeader))}
	if u.ID == "" {
		return u
	}
	for _, g := range strings.Split(r.Header.Get(GroupsHeader), ",") {
		if g = strings.TrimSpace(g); g != "" {
			u.Groups = append(u.Groups, g)
		}
	}
	return u
}

// rootPath is the URL the client reached us under, up to the route marker.
// Transports build callback addresses from it.
func rootPath(r *http.Request, marker string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	prefix := r.URL.Path
	if i := strings.Index(prefix, marker); i >= 0 {
		prefix = prefix[:i]
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return scheme + "://" + r.Host + prefix
}
