package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/api"
	"github.com/dgnsrekt/synchromesh/internal/config"
	"github.com/dgnsrekt/synchromesh/internal/monitor"
	"github.com/dgnsrekt/synchromesh/internal/transport"
)

// SilentRequestHeader marks requests that are not logged unless
// logging.noisy is set. Pollers send it on every read.
const SilentRequestHeader = "X-Synchromesh-Silent-Request"

// LoadSwagger parses the embedded OpenAPI document.
func LoadSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	return swagger, nil
}

// NewRouter builds the HTTP handler. mon may be nil, in which case the
// monitor stream is not served.
func NewRouter(server *Server, mon *monitor.Monitor, logger *zap.Logger) (http.Handler, error) {
	swagger, err := LoadSwagger()
	if err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(server.config.Server))
	r.Use(zapLoggerMiddleware(logger, server.config.Logging.Noisy))
	r.Use(sessionMiddleware)

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)
	r.Get("/healthz", server.Health)
	if socket, ok := server.dispatcher.Transport().(http.Handler); ok {
		r.Get("/synchromesh-socket", func(w http.ResponseWriter, req *http.Request) {
			socket.ServeHTTP(w, req.WithContext(transport.WithUser(req.Context(), userFrom(req))))
		})
	}
	if mon != nil {
		r.With(server.requirePublishKey).Get("/synchromesh-monitor", mon.HandleSSE)
	}

	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(middleware.Compress(5))
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))

		apiRouter.Get("/synchromesh-subscribe/{client_id}/{channel}", server.Subscribe)
		apiRouter.Delete("/synchromesh-subscribe/{client_id}/{channel}", server.Unsubscribe)
		apiRouter.Get("/synchromesh-read/{client_id}", server.Read)
		apiRouter.Get("/synchromesh-connect-to-transport/{client_id}/{channel}", server.ConnectToTransport)
		apiRouter.Post("/synchromesh-pusher-auth", server.PusherAuth)
		apiRouter.Post("/synchromesh-action-cable-auth/{client_id}/{channel_name}", server.SocketAuth)
		apiRouter.Post("/console_update", server.ConsoleUpdate)
		apiRouter.Post("/synchromesh-publish", server.Publish)
		apiRouter.Get("/server_up", server.ServerUp)
	})

	return r, nil
}

// NewHTTPServer wraps the router with the configured timeouts.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func corsMiddleware(cfg config.ServerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && cfg.OriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "*")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func zapLoggerMiddleware(logger *zap.Logger, noisy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !noisy && r.Header.Get(SilentRequestHeader) != "" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Synchromesh</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(html))
}
