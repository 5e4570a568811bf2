// Package server provides the HTTP API: inbound message ingestion, stop and
// resume controls, the websocket endpoint for the web channel, and health.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/golemcore/botcore/internal/channel/web"
	"github.com/golemcore/botcore/internal/otel"
	"github.com/golemcore/botcore/internal/session"
)

const defaultTimeout = 30 * time.Second

// Dispatcher is the message-intake surface the API drives. Satisfied by
// *dispatch.Coordinator.
type Dispatcher interface {
	Enqueue(msg session.Message) error
	RequestStop(channelType, chatID string)
	Resume(channelType, chatID string)
}

// Server holds the HTTP API dependencies.
type Server struct {
	router      *chi.Mux
	dispatcher  Dispatcher
	hub         *web.Hub
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
	version     string
}

// Option configures the Server.
type Option func(*Server)

// WithWebHub mounts the websocket endpoint for the web channel.
func WithWebHub(hub *web.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server. apiKeys maps key -> client name; an empty map
// disables authentication (single-operator development mode).
func NewServer(dispatcher Dispatcher, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		dispatcher:  dispatcher,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
		version:     "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Websocket attach holds the connection open, so no request timeout.
	if s.hub != nil {
		r.Get("/ws", s.handleWebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/messages", s.handleInboundMessage)
		r.Post("/v1/conversations/{channel}/{chat_id}/stop", s.handleStop)
		r.Post("/v1/conversations/{channel}/{chat_id}/resume", s.handleResume)
	})

	return r
}
