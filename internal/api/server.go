package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/server"
	"github.com/rs/zerolog"
)

// UserIdHeader lets a client keep the same identity across connections.
const UserIdHeader = "X-User-Id"

type Server struct {
	log            zerolog.Logger
	db             database.RoomRepository
	srv            *http.Server
	hub            *server.Hub
	allowedOrigins []string
}

// NewServer mounts the relay endpoints on mux. The stats handler is expected
// to be registered on the same mux by the caller.
func NewServer(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, db database.RoomRepository, cfg *config.ServerConfig) *Server {
	s := &Server{
		log:            logger.With().Str("module", "api").Logger(),
		db:             db,
		hub:            hub,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /api/rooms/{code}", s.getRoom)
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", UserIdHeader}),
	)(mux)

	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
