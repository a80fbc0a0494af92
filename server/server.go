package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"worshiproom/core/auth"
	"worshiproom/core/room"
	"worshiproom/logger"
	"worshiproom/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ArchiveReader serves archived room history.
type ArchiveReader interface {
	ReadArchive(ctx context.Context, roomID string) (*storage.RoomArchive, error)
}

// Server exposes the room engine over HTTP and WebSocket.
type Server struct {
	manager  *room.Manager
	tokens   *auth.TokenManager
	archives ArchiveReader
	checks   map[string]HealthCheck
	upgrader websocket.Upgrader
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithArchives enables GET /api/rooms/{room_id}/archive.
func WithArchives(a ArchiveReader) Option {
	return func(s *Server) {
		s.archives = a
	}
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// New builds the router.
func New(manager *room.Manager, tokens *auth.TokenManager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		tokens:  tokens,
		checks:  make(map[string]HealthCheck),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	s.registerRoomRoutes(router)
	router.HandleFunc("/ws/rooms/{room_id}", s.WebSocketHandler)
	// mux only runs Use middleware on matched routes, so preflights
	// would never reach it
	s.handler = corsMiddleware(router)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthHandler runs every registered check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}
