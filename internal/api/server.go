// Package api exposes the management and chat HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/gateway"
	"github.com/octoforge/octogate/internal/scheduler"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// Server is the HTTP API server.
type Server struct {
	addr       string
	authSecret string
	store      *store.Store
	directory  *agent.Directory
	gateway    *gateway.Gateway
	runner     *scheduler.Runner
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wires the API over the running components. An empty authSecret
// disables bearer authentication.
func NewServer(addr, authSecret string, s *store.Store, dir *agent.Directory, gw *gateway.Gateway, runner *scheduler.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		authSecret: authSecret,
		store:      s,
		directory:  dir,
		gateway:    gw,
		runner:     runner,
		logger:     logger.With("component", "api"),
	}
}

// Handler builds the full routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /api/bots", s.handleListBots)
	mux.HandleFunc("DELETE /api/agents/{botID}", s.handleEvictAgent)

	mux.HandleFunc("GET /api/channels", s.handleListChannels)
	mux.HandleFunc("POST /api/channels/start", s.handleStartChannel)
	mux.HandleFunc("POST /api/channels/stop", s.handleStopChannel)

	mux.HandleFunc("POST /api/jobs/{jobID}/run", s.handleRunJob)
	mux.HandleFunc("GET /api/jobs/{jobID}/executions", s.handleJobExecutions)

	return s.corsMiddleware(s.loggingMiddleware(s.authMiddleware(mux)))
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "addr", s.addr, "auth", s.authSecret != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates HS256 bearer tokens on /api routes. The health
// endpoint stays open for probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.authSecret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(s.authSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			s.logger.Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errStatus maps domain errors to HTTP status codes.
func errStatus(err error) int {
	var upstream *types.UpstreamError
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConfigMissing),
		errors.Is(err, types.ErrConfigInvalid),
		errors.Is(err, types.ErrUnknownChannelType),
		errors.Is(err, types.ErrUnknownPlugin),
		errors.Is(err, types.ErrCronInvalid):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := errStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}
