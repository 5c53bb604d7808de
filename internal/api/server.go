// Package api exposes the engine's read-only dashboard endpoints and the
// JWT-gated human review surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawinfra/banditclaw/internal/engine"
	"github.com/clawinfra/banditclaw/internal/scheduler"
	"github.com/clawinfra/banditclaw/internal/security"
	"github.com/clawinfra/banditclaw/internal/store"
)

// Server is the HTTP API server
type Server struct {
	port       int
	engine     *engine.Engine
	db         *store.Store
	sched      *scheduler.Scheduler
	secret     []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server. sched may be nil when the scheduler
// is disabled; secret nil means dev mode (no auth).
func NewServer(port int, eng *engine.Engine, db *store.Store, sched *scheduler.Scheduler, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:   port,
		engine: eng,
		db:     db,
		sched:  sched,
		secret: secret,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the full route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/qtable", s.handleQTable)
	mux.HandleFunc("/api/variants", s.handleVariants)
	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/rollbacks", s.handleRollbacks)

	// Review actions require an authenticated reviewer.
	review := security.AuthMiddleware(s.secret)
	mux.Handle("/api/proposals/", review(security.RequireRole(security.RoleReviewer, s.secret,
		http.HandlerFunc(s.handleProposalReview))))
	mux.Handle("/api/variants/", review(security.RequireRole(security.RoleReviewer, s.secret,
		http.HandlerFunc(s.handleVariantReview))))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := s.engine.Summarize(false)

	pending := 0
	if props, err := s.db.Proposals(r.Context(), store.ProposalPending, 1000); err == nil {
		pending = len(props)
	}

	status := map[string]interface{}{
		"version":           "0.1.0",
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
		"policy":            summary.Policy,
		"qtable_entries":    summary.Entries,
		"variants":          summary.Variants,
		"pending_proposals": pending,
	}
	if s.sched != nil {
		status["scheduler"] = s.sched.GetStats()
	}

	s.respondJSON(w, status)
}

// handleQTable returns the value-table snapshot, optionally narrowed to one
// scope via ?agent=&taskType=.
func (s *Server) handleQTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent := r.URL.Query().Get("agent")
	taskType := r.URL.Query().Get("taskType")
	if agent != "" && taskType != "" {
		s.respondJSON(w, s.engine.Table().Entries(agent, taskType))
		return
	}
	s.respondJSON(w, s.engine.Table().Snapshot())
}

// handleVariants lists registered variants with status and lineage.
func (s *Server) handleVariants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.engine.Registry().All())
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
