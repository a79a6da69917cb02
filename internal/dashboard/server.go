// Package dashboard serves the ledger's HTTP surface: position and lot
// queries, the position summary, intent ingress, on-demand reconciliation,
// and a WebSocket feed of executor events.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/maut11/RHTBv5-sub000/internal/executor"
	"github.com/maut11/RHTBv5-sub000/internal/ledger"
	"github.com/maut11/RHTBv5-sub000/internal/metrics"
	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// IntentHandler executes trade intents. Satisfied by *executor.Executor.
type IntentHandler interface {
	Handle(ctx context.Context, intent executor.Intent) (*executor.Result, error)
}

// SyncFunc runs one broker reconciliation pass on demand.
type SyncFunc func(ctx context.Context) (*models.SyncResult, error)

// Config holds the server's listen and auth settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     ledger.Store
	intents   IntentHandler
	syncFunc  SyncFunc
	hub       *Hub
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer wires the routes. intents, syncFunc, and hub may each be nil; the
// corresponding endpoints then report 503.
func NewServer(cfg Config, store ledger.Store, intents IntentHandler, syncFunc SyncFunc, hub *Hub, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		intents:   intents,
		syncFunc:  syncFunc,
		hub:       hub,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(metrics.Middleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{ccid}", s.handleGetPosition)
		r.Get("/positions/{ccid}/lots", s.handleGetLots)
		r.Get("/summary", s.handleSummary)
		r.Post("/intents", s.handleCreateIntent)
		r.Post("/sync", s.handleSync)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			s.writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	status := models.PositionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
		return
	}

	positions, err := s.store.GetPositions(ticker, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list positions")
		s.writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	ccid := chi.URLParam(r, "ccid")

	position, err := s.store.GetPositionByCCID(ccid)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get position")
		s.writeError(w, "failed to get position", http.StatusInternalServerError)
		return
	}
	if position == nil {
		s.writeError(w, "position not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleGetLots(w http.ResponseWriter, r *http.Request) {
	ccid := chi.URLParam(r, "ccid")

	position, err := s.store.GetPositionByCCID(ccid)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get position")
		s.writeError(w, "failed to get position", http.StatusInternalServerError)
		return
	}
	if position == nil {
		s.writeError(w, "position not found", http.StatusNotFound)
		return
	}

	status := models.LotStatus(r.URL.Query().Get("status"))
	lots, err := s.store.GetLotsForPosition(ccid, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get lots")
		s.writeError(w, "failed to get lots", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []models.PositionLot{}
	}
	s.writeJSON(w, http.StatusOK, lots)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetPositionSummary()
	if err != nil {
		s.logger.WithError(err).Error("Failed to get summary")
		s.writeError(w, "failed to get summary", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	if s.intents == nil {
		s.writeError(w, "intent handling not configured", http.StatusServiceUnavailable)
		return
	}

	var intent executor.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := intent.Validate(); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.intents.Handle(r.Context(), intent)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, executor.ErrNoPosition):
			status = http.StatusNotFound
		case errors.Is(err, executor.ErrPositionLocked):
			status = http.StatusConflict
		case errors.Is(err, executor.ErrMissingPrice):
			status = http.StatusBadRequest
		}
		s.logger.WithError(err).WithField("action", intent.Action).Warn("Intent failed")
		s.writeError(w, err.Error(), status)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"action": intent.Action,
		"ticker": intent.Ticker,
		"fills":  len(result.Fills),
	}).Info("Intent executed")
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncFunc == nil {
		s.writeError(w, "sync not configured", http.StatusServiceUnavailable)
		return
	}

	result, err := s.syncFunc(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("On-demand sync failed")
		s.writeError(w, "sync failed", http.StatusInternalServerError)
		return
	}

	if s.hub != nil {
		s.hub.Publish(executor.Event{
			Type: executor.EventSync,
			Detail: fmt.Sprintf("added %d, updated %d, orphaned %d",
				result.PositionsAdded, result.PositionsUpdated, result.PositionsOrphaned),
			Time: time.Now().UTC(),
		})
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
