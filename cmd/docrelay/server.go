package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"docrelay/internal/middleware"
	"docrelay/internal/models"
	"docrelay/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 3 * time.Second

type Server struct {
	cfg     *models.Config
	app     *application
	router  *mux.Router
	limiter *RateLimiter
	logger  *logrus.Logger
	server  *http.Server
}

func NewServer(cfg *models.Config, app *application, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		app:     app,
		router:  mux.NewRouter(),
		limiter: NewRateLimiter(cfg.Server.RateLimitPerMinute, time.Minute),
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.app.recorder, s.cfg.Server.TrustProxy))

	s.router.HandleFunc("/", s.handleIndex()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.Handle("/metrics/prometheus", s.app.recorder.PrometheusHandler()).Methods(http.MethodGet)

	// Platform callbacks. Only URL verification is rate limited: message
	// callbacks arrive from the platform's shared egress IPs and must always
	// be answered with 200, or the platform retries them.
	limit := s.limiter.Middleware(s.cfg.Server.TrustProxy, s.logger)
	s.router.Handle(s.cfg.Callback.Path, limit(http.HandlerFunc(s.app.callback.HandleVerify))).Methods(http.MethodGet)
	s.router.HandleFunc(s.cfg.Callback.Path, s.app.callback.HandleMessage).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.Server.ReadTimeoutSec),
		WriteTimeout: seconds(s.cfg.Server.WriteTimeoutSec),
		IdleTimeout:  seconds(s.cfg.Server.IdleTimeoutSec),
	}

	s.logger.Infof("Starting server on port %d (callback path %s)", s.cfg.Server.Port, s.cfg.Callback.Path)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type backendHealth struct {
	Name    string                `json:"name"`
	Status  string                `json:"status"`
	Error   string                `json:"error,omitempty"`
	Breaker *circuitbreaker.Stats `json:"breaker,omitempty"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Service  string          `json:"service"`
	Version  string          `json:"version"`
	Jobs     int64           `json:"jobs_in_flight"`
	Backends []backendHealth `json:"backends,omitempty"`
}

// handleHealth always answers 200 while the process serves requests;
// remote backend reachability is reported per backend.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Service: "docrelay",
			Version: Version,
			Jobs:    s.app.dispatcher.InFlight(),
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		for _, remote := range s.app.remotes() {
			h := backendHealth{Name: remote.Name(), Status: "up"}
			if err := remote.Ping(ctx); err != nil {
				h.Status = "down"
				h.Error = err.Error()
			}
			if b := remote.Breaker(); b != nil {
				stats := b.Stats()
				h.Breaker = &stats
			}
			resp.Backends = append(resp.Backends, h)
		}

		writeJSON(w, http.StatusOK, resp, s.logger)
	}
}

func (s *Server) handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "docrelay converts documents sent to the account into PDF",
			"health":  "/health",
			"wechat":  s.cfg.Callback.Path,
		}, s.logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *logrus.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("Failed to encode response")
	}
}
