// Package api exposes the router's HTTP surface: config discovery, book
// aggregation, route previews, order submission and inspection. Handlers
// translate requests into engine calls; anything long-running happens on
// the engine's background loop. Business failures come back as
// {"error": ...} bodies with a 200, transport-level failures use real
// status codes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/premarket-labs/router/internal/config"
	"github.com/premarket-labs/router/internal/engine"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/relay"
	"github.com/premarket-labs/router/internal/venue"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Server is the HTTP gateway.
type Server struct {
	router  *mux.Router
	server  *http.Server
	cfg     *config.Config
	engine  *engine.Engine
	store   *order.Store
	venues  *venue.Registry
	relay   *relay.Relay
	catalog *config.Catalog
}

// NewServer wires the gateway over its collaborators.
func NewServer(cfg *config.Config, eng *engine.Engine, store *order.Store, venues *venue.Registry, rl *relay.Relay, catalog *config.Catalog) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		cfg:     cfg,
		engine:  eng,
		store:   store,
		venues:  venues,
		relay:   rl,
		catalog: catalog,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/config", s.handleConfig).Methods("GET")
	api.HandleFunc("/event-platforms", s.handleEventPlatforms).Methods("GET")
	api.HandleFunc("/orderbook/all", s.handleOrderbookAll).Methods("GET")
	api.HandleFunc("/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/order", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/sell", s.handleCreateSell).Methods("POST")
	api.HandleFunc("/order/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/kill-order/{id}", s.handleKillOrder).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":"not found: %s"}`, r.URL.Path)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http gateway listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http gateway shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(wrapper.statusCode)).Observe(duration.Seconds())

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
