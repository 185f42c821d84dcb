package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"apitracker/src/platform/config"
	"apitracker/src/platform/security"
	"apitracker/src/services/analytics"
	"apitracker/src/services/events"
	"apitracker/src/services/ingestion"
	"apitracker/src/services/ratelimit"
	"apitracker/src/storage/callers"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server owns the HTTP listener and the route table.
type Server struct {
	logger zerolog.Logger

	auth      *authenticator
	limiter   rateLimiter
	sink      activitySink
	usage     usageReader
	publisher eventPublisher
	streamer  streamServer
	registry  callerRegistry
	tokens    *security.TokenIssuer
	encryptor *security.Encryptor
	health    healthReporter

	defaultCeiling int
	window         time.Duration

	listener *http.Server
}

type ServerOptions struct {
	Config    config.ServerConfig
	RateLimit config.RateLimitConfig

	Registry  *callers.Store
	Tokens    *security.TokenIssuer
	Encryptor *security.Encryptor
	Limiter   *ratelimit.Limiter
	Pipeline  *ingestion.Pipeline
	Analytics *analytics.Service
	Fanout    *events.Fanout
	Streamer  *events.Streamer
	Health    healthReporter
	Logger    zerolog.Logger
}

func NewServer(options ServerOptions) *Server {
	server := &Server{
		logger:         options.Logger,
		auth:           newAuthenticator(options.Registry, options.Tokens, options.Logger),
		limiter:        options.Limiter,
		sink:           options.Pipeline,
		usage:          options.Analytics,
		publisher:      options.Fanout,
		streamer:       options.Streamer,
		registry:       options.Registry,
		tokens:         options.Tokens,
		encryptor:      options.Encryptor,
		health:         options.Health,
		defaultCeiling: options.RateLimit.DefaultCeiling,
		window:         options.RateLimit.Window,
	}

	server.listener = &http.Server{
		Addr:              net.JoinHostPort(options.Config.Host, fmt.Sprintf("%d", options.Config.Port)),
		Handler:           server.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return server
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerAPIKey},
		MaxAge:         300,
	}))

	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/register", s.handleRegister)

		// SSE does its own authentication: EventSource cannot set headers.
		r.Get("/usage/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireAPIKey)
			r.Use(rateLimit(s.limiter, s.window, s.logger))
			r.Post("/logs", s.handleSubmitLog)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireAuth)
			r.Use(rateLimit(s.limiter, s.window, s.logger))
			r.Get("/usage/daily", s.handleDailyUsage)
			r.Get("/usage/top", s.handleTopCallers)
			r.Get("/callers/me", s.handleMe)
		})
	})

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("request served")
	})
}

// Start binds the listener and serves in the background; a bind failure is
// returned synchronously.
func (s *Server) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", s.listener.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind '%s': %w", s.listener.Addr, err)
	}

	go func() {
		if err := s.listener.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http listener failed")
		}
	}()

	s.logger.Info().Msgf("http server listening on %s", s.listener.Addr)
	return nil
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) {
	defer s.auth.stop()

	if err := s.listener.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("http server shutdown failed")
	}
}
