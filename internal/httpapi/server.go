package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/ratelimit"
)

type Dependencies struct {
	Addr    string
	Access  *service.AccessService
	Metrics *metrics.Metrics

	// JWTSecret verifies operator bearer tokens. Empty disables every
	// operator route (they answer 401).
	JWTSecret []byte
	JWTIssuer string

	// AgentLimiter throttles the agent routes per client address. Nil
	// disables throttling.
	AgentLimiter ratelimit.Limiter
}

type Server struct {
	httpServer *http.Server
	router     chi.Router
	access     *service.AccessService
	metrics    *metrics.Metrics
	jwtSecret  []byte
	jwtIssuer  string
	limiter    ratelimit.Limiter
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		access:    d.Access,
		metrics:   d.Metrics,
		jwtSecret: d.JWTSecret,
		jwtIssuer: d.JWTIssuer,
		limiter:   d.AgentLimiter,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogging(s.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1/agent", func(r chi.Router) {
		r.Use(throttle(s.limiter))
		r.Post("/pair", s.handlePair)
		r.Post("/events", s.handleEvent)
		r.Get("/commands/poll", s.handlePoll)
		r.Post("/commands/{commandID}/ack", s.handleAck)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)

		r.Route("/v1/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handlePatchDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Put("/config", s.handlePutConfig)
				r.Post("/pairing/rotate", s.handleRotatePairing)
				r.Post("/token/revoke", s.handleRevokeToken)
				r.Post("/unlock", s.handleRemoteUnlock)
				r.Get("/commands", s.handleListCommands)
				r.Post("/enroll", s.handleStartEnroll)
				r.Get("/enroll", s.handleGetEnroll)
				r.Delete("/enroll", s.handleCancelEnroll)
			})
		})
		r.Get("/v1/commands/{commandID}", s.handleGetCommand)
		r.Post("/v1/commands/{commandID}/cancel", s.handleCancelCommand)

		r.Get("/v1/credentials", s.handleListCredentials)
		r.Post("/v1/credentials", s.handleBindCredential)
		r.Delete("/v1/credentials/{credentialID}", s.handleUnbindCredential)
		r.Put("/v1/members/{usuarioID}/dni", s.handleSetDNI)

		r.Get("/v1/events", s.handleListEvents)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
