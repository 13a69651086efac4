package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/config"
	"github.com/gymcloud/accessd/internal/grpcapi"
	"github.com/gymcloud/accessd/internal/httpapi"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/ratelimit"
)

const shutdownGrace = 10 * time.Second

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs and the expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.Named("serve")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	registry := service.NewDeviceRegistry(st.devices, service.RegistryConfig{
		PairingTTL:    cfg.Access.PairingTTL,
		APIBaseURL:    cfg.HTTP.PublicBaseURL,
		TokenCacheTTL: cfg.Access.TokenCacheTTL,
		Metrics:       m,
	})
	creds := service.NewCredentialService(st.credentials, st.members, service.CredentialConfig{})
	enroll := service.NewEnrollmentCoordinator(creds, nil)
	queue := service.NewCommandQueue(st.commands, service.QueueConfig{DefaultTTL: cfg.Access.CommandTTL, Metrics: m})
	access := service.NewAccessService(service.AccessDeps{
		Registry:    registry,
		Credentials: creds,
		Guard:       service.NewGuard(),
		Enrollment:  enroll,
		Queue:       queue,
		Events:      st.events,
		Metrics:     m,
	})

	limiter, closeLimiter := agentLimiter(cfg)
	defer closeLimiter()

	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Addr:         cfg.HTTP.Addr,
		Access:       access,
		Metrics:      m,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		JWTIssuer:    cfg.Auth.JWTIssuer,
		AgentLimiter: limiter,
	})
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty; operator routes will reject every request")
	}

	var (
		grpcSrv *grpcapi.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		grpcSrv = grpcapi.NewServer(grpcapi.Dependencies{Access: access, Metrics: m, Limiter: limiter})
	}

	sweeper := service.NewSweeper(queue, enroll, cfg.Access.SweepInterval, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			log.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			return grpcSrv.Serve(grpcLis)
		})
	}

	sweeper.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		sweeper.Stop()
		if grpcSrv != nil {
			grpcSrv.Shutdown(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// agentLimiter combines the per-replica token bucket with the shared redis
// window when redis is configured.
func agentLimiter(cfg config.Config) (ratelimit.Limiter, func()) {
	rl := cfg.RateLimit
	if rl.PerSecond <= 0 {
		return nil, func() {}
	}
	local := ratelimit.NewKeyLimiter(rl.PerSecond, rl.Burst)
	if cfg.Redis.Addr == "" || rl.PerMinute <= 0 {
		return local, func() {}
	}

	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log := logger.Named("ratelimit")
	chain := ratelimit.Chain{
		Limiters: []ratelimit.Limiter{local, ratelimit.NewRedisLimiter(client, "accessd:agent:", rl.PerMinute, time.Minute)},
		OnError: func(key string, err error) {
			log.Warn("shared rate limit unavailable", zap.String("key", key), logger.Err(err))
		},
	}
	log.Info("shared agent rate limit enabled", zap.String("redis", cfg.Redis.Addr), zap.Int("per_minute", rl.PerMinute))
	return chain, func() { _ = client.Close() }
}
