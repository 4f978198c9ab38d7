package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/teresa-solution/tenant-client-manager/internal/config"
	"github.com/teresa-solution/tenant-client-manager/internal/crypto"
	"github.com/teresa-solution/tenant-client-manager/internal/events"
	"github.com/teresa-solution/tenant-client-manager/internal/logger"
	"github.com/teresa-solution/tenant-client-manager/internal/manager"
	"github.com/teresa-solution/tenant-client-manager/internal/monitoring"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
	"github.com/teresa-solution/tenant-client-manager/internal/service"
	"github.com/teresa-solution/tenant-client-manager/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logr := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	cipher, err := crypto.NewCipherFromBase64(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg, logr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential store")
	}
	defer repo.Close()

	publisher, err := openPublisher(cfg, logr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Kafka")
	}
	defer publisher.Close()

	factory := platform.NewTelegramFactory(platform.TelegramOptions{BotServerURL: cfg.Platform.BotAPIURL})

	mgr, err := manager.New(repo, cipher, factory,
		manager.WithMaxActiveInstances(cfg.Manager.MaxActiveInstances),
		manager.WithIdleTimeout(cfg.Manager.IdleTimeout()),
		manager.WithSweepInterval(cfg.Manager.SweepInterval),
		manager.WithDefaultRateLimit(cfg.Manager.DefaultRateLimitRPS),
		manager.WithDefaultMaxConcurrent(cfg.Manager.DefaultMaxConcurrentRequests),
		manager.WithShutdownTimeout(cfg.Manager.ShutdownTimeout),
		manager.WithInitTimeout(cfg.Manager.InitTimeout),
		manager.WithLogger(logr),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create instance manager")
	}
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start instance manager")
	}

	credentialService, err := service.NewCredentialService(service.Config{
		Repo:                repo,
		Cipher:              cipher,
		Factory:             factory,
		Instances:           mgr,
		Publisher:           publisher,
		Logger:              logr,
		ValidationQueueSize: cfg.Manager.ValidationQueueSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create credential service")
	}
	credentialService.Start(ctx)

	monitoring.InitMetrics()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}

	grpcServer := grpc.NewServer()
	service.RegisterCredentialAdminServer(grpcServer, service.NewServer(credentialService, mgr))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(service.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	go func() {
		log.Info().Msgf("gRPC server listening at %v", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("Failed to start gRPC server")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"instances": mgr.Stats(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Msgf("HTTP server for health checks and metrics started on port %d", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Manager.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	credentialService.Stop()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Instance manager shutdown incomplete")
	}
	log.Info().Msg("Server exiting")
}

// openRepository picks the store driver and puts the Redis cache in front of
// it when REDIS_ADDR is set
func openRepository(ctx context.Context, cfg *config.Config, logr zerolog.Logger) (store.Repository, error) {
	var repo store.Repository
	switch strings.ToLower(cfg.Store.Driver) {
	case config.StoreDriverMemory:
		log.Warn().Msg("Using in-memory credential store; records are lost on restart")
		repo = store.NewMemoryRepository()
	default:
		pg, err := store.NewPostgresRepository(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo = pg
	}

	if cfg.Redis.Addr == "" {
		return repo, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The cache falls back to the store on every error, so start anyway
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis is unreachable")
	}
	return store.NewCachedRepository(repo, rdb, cfg.Redis.CacheTTL, logr), nil
}

func openPublisher(cfg *config.Config, logr zerolog.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info().Msg("KAFKA_BROKERS not set, status events are discarded")
		return events.NopPublisher{}, nil
	}
	return events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.StatusTopic,
		Logger:  logr,
	})
}
