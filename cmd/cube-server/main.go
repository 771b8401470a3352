package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"cube-engine/internal/api"
	"cube-engine/internal/auth"
	"cube-engine/internal/config"
	"cube-engine/internal/cube"
	"cube-engine/internal/logger"
	"cube-engine/internal/metrics"
	"cube-engine/internal/storage/block"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cube-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	log.Info("🧊 Starting cube server", "version", version, "commit", commit)
	log.Info("📋 Cube server configuration",
		"cube", cfg.Cube.Name,
		"schema_file", cfg.Cube.SchemaFile,
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Backend,
		"cache_enabled", cfg.Cube.CacheEnabled,
		"cache_max_entries", cfg.Cube.CacheMaxEntries,
		"auth_enabled", cfg.Auth.Enabled)
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := buildCube(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("✅ Cube ready", "rows", c.RowCount(), "batches", c.BatchCount(), "fields", len(c.Schema().Fields))

	var authenticator auth.Authenticator
	if cfg.Auth.Enabled {
		authenticator = auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	}
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.NewServer(c, api.Options{
			Authenticator: authenticator,
			QueryTimeout:  cfg.QueryTimeoutDuration(),
			Logger:        log,
			Version:       version,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(c.Name(), healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("🌐 HTTP API listening", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("📡 gRPC health listening", "port", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Shutting down cube server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("👋 Cube server stopped")
	return nil
}

// buildCube creates the served cube from its definition file, or an empty
// cube when none is configured
func buildCube(ctx context.Context, cfg *config.Config, log *slog.Logger) (*cube.Cube, error) {
	opts := cfg.CubeOptions(log)
	if cfg.Cube.SchemaFile == "" {
		log.Warn("⚠️ No CUBE_SCHEMA_FILE set, serving an empty cube")
		return cube.New(cfg.Cube.Name, opts)
	}

	def, err := cube.LoadDefinition(cfg.Cube.SchemaFile)
	if err != nil {
		return nil, err
	}
	storage, err := block.NewFactory().Create(ctx, cfg.BlockConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.Storage.Backend, err)
	}
	if err := storage.Health(ctx); err != nil {
		return nil, fmt.Errorf("storage is not healthy: %w", err)
	}

	log.Info("📥 Loading cube definition", "file", cfg.Cube.SchemaFile, "sources", len(def.Sources))
	return def.Build(ctx, opts, storage)
}
