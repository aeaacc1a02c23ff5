package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approval-governance/internal/app"
	"github.com/pesio-ai/be-approval-governance/internal/handler"
	"github.com/pesio-ai/be-approval-governance/internal/platform/config"
	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/platform/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Governance Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	applied, err := database.Migrate(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("Migrations applied")
	}

	publisher, closePublisher, err := app.NewPublisher(cfg.NATS, cfg.Service.Name, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer closePublisher()

	guard, closeGuard, err := app.NewGuard(ctx, cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rate limit guard")
	}
	defer closeGuard()

	// Initialize services
	svc := app.NewServices(db, publisher, cfg.Audit.BufferSize, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(svc.Approvals, svc.Policy, guard, log.Component("http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(&log.Logger))
	r.Use(middleware.Recovery(&log.Logger))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate)
		httpHandler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(svc.Approvals, guard, log.Logger)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryAuthInterceptor()))
	grpcHandler.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	// Flush audit entries queued by in-flight requests before the pool closes.
	if err := svc.Audit.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Audit emitter did not drain")
	}

	log.Info().Msg("Server stopped")
}
