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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/aradsms/mailscheduler/internal/platform/config"
	"github.com/aradsms/mailscheduler/internal/platform/database"
	"github.com/aradsms/mailscheduler/internal/platform/logger"
	"github.com/aradsms/mailscheduler/internal/platform/messagebroker"
	"github.com/aradsms/mailscheduler/internal/platform/telemetry"

	httptransport "github.com/aradsms/mailscheduler/internal/public_api_service/transport/http"
	grpcadapter "github.com/aradsms/mailscheduler/internal/scheduler_service/adapters/grpc"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/adapters/jmap"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/app"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/repository/postgres"
)

const (
	serviceName     = "mailscheduler"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("Starting service...", "version", version)

	tel, err := telemetry.Init(mainCtx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELExporterEndpoint,
		Insecure:    cfg.OTELInsecure,
		SampleRate:  cfg.OTELSampleRate,
	}, version)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	startupCtx, startupCancel := context.WithTimeout(mainCtx, startupTimeout)
	defer startupCancel()

	dbPool, err := database.NewDBPool(startupCtx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("initialize database connection pool: %w", err)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	if cfg.MigrateOnStart {
		if err := database.Migrate(startupCtx, dbPool); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("Database migrations applied")
	}

	// Lifecycle events are optional; an empty NATS_URL disables them.
	var publisher app.EventPublisher
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		publisher = natsClient
		log.Info("NATS connection initialized")
	}

	provider, err := jmap.NewProvider(jmap.Config{
		SessionURL:     cfg.JMAPSessionURL,
		AuthMode:       cfg.JMAPAuthMode,
		BearerToken:    cfg.JMAPBearerToken,
		MasterUser:     cfg.JMAPMasterUser,
		MasterPassword: cfg.JMAPMasterPassword,
		SessionTTL:     cfg.JMAPSessionTTL,
	}, nil, log)
	if err != nil {
		return fmt.Errorf("configure jmap client: %w", err)
	}

	repo := postgres.NewPgScheduledSubmissionRepository(dbPool, log)
	policy := app.NewSchedulePolicy(app.PolicyConfig{
		MinLeadTime: cfg.ScheduleMinLeadTime,
		MaxHorizon:  cfg.ScheduleMaxHorizon,
	}, log)
	manager := app.NewManager(repo, provider, policy, app.NewEnvelopeBuilder(app.DefaultEnvelopeOptions()), publisher, log, app.ManagerConfig{
		CancelGrace:   cfg.ScheduleCancelGrace,
		RemoteTimeout: cfg.RemoteCallTimeout,
		MaxRecipients: cfg.ScheduleMaxRecipients,
	})
	sweep := app.NewReconciliationSweep(repo, provider, publisher, log, app.SweepConfig{
		Interval:              cfg.SweepInterval,
		BatchSize:             cfg.SweepBatchSize,
		Concurrency:           cfg.SweepConcurrency,
		StalePendingAfter:     cfg.SweepStalePendingAfter,
		AssumeSentWhenMissing: cfg.SweepAssumeSentWhenMissing,
		ScanPageSize:          cfg.SweepScanPageSize,
		RemoteTimeout:         cfg.RemoteCallTimeout,
	})

	handler := httptransport.NewSchedulerHandler(manager, sweep, log, validator.New())
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httptransport.NewRouter(handler, httptransport.RouterConfig{
			JWTAccessSecret:    []byte(cfg.JWTAccessSecret),
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			// Long enough for a reschedule that makes several remote calls.
			RequestTimeout: 4*cfg.RemoteCallTimeout + 10*time.Second,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcadapter.NewHealthReporter(dbPool, 0, log)
	grpcServer := grpcadapter.NewServer(health)

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		sweep.Start(groupCtx)
		return nil
	})

	g.Go(func() error {
		return health.Run(groupCtx)
	})

	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		log.Info("HTTP server stopped gracefully.")
		return nil
	})

	g.Go(func() error {
		grpcListenAddress := fmt.Sprintf(":%d", cfg.GRPCPort)
		log.Info("Starting gRPC server...", "address", grpcListenAddress)
		lis, err := net.Listen("tcp", grpcListenAddress)
		if err != nil {
			return fmt.Errorf("listen for gRPC: %w", err)
		}
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		log.Info("gRPC server stopped gracefully.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("Initiating server graceful shutdown...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	log.Info("Service components initialized and workers started. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
	case groupErr = <-watchGroup(g):
		if groupErr != nil {
			log.Error("A critical component failed, initiating shutdown", "error", groupErr)
		}
	}

	log.Info("Attempting graceful shutdown...")
	mainCancel()

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return groupErr
	}
	log.Info("Service shutdown complete.")
	return nil
}

// watchGroup returns a channel that receives the result of g.Wait().
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
		close(errCh)
	}()
	return errCh
}
