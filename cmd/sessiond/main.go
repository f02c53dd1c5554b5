// sessiond runs the recording session orchestrator on a device: crash recovery at boot,
// the control gRPC service, and the optional hub heartbeat and clock sync loops.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/clocksync"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/config"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/db"
	healthhandler "github.com/uclgsr/hellobellohellobello-sub002/internal/health/handler"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/heartbeat"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/hub"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/orchestrator"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/policy/engine"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/recorder"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/recovery"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/security"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/server"
	sessionhandler "github.com/uclgsr/hellobellohellobello-sub002/internal/session/handler"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/producer"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/validation"
)

func main() {
	recordersFile := pflag.String("recorders", "", "Recorder layout YAML (overrides RECORDERS_FILE)")
	scanOnly := pflag.Bool("scan-only", false, "Run the crash recovery scan and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if *recordersFile != "" {
		cfg.RecordersFile = *recordersFile
	}
	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *scanOnly); err != nil {
		logger.Error("sessiond exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.Config, logger *slog.Logger, scanOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	started := time.Now()

	serviceName := cfg.OTelServiceName
	if serviceName == "" {
		serviceName = "gsr-sessiond"
	}
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: serviceName,
		DeviceID:    cfg.DeviceID,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer shutdownWithTimeout(providers.Shutdown)

	metrics, err := telemetryotel.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		defer kp.Close()
		emitters = append(emitters, kp)
		logger.Info("kafka event export enabled", "topic", cfg.TelemetryKafkaTopic)
	}
	emitter := telemetry.Multi(emitters...)

	store, database, err := openStore(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	clk := clock.Real()
	scanOpts := []recovery.Option{
		recovery.WithClock(clk),
		recovery.WithTelemetry(cfg.DeviceID, emitter, metrics),
		recovery.WithLogger(logger),
	}
	if scanOnly {
		scanner := recovery.NewScanner(store, scanOpts...)
		result, err := scanner.Scan(ctx)
		if err != nil {
			return err
		}
		cleanupCrashed(ctx, scanner, cfg.CrashedRetentionDays, logger)
		logger.Info("recovery scan complete", "scanned", result.ScannedCount, "crashed", result.CrashedSessionIDs(), "errors", len(result.Errors))
		return nil
	}

	policy, err := prerequisitePolicy(cfg, logger)
	if err != nil {
		return err
	}
	validator, err := validation.New(store, logger)
	if err != nil {
		return err
	}

	var syncSvc *clocksync.Service
	if cfg.TimeSyncAddr != "" {
		syncSvc = clocksync.NewService(clocksync.Config{
			Interval:   cfg.ClockSyncEvery(),
			Samples:    cfg.ClockSyncSamples,
			AccuracyMs: cfg.ClockSyncAccuracyMs,
		}, clocksync.NewUDPTransport(cfg.TimeSyncAddr, cfg.ClockSyncRequestTimeout(), clk), clk, metrics, logger)
	}

	deps := orchestrator.Deps{
		Store:     store,
		Policy:    policy,
		Env:       orchestrator.HostEnvironment{Granted: cfg.GrantedPermissions()},
		Clock:     clk,
		Validator: validator,
		Emitter:   emitter,
		Metrics:   metrics,
		Logger:    logger,
	}
	if syncSvc != nil {
		deps.ClockSync = syncSvc
	}
	orch, err := orchestrator.New(orchestrator.Config{
		ArtifactRoot:        cfg.StorageRoot,
		DeviceID:            cfg.DeviceID,
		MinStorageBytes:     cfg.MinFreeStorageBytes(),
		RequiredPermissions: cfg.RequiredPermissionList(),
		HealthCheckInterval: cfg.HealthCheckEvery(),
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		RecoveryDelay:       cfg.RecoveryWait(),
	}, deps)
	if err != nil {
		return err
	}
	if err := registerRecorders(orch, cfg.RecordersFile, logger); err != nil {
		return err
	}
	scanner := recovery.NewScanner(store, append(scanOpts, recovery.WithActiveSession(orch))...)
	if _, err := orch.RunRecovery(ctx, scanner.Scan); err != nil {
		return err
	}
	cleanupCrashed(ctx, scanner, cfg.CrashedRetentionDays, logger)

	var wg sync.WaitGroup
	defer wg.Wait()
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	controlOpts := []sessionhandler.Option{}
	if syncSvc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncSvc.Run(loopCtx)
		}()
		controlOpts = append(controlOpts, sessionhandler.WithClockSyncStats(syncSvc.Stats))
	}
	if cfg.HubAddr != "" {
		hb, closeHub, err := heartbeatService(cfg, orch, clk, emitter, metrics, logger, started)
		if err != nil {
			return err
		}
		defer closeHub()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hb.Run(loopCtx); err != nil {
				logger.Error("heartbeat stopped", "error", err)
			}
		}()
		controlOpts = append(controlOpts, sessionhandler.WithHeartbeatStatus(hb.Status))
	}

	var pinger healthhandler.Pinger
	if database != nil {
		pinger = database
	}
	var policyCheck healthhandler.PolicyChecker
	if opa, ok := policy.(*engine.OPAEvaluator); ok {
		policyCheck = opa
	}
	srvDeps := server.Deps{
		Emitter: emitter,
		Logger:  logger,
		Health:  healthhandler.NewServer(pinger, policyCheck),
		Control: sessionhandler.NewServer(orch, scanner, controlOpts...),
	}
	grpcServer := server.NewGRPCServer(srvDeps)
	server.RegisterServices(grpcServer, srvDeps)

	lis, err := net.Listen("tcp", cfg.ControlGRPCAddr)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control service listening", "addr", cfg.ControlGRPCAddr, "device_id", cfg.DeviceID)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancelLoops()
		return err
	}

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rec, err := orch.StopSession(stopCtx); err != nil {
		logger.Warn("stop active session", "error", err)
	} else if rec != nil {
		logger.Info("stopped active session on shutdown", "session_id", rec.ID, "status", rec.Status)
	}
	cancelLoops()
	grpcServer.GracefulStop()
	return nil
}

func openStore(cfg *config.Config) (repository.Repository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		store, err := repository.NewFileRepository(cfg.StorageRoot)
		return store, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresRepository(database), database, nil
}

func prerequisitePolicy(cfg *config.Config, logger *slog.Logger) (engine.Evaluator, error) {
	module := ""
	if cfg.PrerequisitePolicyFile != "" {
		data, err := os.ReadFile(cfg.PrerequisitePolicyFile)
		if err != nil {
			return nil, err
		}
		module = string(data)
	}
	return engine.NewOPAEvaluator(module, logger)
}

func registerRecorders(orch *orchestrator.Orchestrator, path string, logger *slog.Logger) error {
	if path == "" {
		logger.Warn("no recorder layout configured; sessions will not start")
		return nil
	}
	layout, err := recorder.LoadLayout(path)
	if err != nil {
		return err
	}
	for _, e := range layout.Recorders {
		opts := []orchestrator.RegisterOption{orchestrator.WithKind(e.ParsedKind())}
		if e.Required {
			opts = append(opts, orchestrator.Required())
		}
		capability := e.Capability(logger)
		capability.OnExit = orch.ExitReporter(e.Name)
		if err := orch.Register(e.Name, capability, opts...); err != nil {
			return err
		}
	}
	logger.Info("recorders registered", "count", len(layout.Recorders))
	return nil
}

func heartbeatService(cfg *config.Config, orch *orchestrator.Orchestrator, clk clock.Clock, emitter telemetry.EventEmitter, metrics *telemetryotel.Metrics, logger *slog.Logger, started time.Time) (*heartbeat.Service, func(), error) {
	tokens, err := security.NewTokenProvider([]byte(cfg.DeviceTokenSecret), cfg.DeviceTokenIssuer, cfg.TokenTTL())
	if err != nil {
		return nil, nil, err
	}
	transport := hub.NewGRPCTransport(cfg.HubAddr, cfg.DeviceID, tokens)
	svc := heartbeat.NewService(heartbeat.Config{
		DeviceID:             cfg.DeviceID,
		Interval:             cfg.HeartbeatEvery(),
		ReconnectBackoff:     cfg.ReconnectWait(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, transport, heartbeat.HostMetadata{
		Recording:   orch.IsRecording,
		StorageRoot: cfg.StorageRoot,
		Started:     started,
	},
		heartbeat.WithClock(clk),
		heartbeat.WithTelemetry(emitter, metrics),
		heartbeat.WithLogger(logger),
	)
	return svc, func() { _ = transport.Close() }, nil
}

func cleanupCrashed(ctx context.Context, scanner *recovery.Scanner, days int, logger *slog.Logger) {
	if days <= 0 {
		return
	}
	if _, err := scanner.CleanupOldCrashed(ctx, days); err != nil {
		logger.Warn("crashed session cleanup failed", "error", err)
	}
}

func shutdownWithTimeout(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("telemetry shutdown", "error", err)
	}
}
