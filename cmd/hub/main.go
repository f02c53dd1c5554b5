// hub receives device heartbeats over gRPC, tracks device health, and answers
// clock sync requests on UDP.
package main

import (
	"context"
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
	healthhandler "github.com/uclgsr/hellobellohellobello-sub002/internal/health/handler"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/hub"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/security"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/server"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/producer"
)

func main() {
	missThreshold := pflag.Int("miss-threshold", hub.DefaultMissThreshold, "Missed heartbeat intervals before a device is unhealthy")
	noTimeSync := pflag.Bool("no-timesync", false, "Do not serve clock sync requests")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	var logger *slog.Logger
	if cfg.Env == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger, *missThreshold, !*noTimeSync); err != nil {
		logger.Error("hub exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, missThreshold int, timeSync bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceName := cfg.OTelServiceName
	if serviceName == "" {
		serviceName = "gsr-hub"
	}
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: serviceName,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		defer kp.Close()
		emitters = append(emitters, kp)
	}
	emitter := telemetry.Multi(emitters...)

	deps := server.Deps{Emitter: emitter, Logger: logger, Health: healthhandler.NewServer(nil, nil)}
	if cfg.DeviceTokenSecret != "" {
		tokens, err := security.NewTokenProvider([]byte(cfg.DeviceTokenSecret), cfg.DeviceTokenIssuer, cfg.TokenTTL())
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		logger.Warn("DEVICE_TOKEN_SECRET not set; heartbeats are accepted without authentication")
	}

	clk := clock.Real()
	hubSrv := hub.NewServer(hub.NewRegistry(cfg.HeartbeatEvery(), missThreshold), clk, emitter, logger)
	deps.Hub = hubSrv
	grpcServer := server.NewGRPCServer(deps)
	server.RegisterServices(grpcServer, deps)

	lis, err := net.Listen("tcp", cfg.HubGRPCAddr)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer func() {
		cancelLoops()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = hubSrv.Run(loopCtx)
	}()
	if timeSync {
		ts := &clocksync.TimeServer{Clock: clk, Logger: logger}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("time server listening", "addr", cfg.TimeSyncListenAddr)
			if err := ts.ListenAndServe(loopCtx, cfg.TimeSyncListenAddr); err != nil {
				logger.Error("time server stopped", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.HubGRPCAddr)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}
	logger.Info("shutting down", "devices", hubSrv.Registry().Summary().Total)
	grpcServer.GracefulStop()
	return nil
}
