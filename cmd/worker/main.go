// Worker consumes session and hub events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, TELEMETRY_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/config"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/loki"
)

func main() {
	pushTimeout := pflag.Duration("push-timeout", 10*time.Second, "Timeout for one Loki push")
	fromStart := pflag.Bool("from-start", false, "Read the topic from the first offset when the group has no commit")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) == 0 {
		logger.Error("worker: KAFKA_BROKERS is required")
		os.Exit(1)
	}
	if cfg.LokiURL == "" {
		logger.Error("worker: LOKI_URL is required")
		os.Exit(1)
	}

	push, err := loki.NewClient(cfg.LokiURL, nil)
	if err != nil {
		logger.Error("worker", "error", err)
		os.Exit(1)
	}

	topic := cfg.TelemetryKafkaTopic
	if topic == "" {
		topic = "gsr-session-events"
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "gsr-event-worker"
	}
	startOffset := kafka.LastOffset
	if *fromStart {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
		StartOffset:    startOffset,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker: consuming", "topic", topic, "group", groupID, "loki", cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker: stopped")
				return
			}
			logger.Warn("worker: kafka read error", "error", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, *pushTimeout)
		if err := push.PushEventJSON(pushCtx, msg.Value); err != nil {
			logger.Warn("worker: loki push failed", "error", err, "partition", msg.Partition, "offset", msg.Offset)
		}
		pushCancel()
	}
}
