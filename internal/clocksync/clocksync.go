// Package clocksync estimates the offset between the local monotonic clock
// and a remote time authority using four-timestamp request/response exchanges.
package clocksync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
)

// ErrSampleTimeout is returned by a transport when no reply arrives in time.
var ErrSampleTimeout = errors.New("clocksync: sample timed out")

const (
	DefaultInterval   = 30 * time.Second
	DefaultSamples    = 3
	DefaultAccuracyMs = 5.0
)

// Sample holds one exchange: t1 local send, t2 remote receive, t3 remote send, t4 local receive.
// All values are nanoseconds.
type Sample struct {
	T1, T2, T3, T4 int64
}

// Offset is the estimated remote minus local clock difference.
func (s Sample) Offset() int64 {
	return ((s.T2 - s.T1) + (s.T3 - s.T4)) / 2
}

// RoundTrip is the network delay of the exchange, excluding remote processing.
func (s Sample) RoundTrip() int64 {
	return (s.T4 - s.T1) - (s.T3 - s.T2)
}

// Transport performs one exchange with the time authority.
type Transport interface {
	Exchange(ctx context.Context) (Sample, error)
}

// Stats is a snapshot of the service's sync state.
type Stats struct {
	OffsetNs           int64     `json:"offset_ns"`
	AccuracyMs         float64   `json:"accuracy_ms"`
	LastSyncWallTime   time.Time `json:"last_sync_wall_time"`
	SuccessfulSyncs    int       `json:"successful_syncs"`
	FailedSyncs        int       `json:"failed_syncs"`
	AverageRoundTripMs float64   `json:"average_round_trip_ms"`
}

// Config tunes a Service. Zero values take the package defaults.
type Config struct {
	Interval   time.Duration
	Samples    int
	AccuracyMs float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Samples < 1 {
		c.Samples = DefaultSamples
	}
	if c.AccuracyMs <= 0 {
		c.AccuracyMs = DefaultAccuracyMs
	}
	return c
}

// Service keeps a running best estimate of the clock offset.
type Service struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	metrics   *telemetryotel.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	stats     Stats
	totalRTMs float64
	// monotonic reading of the last successful refresh
	lastSuccessMono int64
}

// NewService returns a Service. clk defaults to clock.Real(); metrics may be nil.
func NewService(cfg Config, transport Transport, clk clock.Clock, metrics *telemetryotel.Metrics, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		transport: transport,
		clock:     clk,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run refreshes immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh performs one round of exchanges and keeps the minimum round-trip sample.
// It reports whether at least one exchange succeeded.
func (s *Service) Refresh(ctx context.Context) bool {
	var best Sample
	found := false
	for i := 0; i < s.cfg.Samples; i++ {
		if ctx.Err() != nil {
			break
		}
		sample, err := s.transport.Exchange(ctx)
		if err != nil {
			s.logger.Debug("clock sync sample failed", "attempt", i+1, "error", err)
			continue
		}
		if sample.RoundTrip() < 0 {
			s.logger.Debug("clock sync sample discarded", "attempt", i+1, "round_trip_ns", sample.RoundTrip())
			continue
		}
		if !found || sample.RoundTrip() < best.RoundTrip() {
			best = sample
			found = true
		}
	}

	s.mu.Lock()
	if !found {
		s.stats.FailedSyncs++
		failed := s.stats.FailedSyncs
		s.mu.Unlock()
		s.logger.Warn("clock sync refresh failed", "samples", s.cfg.Samples, "failed_syncs", failed)
		s.metrics.ClockSync(ctx, false, 0)
		return false
	}
	rtMs := float64(best.RoundTrip()) / float64(time.Millisecond)
	now := s.clock.Now()
	s.stats.OffsetNs = best.Offset()
	s.stats.AccuracyMs = rtMs / 2
	s.stats.LastSyncWallTime = now.UTC()
	s.stats.SuccessfulSyncs++
	s.totalRTMs += rtMs
	s.stats.AverageRoundTripMs = s.totalRTMs / float64(s.stats.SuccessfulSyncs)
	s.lastSuccessMono = s.clock.Monotonic()
	offset, accuracy := s.stats.OffsetNs, s.stats.AccuracyMs
	s.mu.Unlock()

	s.logger.Debug("clock sync refreshed", "offset_ns", offset, "accuracy_ms", accuracy)
	s.metrics.ClockSync(ctx, true, rtMs)
	return true
}

// SyncedTime returns the local monotonic reading shifted by the current offset.
func (s *Service) SyncedTime() int64 {
	s.mu.RLock()
	offset := s.stats.OffsetNs
	s.mu.RUnlock()
	return s.clock.Monotonic() + offset
}

// IsSyncAccurate reports whether the last success is within two intervals and
// its accuracy is below the configured threshold. Staleness is measured on the
// monotonic clock, so wall-clock steps do not affect it.
func (s *Service) IsSyncAccurate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stats.SuccessfulSyncs == 0 {
		return false
	}
	if time.Duration(s.clock.Monotonic()-s.lastSuccessMono) > 2*s.cfg.Interval {
		return false
	}
	return s.stats.AccuracyMs < s.cfg.AccuracyMs
}

// Stats returns a snapshot of the sync state.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
