// Package producer defines the interface for exporting telemetry events to a broker (e.g. Kafka).
package producer

import (
	"context"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

// Producer emits telemetry events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; use telemetry.EmitAsync from hot paths.
	Emit(ctx context.Context, event *domain.Event) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
