// Package recorder defines the capability a capture worker exposes to the session orchestrator,
// plus adapters for in-process functions and external capture commands.
package recorder

import (
	"context"
	"fmt"
)

// Capability is the narrow contract every capture worker satisfies.
// Start begins writing artifacts under location; Stop ends capture and flushes.
type Capability interface {
	Start(ctx context.Context, location string) error
	Stop(ctx context.Context) error
}

// Kind names the artifact family a recorder produces. The validator uses it to pick expectations.
type Kind string

const (
	KindRGB     Kind = "rgb"
	KindThermal Kind = "thermal"
	KindGSR     Kind = "gsr"
	KindAudio   Kind = "audio"
	KindOther   Kind = "other"
)

// ParseKind maps a layout string to a Kind. Empty maps to KindOther.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRGB, KindThermal, KindGSR, KindAudio, KindOther:
		return Kind(s), nil
	case "":
		return KindOther, nil
	}
	return "", fmt.Errorf("recorder: unknown kind %q", s)
}

// Funcs adapts a pair of functions to Capability. Nil functions succeed.
type Funcs struct {
	StartFunc func(ctx context.Context, location string) error
	StopFunc  func(ctx context.Context) error
}

// Start calls StartFunc.
func (f Funcs) Start(ctx context.Context, location string) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx, location)
}

// Stop calls StopFunc.
func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
