package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MessageVersion is the heartbeat wire version.
const MessageVersion = 1

// MessageTypeHeartbeat is the only message type the service sends.
const MessageTypeHeartbeat = "heartbeat"

// Message is one liveness beacon.
type Message struct {
	V           int      `json:"v"`
	Type        string   `json:"type"`
	DeviceID    string   `json:"device_id"`
	TimestampNs int64    `json:"timestamp_ns"`
	Metadata    Metadata `json:"metadata"`
}

// Metadata describes the device at send time. BatteryPercent is nil when unknown.
type Metadata struct {
	BatteryPercent   *float64 `json:"battery_percent"`
	Recording        bool     `json:"recording"`
	FreeStorageBytes uint64   `json:"free_storage_bytes"`
	UptimeS          int64    `json:"uptime_s"`
}

// MetadataProvider supplies the metadata attached to each heartbeat.
type MetadataProvider interface {
	HeartbeatMetadata(ctx context.Context) Metadata
}

// MetadataFunc adapts a function to MetadataProvider.
type MetadataFunc func(ctx context.Context) Metadata

// HeartbeatMetadata implements MetadataProvider.
func (f MetadataFunc) HeartbeatMetadata(ctx context.Context) Metadata { return f(ctx) }

// HostMetadata reads device facts from the local host.
type HostMetadata struct {
	// Recording reports whether a session is active. Nil means never.
	Recording   func() bool
	StorageRoot string
	Started     time.Time
	// PowerSupplyDir defaults to /sys/class/power_supply.
	PowerSupplyDir string
}

// HeartbeatMetadata implements MetadataProvider.
func (h HostMetadata) HeartbeatMetadata(ctx context.Context) Metadata {
	md := Metadata{BatteryPercent: h.battery()}
	if h.Recording != nil {
		md.Recording = h.Recording()
	}
	if !h.Started.IsZero() {
		md.UptimeS = int64(time.Since(h.Started) / time.Second)
	}
	if h.StorageRoot != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(h.StorageRoot, &st); err == nil {
			md.FreeStorageBytes = uint64(st.Bavail) * uint64(st.Bsize)
		}
	}
	return md
}

func (h HostMetadata) battery() *float64 {
	dir := h.PowerSupplyDir
	if dir == "" {
		dir = "/sys/class/power_supply"
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "BAT*", "capacity"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		return &v
	}
	return nil
}
