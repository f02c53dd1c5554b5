// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration for the device daemon, the hub, and the worker, loaded from the environment.
type Config struct {
	// ControlGRPCAddr is where the device daemon serves its control service (e.g. :8090).
	ControlGRPCAddr string `mapstructure:"CONTROL_GRPC_ADDR"`
	// HubGRPCAddr is where the hub listens for heartbeats (e.g. :8080).
	HubGRPCAddr string `mapstructure:"HUB_GRPC_ADDR"`
	// HubAddr is the hub dial target for the device daemon; empty disables heartbeats.
	HubAddr string `mapstructure:"HUB_ADDR"`
	// DeviceID identifies this device to the hub; defaults to the hostname.
	DeviceID string `mapstructure:"DEVICE_ID"`
	// DeviceTokenSecret is the HMAC key for device tokens; shared by devices and the hub.
	DeviceTokenSecret string `mapstructure:"DEVICE_TOKEN_SECRET"`
	// DeviceTokenIssuer is the iss claim of device tokens.
	DeviceTokenIssuer string `mapstructure:"DEVICE_TOKEN_ISSUER"`
	// DeviceTokenTTL is the device token lifetime (e.g. "24h").
	DeviceTokenTTL string `mapstructure:"DEVICE_TOKEN_TTL"`

	// StorageRoot is the artifact root; each session gets <root>/<session id>.
	StorageRoot string `mapstructure:"STORAGE_ROOT"`
	// DatabaseURL is the Postgres DSN; when set, session records live in Postgres instead of metadata.json.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RecordersFile is the YAML recorder layout.
	RecordersFile string `mapstructure:"RECORDERS_FILE"`
	// PrerequisitePolicyFile optionally replaces the built-in Rego prerequisite policy.
	PrerequisitePolicyFile string `mapstructure:"PREREQUISITE_POLICY_FILE"`
	MinFreeStorageMB       int    `mapstructure:"MIN_FREE_STORAGE_MB"`
	HealthCheckInterval    string `mapstructure:"HEALTH_CHECK_INTERVAL"`
	MaxRecoveryAttempts    int    `mapstructure:"MAX_RECOVERY_ATTEMPTS"`
	RecoveryDelay          string `mapstructure:"RECOVERY_DELAY"`
	CrashedRetentionDays   int    `mapstructure:"CRASHED_RETENTION_DAYS"`
	// Permissions is the comma-separated list of granted permissions.
	Permissions string `mapstructure:"PERMISSIONS"`
	// RequiredPermissions is the comma-separated list a session needs.
	RequiredPermissions string `mapstructure:"REQUIRED_PERMISSIONS"`

	HeartbeatInterval    string `mapstructure:"HEARTBEAT_INTERVAL"`
	ReconnectBackoff     string `mapstructure:"RECONNECT_BACKOFF"`
	MaxReconnectAttempts int    `mapstructure:"MAX_RECONNECT_ATTEMPTS"`

	// TimeSyncAddr is the hub's UDP time server; empty disables clock sync.
	TimeSyncAddr string `mapstructure:"TIMESYNC_ADDR"`
	// TimeSyncListenAddr is where the hub's time server listens.
	TimeSyncListenAddr  string  `mapstructure:"TIMESYNC_LISTEN_ADDR"`
	ClockSyncInterval   string  `mapstructure:"CLOCK_SYNC_INTERVAL"`
	ClockSyncSamples    int     `mapstructure:"CLOCK_SYNC_SAMPLES"`
	ClockSyncTimeout    string  `mapstructure:"CLOCK_SYNC_TIMEOUT"`
	ClockSyncAccuracyMs float64 `mapstructure:"CLOCK_SYNC_ACCURACY_MS"`

	// OTelEndpoint is the OTLP collector; empty disables export.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the event worker pushes logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CONTROL_GRPC_ADDR", ":8090")
	v.SetDefault("HUB_GRPC_ADDR", ":8080")
	v.SetDefault("HUB_ADDR", "")
	v.SetDefault("DEVICE_ID", "")
	v.SetDefault("DEVICE_TOKEN_SECRET", "")
	v.SetDefault("DEVICE_TOKEN_ISSUER", "gsr-hub")
	v.SetDefault("DEVICE_TOKEN_TTL", "24h")
	v.SetDefault("STORAGE_ROOT", "./sessions")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("RECORDERS_FILE", "")
	v.SetDefault("PREREQUISITE_POLICY_FILE", "")
	v.SetDefault("MIN_FREE_STORAGE_MB", 100)
	v.SetDefault("HEALTH_CHECK_INTERVAL", "5s")
	v.SetDefault("MAX_RECOVERY_ATTEMPTS", 3)
	v.SetDefault("RECOVERY_DELAY", "2s")
	v.SetDefault("CRASHED_RETENTION_DAYS", 30)
	v.SetDefault("PERMISSIONS", "")
	v.SetDefault("REQUIRED_PERMISSIONS", "camera,microphone,bluetooth,storage")
	v.SetDefault("HEARTBEAT_INTERVAL", "3s")
	v.SetDefault("RECONNECT_BACKOFF", "5s")
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	v.SetDefault("TIMESYNC_ADDR", "")
	v.SetDefault("TIMESYNC_LISTEN_ADDR", ":8081")
	v.SetDefault("CLOCK_SYNC_INTERVAL", "30s")
	v.SetDefault("CLOCK_SYNC_SAMPLES", 3)
	v.SetDefault("CLOCK_SYNC_TIMEOUT", "1s")
	v.SetDefault("CLOCK_SYNC_ACCURACY_MS", 5.0)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "gsr-session-events")
	v.SetDefault("KAFKA_GROUP_ID", "gsr-event-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("APP_ENV", "")
}

// Validate checks fields that have no safe fallback.
func (c *Config) Validate() error {
	if c.ControlGRPCAddr == "" {
		return errors.New("config: CONTROL_GRPC_ADDR must be set")
	}
	if c.StorageRoot == "" {
		return errors.New("config: STORAGE_ROOT must be set")
	}
	if c.MinFreeStorageMB < 0 {
		return errors.New("config: MIN_FREE_STORAGE_MB must not be negative")
	}
	if c.MaxRecoveryAttempts < 0 {
		return errors.New("config: MAX_RECOVERY_ATTEMPTS must not be negative")
	}
	if c.MaxReconnectAttempts < 1 {
		return errors.New("config: MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.ClockSyncSamples < 1 {
		return errors.New("config: CLOCK_SYNC_SAMPLES must be at least 1")
	}
	if c.HubAddr != "" && c.DeviceTokenSecret == "" {
		return errors.New("config: DEVICE_TOKEN_SECRET must be set when HUB_ADDR is set")
	}
	if c.DeviceTokenSecret != "" && len(c.DeviceTokenSecret) < 16 {
		return errors.New("config: DEVICE_TOKEN_SECRET must be at least 16 bytes")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// TokenTTL parses DeviceTokenTTL. Returns 24h if unset or invalid.
func (c *Config) TokenTTL() time.Duration { return parseDuration(c.DeviceTokenTTL, 24*time.Hour) }

// HealthCheckEvery parses HealthCheckInterval. Returns 5s if unset or invalid.
func (c *Config) HealthCheckEvery() time.Duration {
	return parseDuration(c.HealthCheckInterval, 5*time.Second)
}

// RecoveryWait parses RecoveryDelay. Returns 2s if unset or invalid.
func (c *Config) RecoveryWait() time.Duration { return parseDuration(c.RecoveryDelay, 2*time.Second) }

// HeartbeatEvery parses HeartbeatInterval. Returns 3s if unset or invalid.
func (c *Config) HeartbeatEvery() time.Duration {
	return parseDuration(c.HeartbeatInterval, 3*time.Second)
}

// ReconnectWait parses ReconnectBackoff. Returns 5s if unset or invalid.
func (c *Config) ReconnectWait() time.Duration {
	return parseDuration(c.ReconnectBackoff, 5*time.Second)
}

// ClockSyncEvery parses ClockSyncInterval. Returns 30s if unset or invalid.
func (c *Config) ClockSyncEvery() time.Duration {
	return parseDuration(c.ClockSyncInterval, 30*time.Second)
}

// ClockSyncRequestTimeout parses ClockSyncTimeout. Returns 1s if unset or invalid.
func (c *Config) ClockSyncRequestTimeout() time.Duration {
	return parseDuration(c.ClockSyncTimeout, time.Second)
}

// MinFreeStorageBytes converts MinFreeStorageMB to bytes.
func (c *Config) MinFreeStorageBytes() uint64 {
	if c.MinFreeStorageMB <= 0 {
		return 0
	}
	return uint64(c.MinFreeStorageMB) << 20
}

// GrantedPermissions returns the granted permission set.
func (c *Config) GrantedPermissions() map[string]bool {
	out := make(map[string]bool)
	for _, p := range splitList(c.Permissions) {
		out[p] = true
	}
	return out
}

// RequiredPermissionList returns the permissions a session needs.
func (c *Config) RequiredPermissionList() []string {
	return splitList(c.RequiredPermissions)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka export is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
