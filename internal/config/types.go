package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is the durable home of schedules, jobs and outcomes.
	Storage StorageConfig `json:"storage"`

	// Coordinator backs the per-schedule trigger locks and the dedup
	// status keys. "sqlite" shares the storage database; "memory" is for
	// single-process runs and tests.
	Coordinator CoordinatorConfig `json:"coordinator,omitempty"`

	Poller     PollerConfig     `json:"poller"`
	Generation GenerationConfig `json:"generation,omitempty"`
	Transfer   TransferConfig   `json:"transfer,omitempty"`
	Aggregator AggregatorConfig `json:"aggregator,omitempty"`

	// API is the read-only status surface (plus job cancellation).
	API APIConfig `json:"api,omitempty"`

	// Capabilities selects the delivery edges: the local directory tree
	// pusher and, when enabled, the S3 pusher for s3:// host references.
	Capabilities CapabilityConfig `json:"capabilities,omitempty"`

	// Credentials seeds the static resolver: reference -> secret.
	// Values are never logged and never persisted outside this file.
	Credentials map[string]string `json:"credentials,omitempty"`

	// Schedules are upserted into storage at boot so a fresh deployment
	// has work to do without an external editor. Storage stays the source
	// of truth afterwards.
	Schedules []ScheduleSeed `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`

	// Rotation knobs (lumberjack). Zero values use built-in defaults.
	MaxSizeMB  int  `json:"max_size_mb,omitempty"`
	MaxBackups int  `json:"max_backups,omitempty"`
	MaxAgeDays int  `json:"max_age_days,omitempty"`
	Compress   bool `json:"compress,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// CoordinatorConfig controls trigger locking and dedup status keys.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - backend: "sqlite"
//   - status_ttl: "24h"
type CoordinatorConfig struct {
	Backend   string `json:"backend,omitempty"` // "sqlite" | "memory"
	StatusTTL string `json:"status_ttl,omitempty"`
}

// PollerConfig controls the schedule trigger loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s"
//   - lock_ttl: "5m"
type PollerConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	LockTTL  string `json:"lock_ttl,omitempty"`
}

// RetryConfig is the shared shape for per-stage retry policies.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 5
//   - base: "2s"
//   - max_delay: "5m"
//   - jitter: 0.2
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// GenerationConfig controls the artifact generation stage.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - spool_dir: "./spool"
//   - max_artifact_mb: 1024
//   - timeout: "10m"
type GenerationConfig struct {
	Workers       int         `json:"workers,omitempty"`
	QueueSize     int         `json:"queue_size,omitempty"`
	SpoolDir      string      `json:"spool_dir,omitempty"`
	MaxArtifactMB int64       `json:"max_artifact_mb,omitempty"`
	Timeout       string      `json:"timeout,omitempty"`
	Retry         RetryConfig `json:"retry,omitempty"`
}

// TransferConfig controls the per-target delivery stage.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - rate_per_sec: 0 (unlimited)
//   - attempt_timeout: "5m"
type TransferConfig struct {
	Workers        int         `json:"workers,omitempty"`
	QueueSize      int         `json:"queue_size,omitempty"`
	RatePerSec     int         `json:"rate_per_sec,omitempty"`
	AttemptTimeout string      `json:"attempt_timeout,omitempty"`
	Retry          RetryConfig `json:"retry,omitempty"`

	// Circuit breaker per host (consecutive-failure based).
	//
	// If trip_failures < 0, the breaker is disabled.
	// If trip_failures == 0, a default is applied.
	Circuit CircuitConfig `json:"circuit,omitempty"`
}

type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// AggregatorConfig controls fan-in bookkeeping and the background sweeps.
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "1m"
//   - stuck_after: "1h"
//   - spool_retention: "24h"
type AggregatorConfig struct {
	SweepInterval  string `json:"sweep_interval,omitempty"`
	StuckAfter     string `json:"stuck_after,omitempty"`
	SpoolRetention string `json:"spool_retention,omitempty"`
}

// CapabilityConfig selects delivery-edge implementations.
//
// Defaults (when fields are omitted/zero):
//   - push_root: "./delivered"
type CapabilityConfig struct {
	PushRoot string   `json:"push_root,omitempty"`
	S3       S3Config `json:"s3,omitempty"`
}

// S3Config enables delivery to s3:// host references.
//
// Endpoint overrides the S3 endpoint for compatible stores (and switches
// to path-style addressing). Access keys come from the credential
// resolver, never from here.
type S3Config struct {
	Enabled  bool   `json:"enabled"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// APIConfig controls the status HTTP server.
//
// Prefer binding to localhost; there is no auth on this surface.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8740"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScheduleSeed is a schedule definition carried in the config file.
type ScheduleSeed struct {
	ID              string       `json:"id"`
	Cron            string       `json:"cron"`
	Timezone        string       `json:"timezone"`
	Enabled         bool         `json:"enabled"`
	SourcePath      string       `json:"source_path"`
	DestinationPath string       `json:"destination_path"`
	Targets         []TargetSeed `json:"targets"`
}

type TargetSeed struct {
	TargetID      string `json:"target_id"`
	HostRef       string `json:"host_ref"`
	CredentialRef string `json:"credential_ref"`
}
