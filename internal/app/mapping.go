package app

import (
	"time"

	"freighter/internal/api"
	"freighter/internal/config"
	"freighter/internal/pipeline/aggregate"
	"freighter/internal/pipeline/generation"
	"freighter/internal/pipeline/transfer"
	"freighter/internal/poller"
	"freighter/internal/retry"
	"freighter/internal/storage"
	logx "freighter/pkg/logx"
)

// Config mapping: translate the file shapes (duration strings, MB sizes)
// into the typed component configs. Parse errors carry the field path.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./freighter.db"
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapRetryConfig(path string, rc config.RetryConfig) (retry.Policy, error) {
	base, err := config.ParseDurationField(path+".base", rc.Base)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := config.ParseDurationField(path+".max_delay", rc.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Base:        base,
		MaxDelay:    maxDelay,
		Jitter:      rc.Jitter,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	lockTTL, err := config.ParseDurationOrDefault("poller.lock_ttl", cfg.Poller.LockTTL, 5*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	statusTTL, err := config.ParseDurationOrDefault("coordinator.status_ttl", cfg.Coordinator.StatusTTL, 24*time.Hour)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Interval: interval, LockTTL: lockTTL, StatusTTL: statusTTL}, nil
}

func mapGenerationConfig(cfg *config.Config) (generation.Config, error) {
	timeout, err := config.ParseDurationField("generation.timeout", cfg.Generation.Timeout)
	if err != nil {
		return generation.Config{}, err
	}
	pol, err := mapRetryConfig("generation.retry", cfg.Generation.Retry)
	if err != nil {
		return generation.Config{}, err
	}
	return generation.Config{
		Workers:          cfg.Generation.Workers,
		QueueSize:        cfg.Generation.QueueSize,
		SpoolDir:         cfg.Generation.SpoolDir,
		MaxArtifactBytes: cfg.Generation.MaxArtifactMB << 20,
		Timeout:          timeout,
		Retry:            pol,
	}, nil
}

func mapTransferConfig(cfg *config.Config) (transfer.Config, error) {
	timeout, err := config.ParseDurationField("transfer.attempt_timeout", cfg.Transfer.AttemptTimeout)
	if err != nil {
		return transfer.Config{}, err
	}
	pol, err := mapRetryConfig("transfer.retry", cfg.Transfer.Retry)
	if err != nil {
		return transfer.Config{}, err
	}
	circBase, err := config.ParseDurationField("transfer.circuit.base_delay", cfg.Transfer.Circuit.BaseDelay)
	if err != nil {
		return transfer.Config{}, err
	}
	circMax, err := config.ParseDurationField("transfer.circuit.max_delay", cfg.Transfer.Circuit.MaxDelay)
	if err != nil {
		return transfer.Config{}, err
	}
	circReset, err := config.ParseDurationField("transfer.circuit.reset_after", cfg.Transfer.Circuit.ResetAfter)
	if err != nil {
		return transfer.Config{}, err
	}
	return transfer.Config{
		Workers:        cfg.Transfer.Workers,
		QueueSize:      cfg.Transfer.QueueSize,
		RatePerSec:     cfg.Transfer.RatePerSec,
		AttemptTimeout: timeout,
		Retry:          pol,
		Circuit: transfer.CircuitConfig{
			TripFailures: cfg.Transfer.Circuit.TripFailures,
			BaseDelay:    circBase,
			MaxDelay:     circMax,
			ResetAfter:   circReset,
		},
	}, nil
}

func mapAggregatorConfig(cfg *config.Config) (aggregate.Config, error) {
	sweep, err := config.ParseDurationField("aggregator.sweep_interval", cfg.Aggregator.SweepInterval)
	if err != nil {
		return aggregate.Config{}, err
	}
	stuck, err := config.ParseDurationField("aggregator.stuck_after", cfg.Aggregator.StuckAfter)
	if err != nil {
		return aggregate.Config{}, err
	}
	retention, err := config.ParseDurationField("aggregator.spool_retention", cfg.Aggregator.SpoolRetention)
	if err != nil {
		return aggregate.Config{}, err
	}
	return aggregate.Config{
		SweepInterval:  sweep,
		StuckAfter:     stuck,
		SpoolRetention: retention,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
