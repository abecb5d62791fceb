package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "freighter/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes credential values),
// and (3) the IDs of seeded schedules that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Coordinator, newCfg.Coordinator) {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.String("coordinator.backend", strings.TrimSpace(newCfg.Coordinator.Backend)),
			logx.String("coordinator.status_ttl", strings.TrimSpace(newCfg.Coordinator.StatusTTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.Enabled),
			logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)),
			logx.String("poller.lock_ttl", strings.TrimSpace(newCfg.Poller.LockTTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generation, newCfg.Generation) {
		changed = append(changed, "generation")
		attrs = append(attrs,
			logx.Int("generation.workers", newCfg.Generation.Workers),
			logx.Int("generation.queue_size", newCfg.Generation.QueueSize),
			logx.Int64("generation.max_artifact_mb", newCfg.Generation.MaxArtifactMB),
			logx.Int("generation.retry_max_attempts", newCfg.Generation.Retry.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transfer, newCfg.Transfer) {
		changed = append(changed, "transfer")
		attrs = append(attrs,
			logx.Int("transfer.workers", newCfg.Transfer.Workers),
			logx.Int("transfer.queue_size", newCfg.Transfer.QueueSize),
			logx.Int("transfer.rate_per_sec", newCfg.Transfer.RatePerSec),
			logx.String("transfer.attempt_timeout", strings.TrimSpace(newCfg.Transfer.AttemptTimeout)),
			logx.Int("transfer.retry_max_attempts", newCfg.Transfer.Retry.MaxAttempts),
			logx.Int("transfer.circuit_trip_failures", newCfg.Transfer.Circuit.TripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Aggregator, newCfg.Aggregator) {
		changed = append(changed, "aggregator")
		attrs = append(attrs,
			logx.String("aggregator.sweep_interval", strings.TrimSpace(newCfg.Aggregator.SweepInterval)),
			logx.String("aggregator.stuck_after", strings.TrimSpace(newCfg.Aggregator.StuckAfter)),
			logx.String("aggregator.spool_retention", strings.TrimSpace(newCfg.Aggregator.SpoolRetention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Capabilities, newCfg.Capabilities) {
		changed = append(changed, "capabilities")
		attrs = append(attrs,
			logx.String("capabilities.push_root", strings.TrimSpace(newCfg.Capabilities.PushRoot)),
			logx.Bool("capabilities.s3_enabled", newCfg.Capabilities.S3.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
		)
	}

	// Credentials: detect changes, but never log values.
	if credentialRefsChanged(oldCfg.Credentials, newCfg.Credentials) {
		changed = append(changed, "credentials")
		attrs = append(attrs, logx.Int("credentials.count", len(newCfg.Credentials)))
	}

	scheduleChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(scheduleChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(scheduleChanged)),
			logx.Int("schedules.enabled_count", countEnabledSeeds(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, scheduleChanged
}

func credentialRefsChanged(oldM, newM map[string]string) bool {
	if len(oldM) != len(newM) {
		return true
	}
	for k, ov := range oldM {
		nv, ok := newM[k]
		if !ok || ov != nv {
			return true
		}
	}
	return false
}

func countEnabledSeeds(seeds []ScheduleSeed) int {
	n := 0
	for _, s := range seeds {
		if s.Enabled {
			n++
		}
	}
	return n
}

func diffSchedules(oldS, newS []ScheduleSeed) []string {
	oldM := make(map[string]uint64, len(oldS))
	for _, s := range oldS {
		oldM[s.ID] = hashSeed(s)
	}
	newM := make(map[string]uint64, len(newS))
	for _, s := range newS {
		newM[s.ID] = hashSeed(s)
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		oh, inOld := oldM[id]
		nh, inNew := newM[id]
		if !inOld || !inNew || oh != nh {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func hashSeed(s ScheduleSeed) uint64 {
	b, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
