package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) *ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "freighter.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewConfigManager(path)
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/freighter.db
  busy_timeout: 5s
poller:
  enabled: true
  interval: 10s
transfer:
  workers: 8
  rate_per_sec: 4
  circuit:
    trip_failures: 3
credentials:
  sftp-primary: hunter2
schedules:
  - id: daily-report
    cron: "0 10 * * *"
    timezone: Europe/Warsaw
    enabled: true
    source_path: /var/reports/daily.csv
    destination_path: /incoming
    targets:
      - target_id: t1
        host_ref: host-a
        credential_ref: sftp-primary
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./data/freighter.db" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Poller.Enabled || cfg.Poller.Interval != "10s" {
		t.Fatalf("poller = %+v", cfg.Poller)
	}
	if cfg.Transfer.Workers != 8 || cfg.Transfer.RatePerSec != 4 || cfg.Transfer.Circuit.TripFailures != 3 {
		t.Fatalf("transfer = %+v", cfg.Transfer)
	}
	if cfg.Credentials["sftp-primary"] != "hunter2" {
		t.Fatalf("credentials = %v", cfg.Credentials)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(cfg.Schedules))
	}
	sc := cfg.Schedules[0]
	if sc.ID != "daily-report" || sc.Cron != "0 10 * * *" || sc.Timezone != "Europe/Warsaw" {
		t.Fatalf("schedule = %+v", sc)
	}
	if len(sc.Targets) != 1 || sc.Targets[0].HostRef != "host-a" {
		t.Fatalf("targets = %+v", sc.Targets)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "poller:\n  enabled: true\n  intreval: 10s\n")
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"-1s", 0, true},
		{"tomorrow", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("poller.interval", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("poller.interval", "", 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("poller.interval", "10s", 30*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("ParseDurationOrDefault set = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Transfer:    TransferConfig{Workers: 4},
		Credentials: map[string]string{"a": "1"},
		Schedules: []ScheduleSeed{
			{ID: "daily-report", Cron: "0 10 * * *", Timezone: "UTC", Enabled: true},
		},
	}
	newCfg := &Config{
		Transfer:    TransferConfig{Workers: 8},
		Credentials: map[string]string{"a": "rotated-value"},
		Schedules: []ScheduleSeed{
			{ID: "daily-report", Cron: "0 11 * * *", Timezone: "UTC", Enabled: true},
			{ID: "weekly-digest", Cron: "0 8 * * 1", Timezone: "UTC", Enabled: true},
		},
	}

	changed, attrs, scheduleIDs := SummarizeConfigChange(oldCfg, newCfg)

	has := func(s string) bool {
		for _, c := range changed {
			if c == s {
				return true
			}
		}
		return false
	}
	if !has("transfer") || !has("schedules") || !has("credentials") {
		t.Fatalf("changed = %v, want transfer, schedules and credentials", changed)
	}
	if len(scheduleIDs) != 2 {
		t.Fatalf("schedule ids = %v, want both changed seeds", scheduleIDs)
	}
	// Attrs never carry secret values.
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("config changed")
	if out := buf.String(); strings.Contains(out, "rotated-value") || strings.Contains(out, "hunter") {
		t.Fatalf("attrs leak a credential value: %s", out)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("received different config")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// A full buffer is replaced by the newest, never blocks the publisher.
	m.publish(cfg)
	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("stale config delivered after overflow")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel left open after Unsubscribe")
	}
}
