package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 3001 {
		t.Errorf("APIPort = %d, want 3001", cfg.APIPort)
	}
	if cfg.DBPath != "./stats.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RealtimeRangeEndTolerance != 120*time.Second {
		t.Errorf("tolerance = %v, want 2m", cfg.RealtimeRangeEndTolerance)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("flush interval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", cfg.APIToken)
	}
	if cfg.CleanupSchedule != "0 3 * * *" {
		t.Errorf("CleanupSchedule = %q", cfg.CleanupSchedule)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("API_PORT", "8080")
	t.Setenv("DB_PATH", "/var/lib/meter/stats.db")
	t.Setenv("FLUSH_INTERVAL_MS", "250")
	t.Setenv("STALE_CONNECTION_MINUTES", "5")
	t.Setenv("API_TOKEN", "hunter2")
	t.Setenv("GEOIP_DB_PATH", "  /opt/geo/Country.mmdb  ")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d", cfg.APIPort)
	}
	if cfg.FlushInterval != 250*time.Millisecond {
		t.Errorf("flush interval = %v", cfg.FlushInterval)
	}
	if cfg.StaleConnectionTTL != 5*time.Minute {
		t.Errorf("stale TTL = %v", cfg.StaleConnectionTTL)
	}
	if cfg.GeoIPDBPath != "/opt/geo/Country.mmdb" {
		t.Errorf("GeoIPDBPath = %q, want trimmed", cfg.GeoIPDBPath)
	}
}

func TestLoadEnvConfigToleranceFloor(t *testing.T) {
	t.Setenv("REALTIME_RANGE_END_TOLERANCE_MS", "1000")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RealtimeRangeEndTolerance != MinRealtimeRangeEndTolerance {
		t.Errorf("tolerance = %v, want floor %v", cfg.RealtimeRangeEndTolerance, MinRealtimeRangeEndTolerance)
	}
}

func TestLoadEnvConfigCollectsAllErrors(t *testing.T) {
	t.Setenv("API_PORT", "not-a-number")
	t.Setenv("COLLECTOR_WS_PORT", "70000")
	t.Setenv("FLUSH_INTERVAL_MS", "0")
	t.Setenv("CLEANUP_SCHEDULE", "every day at dawn")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"API_PORT", "COLLECTOR_WS_PORT", "FLUSH_INTERVAL_MS", "CLEANUP_SCHEDULE"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestLoadSeedBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	raw := `backends:
  - name: home-router
    url: http://192.168.1.1:9090
    token: abc
  - name: lab
    url: http://10.0.0.2:9090
    listening: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	seeds, err := LoadSeedBackends(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("len = %d, want 2", len(seeds))
	}
	if seeds[0].Name != "home-router" || seeds[0].Token != "abc" {
		t.Errorf("first = %+v", seeds[0])
	}
	if seeds[0].Listening != nil {
		t.Errorf("unset listening should stay nil, got %v", *seeds[0].Listening)
	}
	if seeds[1].Listening == nil || *seeds[1].Listening {
		t.Errorf("lab listening = %v, want explicit false", seeds[1].Listening)
	}
}

func TestLoadSeedBackendsRejectsIncompleteEntries(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing-name.yaml": "backends:\n  - url: http://10.0.0.2:9090\n",
		"missing-url.yaml":  "backends:\n  - name: lab\n",
		"not-yaml.yaml":     "backends: [unclosed\n",
	}
	for name, raw := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := LoadSeedBackends(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := LoadSeedBackends(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestIsWeakToken(t *testing.T) {
	if IsWeakToken("") {
		t.Error("empty token means auth disabled, not weak")
	}
	if !IsWeakToken("password123") {
		t.Error("password123 should be weak")
	}
	if IsWeakToken("vX9#mQ2$Lr8@Tz5&Wk") {
		t.Error("long random token should not be weak")
	}
}
