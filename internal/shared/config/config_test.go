package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"geoproxy_pool/internal/shared/types"
)

func writeIni(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write ini: %v", err)
	}
	return path
}

func TestLoadIni_AppliesDefaults(t *testing.T) {
	path := writeIni(t, "[log]\nlevel = debug\n")

	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni() returned an error: %v", err)
	}
	if cfg.LogConf.Level != "debug" {
		t.Errorf("Expected level 'debug', got '%s'", cfg.LogConf.Level)
	}
	if cfg.PoolConf.EvictionThreshold != 5 {
		t.Errorf("Expected default eviction threshold 5, got %d", cfg.PoolConf.EvictionThreshold)
	}
	if cfg.PoolConf.FetchConcurrency != 10 || cfg.PoolConf.ProbeConcurrency != 20 {
		t.Errorf("Unexpected concurrency defaults: fetch=%d probe=%d", cfg.PoolConf.FetchConcurrency, cfg.PoolConf.ProbeConcurrency)
	}
	if cfg.ProbeConf.TimeoutSeconds != 5 {
		t.Errorf("Expected default probe timeout 5, got %d", cfg.ProbeConf.TimeoutSeconds)
	}
	if cfg.ProbeConf.TargetURL != "https://httpbin.org/ip" {
		t.Errorf("Unexpected default probe target '%s'", cfg.ProbeConf.TargetURL)
	}
}

func TestLoadIni_ParsesSections(t *testing.T) {
	path := writeIni(t, `
[pool]
refresh_interval_seconds = 60
eviction_threshold = 3

[probe]
target_url = http://example.com/ip
timeout_seconds = 2

[geo]
primary_oracle = ip-api
fallback_oracle = ipinfo
seed = 81.2=London, United Kingdom|5.6=Paris, France

[sources]
static = 1.2.3.4:8080,5.6.7.8:3128
`)

	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni() returned an error: %v", err)
	}
	if cfg.PoolConf.RefreshIntervalSeconds != 60 || cfg.PoolConf.EvictionThreshold != 3 {
		t.Errorf("Pool section not mapped: %+v", cfg.PoolConf)
	}
	if cfg.ProbeConf.TargetURL != "http://example.com/ip" || cfg.ProbeConf.TimeoutSeconds != 2 {
		t.Errorf("Probe section not mapped: %+v", cfg.ProbeConf)
	}
	if len(cfg.GeoConf.Seed) != 2 || cfg.GeoConf.Seed[0] != "81.2=London, United Kingdom" {
		t.Errorf("Seed not split on '|': %#v", cfg.GeoConf.Seed)
	}
	if len(cfg.SourcesConf.Static) != 2 {
		t.Errorf("Expected 2 static sources, got %#v", cfg.SourcesConf.Static)
	}
}

func TestLoadIni_EnvOverride(t *testing.T) {
	path := writeIni(t, "[probe]\ntarget_url = http://example.com/ip\n")
	t.Setenv("PROBE_TARGET", "https://override.test/ip")

	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni() returned an error: %v", err)
	}
	if cfg.ProbeConf.TargetURL != "https://override.test/ip" {
		t.Errorf("Expected env override, got '%s'", cfg.ProbeConf.TargetURL)
	}
}

func TestValidate_FailsFastOnBadTarget(t *testing.T) {
	testCases := []struct {
		name   string
		target string
	}{
		{"relative", "/ip"},
		{"unsupported scheme", "ftp://example.com/ip"},
		{"missing host", "http:///ip"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.ProbeConf.TargetURL = tc.target
			err := Validate(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig for %q, got %v", tc.target, err)
			}
		})
	}
}

func TestValidate_UnknownOracle(t *testing.T) {
	cfg := Default()
	cfg.GeoConf.PrimaryOracle = "maxmind"
	if err := Validate(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unknown oracle, got %v", err)
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Default() config should validate, got %v", err)
	}
}

func TestValidate_Upstream(t *testing.T) {
	testCases := []struct {
		upstream string
		wantErr  bool
	}{
		{"", false},
		{"socks5://127.0.0.1:1080", false},
		{"socks5h://user:pw@proxy.local:1080", false},
		{"http://127.0.0.1:8080", true},
		{"socks5://", true},
	}
	for _, tc := range testCases {
		cfg := Default()
		cfg.ProbeConf.Upstream = tc.upstream
		err := Validate(cfg)
		if tc.wantErr && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%q: expected ErrInvalidConfig, got %v", tc.upstream, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%q: unexpected error %v", tc.upstream, err)
		}
	}
}
