package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"geoproxy_pool/internal/shared/types"
)

// ErrInvalidConfig 表示配置无法构造合法的探测请求，启动时即失败。
var ErrInvalidConfig = errors.New("invalid configuration")

// Default 返回所有字段都已填充默认值的配置。
func Default() *types.Config {
	cfg := new(types.Config)
	ApplyDefaults(cfg)
	return cfg
}

// LoadIni 加载 ini 配置文件，应用环境变量覆盖与默认值，并校验。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.ProbeConf.TargetURL, "PROBE_TARGET")
	overrideFromEnvString(&cfg.ProbeConf.Upstream, "PROBE_UPSTREAM")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "WEB_PORT")
	ApplyDefaults(cfg)
	return Validate(cfg)
}

// ApplyDefaults fills every zero-valued field with its default.
func ApplyDefaults(cfg *types.Config) {
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}

	p := &cfg.PoolConf
	setIntDefault(&p.RefreshIntervalSeconds, 300)
	setIntDefault(&p.FreshnessWindowSeconds, 300)
	setIntDefault(&p.EvictionThreshold, 5)
	setIntDefault(&p.FetchConcurrency, 10)
	setIntDefault(&p.ProbeConcurrency, 20)
	setIntDefault(&p.FetchTimeoutSeconds, 20)

	if cfg.ProbeConf.TargetURL == "" {
		cfg.ProbeConf.TargetURL = "https://httpbin.org/ip"
	}
	setIntDefault(&cfg.ProbeConf.TimeoutSeconds, 5)

	setIntDefault(&cfg.GeoConf.OracleTimeoutSecs, 5)
	setIntDefault(&cfg.GeoConf.MaxReferencePoint, 4096)
}

// Validate rejects configuration that could never produce a well-formed probe
// or scheduling decision.
func Validate(cfg *types.Config) error {
	u, err := url.Parse(cfg.ProbeConf.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: probe target_url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: probe target_url must be an absolute http(s) URL, got %q", ErrInvalidConfig, cfg.ProbeConf.TargetURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: probe target_url has no host", ErrInvalidConfig)
	}
	if up := cfg.ProbeConf.Upstream; up != "" {
		u, err := url.Parse(up)
		if err != nil || (u.Scheme != "socks5" && u.Scheme != "socks5h") || u.Host == "" {
			return fmt.Errorf("%w: probe upstream must be a socks5:// URL, got %q", ErrInvalidConfig, up)
		}
	}
	if cfg.ProbeConf.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: probe timeout_seconds must be positive", ErrInvalidConfig)
	}
	if cfg.PoolConf.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("%w: pool refresh_interval_seconds must be positive", ErrInvalidConfig)
	}
	if cfg.PoolConf.EvictionThreshold <= 0 {
		return fmt.Errorf("%w: pool eviction_threshold must be positive", ErrInvalidConfig)
	}
	if cfg.WebConf.Port < 0 || cfg.WebConf.Port > 65535 {
		return fmt.Errorf("%w: web_port out of range: %d", ErrInvalidConfig, cfg.WebConf.Port)
	}
	for _, name := range []string{cfg.GeoConf.PrimaryOracle, cfg.GeoConf.FallbackOracle} {
		switch name {
		case "", "ip-api", "ipinfo":
		default:
			return fmt.Errorf("%w: unknown geo oracle %q", ErrInvalidConfig, name)
		}
	}
	return nil
}

func setIntDefault(target *int, def int) {
	if *target <= 0 {
		*target = def
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
