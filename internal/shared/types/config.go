package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 控制刷新周期与淘汰策略
type PoolConf struct {
	RefreshIntervalSeconds int `ini:"refresh_interval_seconds"`
	FreshnessWindowSeconds int `ini:"freshness_window_seconds"`
	EvictionThreshold      int `ini:"eviction_threshold"`
	FetchConcurrency       int `ini:"fetch_concurrency"`
	ProbeConcurrency       int `ini:"probe_concurrency"`
	FetchTimeoutSeconds    int `ini:"fetch_timeout_seconds"`
}

// ProbeConf 描述健康探测的目标与超时
type ProbeConf struct {
	TargetURL      string `ini:"target_url"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	Upstream       string `ini:"upstream"` // 可选，socks5://host:port，探测和会话经由它连接代理
}

// GeoConf configures the oracle chain and the reference set.
type GeoConf struct {
	PrimaryOracle     string   `ini:"primary_oracle"`  // "ip-api", "ipinfo" or "" to disable
	FallbackOracle    string   `ini:"fallback_oracle"` // at most one fallback
	IPInfoToken       string   `ini:"ipinfo_token"`
	OracleTimeoutSecs int      `ini:"oracle_timeout_seconds"`
	MaxReferencePoint int      `ini:"max_reference_points"`
	Seed              []string `ini:"seed" delim:"|"` // "81.2=London, United Kingdom|5.6=Paris, France"
}

// WebConf 控制可选的 HTTP API
type WebConf struct {
	Port     int    `ini:"web_port"`
	User     string `ini:"web_user"`
	Password string `ini:"web_password"`
}

// SourcesConf 列出启用的代理来源
type SourcesConf struct {
	FreeProxyList     []string `ini:"free_proxy_list" delim:","`
	ProxyListDownload []string `ini:"proxy_list_download" delim:","`
	PlainLists        []string `ini:"plain_lists" delim:","`
	Static            []string `ini:"static" delim:","`
}

// Config 是项目的统一配置结构体
type Config struct {
	LogConf     `ini:"log"`
	PoolConf    `ini:"pool"`
	ProbeConf   `ini:"probe"`
	GeoConf     `ini:"geo"`
	WebConf     `ini:"web"`
	SourcesConf `ini:"sources"`
}
