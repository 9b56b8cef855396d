package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geoproxy_pool/internal/service/web"
	"geoproxy_pool/internal/shared/config"
	"geoproxy_pool/internal/shared/logger"
	"geoproxy_pool/internal/shared/types"
	"geoproxy_pool/proxypool/geo"
	"geoproxy_pool/proxypool/manager"
	"geoproxy_pool/proxypool/metrics"
	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/registry"
	"geoproxy_pool/proxypool/scraper"
	"geoproxy_pool/proxypool/selector"
	"geoproxy_pool/proxypool/session"
	"geoproxy_pool/proxypool/validator"
)

// Pool is the application's main struct and the only surface a front-end
// calls: RefreshNow, Select, OpenSession and ListHealthy.
type Pool struct {
	cfg *types.Config

	registry   *registry.Registry
	classifier *geo.Classifier
	validator  *validator.Validator
	manager    *manager.Manager
	selector   *selector.Selector
	opener     *session.Opener
	metrics    *metrics.Collector

	hub *web.Hub
	web *web.Server

	logger    zerolog.Logger
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

var _ web.PoolController = (*Pool)(nil)

// New 根据配置构建所有组件。无法构造合法探测请求的配置在这里直接失败。
func New(cfg *types.Config) (*Pool, error) {
	l := logger.WithComponent("App")
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	v, err := validator.NewValidator(cfg.ProbeConf.TargetURL, seconds(cfg.ProbeConf.TimeoutSeconds), logger.WithComponent("ProxyPool/Validator"))
	if err != nil {
		return nil, err
	}
	opener, err := session.NewOpener(cfg.ProbeConf.TargetURL, seconds(cfg.ProbeConf.TimeoutSeconds), logger.WithComponent("ProxyPool/Session"))
	if err != nil {
		return nil, err
	}
	upstream, err := validator.UpstreamDialer(cfg.ProbeConf.Upstream, seconds(cfg.ProbeConf.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	if upstream != nil {
		v.SetDialer(upstream)
		opener.SetDialer(upstream)
		l.Info().Msg("Probes and sessions will reach proxies through the SOCKS5 upstream.")
	}

	oracleTimeout := seconds(cfg.GeoConf.OracleTimeoutSecs)
	primary, err := geo.NewOracle(cfg.GeoConf.PrimaryOracle, cfg.GeoConf.IPInfoToken, oracleTimeout)
	if err != nil {
		return nil, err
	}
	fallback, err := geo.NewOracle(cfg.GeoConf.FallbackOracle, cfg.GeoConf.IPInfoToken, oracleTimeout)
	if err != nil {
		return nil, err
	}
	classifier := geo.NewClassifier(primary, fallback, cfg.GeoConf.MaxReferencePoint, logger.WithComponent("ProxyPool/Geo"))
	if err := classifier.Seed(cfg.GeoConf.Seed); err != nil {
		return nil, fmt.Errorf("invalid geo seed: %w", err)
	}

	collector := metrics.NewCollector(nil)
	reg := registry.New(cfg.PoolConf.EvictionThreshold, logger.WithComponent("ProxyPool/Registry"))
	mgr := manager.NewManager(reg, v, classifier, collector, manager.Options{
		Interval:         seconds(cfg.PoolConf.RefreshIntervalSeconds),
		FreshnessWindow:  seconds(cfg.PoolConf.FreshnessWindowSeconds),
		FetchConcurrency: cfg.PoolConf.FetchConcurrency,
		ProbeConcurrency: cfg.PoolConf.ProbeConcurrency,
		ProbeTimeout:     seconds(cfg.ProbeConf.TimeoutSeconds),
	}, logger.WithComponent("ProxyPool/Manager"))

	for _, s := range buildScrapers(cfg.SourcesConf, seconds(cfg.PoolConf.FetchTimeoutSeconds)) {
		mgr.AddScraper(s)
	}

	p := &Pool{
		cfg:        cfg,
		registry:   reg,
		classifier: classifier,
		validator:  v,
		manager:    mgr,
		selector:   selector.New(reg),
		opener:     opener,
		metrics:    collector,
		hub:        web.NewHub(logger.WithComponent("Web/Hub")),
		logger:     l,
	}
	mgr.Subscribe(p.hub.BroadcastCycleEvent)
	p.web = web.NewServer(cfg.WebConf, p, p.hub, collector.Handler(), logger.WithComponent("Web"))

	if len(mgr.Scrapers()) == 0 {
		l.Warn().Msg("No proxy sources configured; the pool will only be maintained, never filled.")
	}
	l.Info().
		Strs("sources", mgr.Scrapers()).
		Str("probe_target", v.Target()).
		Int("geo_references", classifier.Len()).
		Msg("Proxy pool initialized.")
	return p, nil
}

func buildScrapers(cfg types.SourcesConf, timeout time.Duration) []scraper.Scraper {
	l := logger.WithComponent("ProxyPool/Scraper")
	var out []scraper.Scraper
	for _, u := range cfg.FreeProxyList {
		out = append(out, scraper.NewFreeProxyListScraper(u, timeout, l))
	}
	for _, u := range cfg.ProxyListDownload {
		out = append(out, scraper.NewProxyListDownloadScraper(u, timeout, l))
	}
	for _, u := range cfg.PlainLists {
		out = append(out, scraper.NewPlainListScraper(u, timeout, l))
	}
	if len(cfg.Static) > 0 {
		out = append(out, scraper.NewStaticScraper("manual-import", cfg.Static))
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Run is the server's entry point. It blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Msg("Starting proxy pool...")

	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go p.hub.Run(hubCtx)

	if err := p.web.Start(&p.waitGroup); err != nil {
		return err
	}
	if err := p.manager.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop gracefully shuts down the pool.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.manager.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.web.Shutdown(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Web server shutdown error.")
		}
		p.waitGroup.Wait()
		p.logger.Info().Msg("Proxy pool stopped.")
	})
}

// AddScraper registers an extra source. Must be called before Run.
func (p *Pool) AddScraper(s scraper.Scraper) {
	p.manager.AddScraper(s)
}

// RefreshNow requests a refresh; it returns false when one is already pending.
func (p *Pool) RefreshNow() bool {
	return p.manager.Trigger(manager.TriggerManual)
}

// RefreshSync runs one cycle in the caller's goroutine, for hosts that do not
// call Run.
func (p *Pool) RefreshSync(ctx context.Context) manager.CycleReport {
	return p.manager.RunCycle(ctx, manager.TriggerManual)
}

// Select returns the best healthy proxy for region; ok=false means none.
func (p *Pool) Select(region string) (model.ProxyRecord, bool) {
	return p.selector.Select(region)
}

// ListHealthy returns healthy records matching region, best first. An empty
// region matches all.
func (p *Pool) ListHealthy(region string) []model.ProxyRecord {
	return p.selector.Top(region, 0)
}

// Snapshot returns every record, for hosts that want to persist the pool.
func (p *Pool) Snapshot() []model.ProxyRecord {
	return p.registry.List(registry.All)
}

// OpenSession verifies rec (with optional credentials) and returns a
// confirmed session. The registry is never touched.
func (p *Pool) OpenSession(ctx context.Context, rec model.ProxyRecord, creds *model.Credentials) (*session.Session, error) {
	s, err := p.opener.Open(ctx, rec, creds)
	p.metrics.RecordSession(err == nil)
	return s, err
}

// Status summarizes the pool for the web API.
func (p *Pool) Status() web.PoolStatus {
	all := p.registry.List(registry.All)
	st := web.PoolStatus{
		State:    p.manager.State().String(),
		PoolSize: len(all),
		Sources:  p.manager.Scrapers(),
	}
	for _, r := range all {
		if r.Healthy() {
			st.Healthy++
		}
	}
	if r, ok := p.manager.LastReport(); ok {
		st.LastCycle = &r
	}
	return st
}

// Registry exposes the underlying registry, e.g. for feeding session
// failures back via MarkProbed.
func (p *Pool) Registry() *registry.Registry {
	return p.registry
}
