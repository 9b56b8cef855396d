package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"geoproxy_pool/proxypool/geo"
	"geoproxy_pool/proxypool/metrics"
	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/registry"
	"geoproxy_pool/proxypool/scraper"
	"geoproxy_pool/proxypool/validator"
)

const (
	DefaultInterval         = 5 * time.Minute
	DefaultFreshnessWindow  = 5 * time.Minute
	DefaultFetchConcurrency = 10
	DefaultProbeConcurrency = 20
)

// 触发来源
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Classifier assigns a location to a record; it never fails.
type Classifier interface {
	Classify(ctx context.Context, rec model.ProxyRecord) geo.Location
}

// Prober measures one record; every failure is reported as unreachable.
type Prober interface {
	Probe(ctx context.Context, rec model.ProxyRecord, timeout time.Duration) model.ProbeOutcome
}

// State 是刷新器的状态机：Idle 或 Refreshing。
type State int32

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// Options 控制刷新周期、新鲜度窗口和并发上限。零值使用默认值。
type Options struct {
	Interval         time.Duration
	FreshnessWindow  time.Duration
	FetchConcurrency int
	ProbeConcurrency int
	ProbeTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = DefaultFreshnessWindow
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = DefaultFetchConcurrency
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = DefaultProbeConcurrency
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = validator.DefaultTimeout
	}
	return o
}

// CycleReport 汇总一次刷新周期。
type CycleReport struct {
	ID            string    `json:"id"`
	Trigger       string    `json:"trigger"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	SourcesOK     int       `json:"sources_ok"`
	SourcesFailed int       `json:"sources_failed"`
	Fetched       int       `json:"fetched"`
	Malformed     int       `json:"malformed"`
	Inserted      int       `json:"inserted"`
	Classified    int       `json:"classified"`
	Probed        int       `json:"probed"`
	Healthy       int       `json:"healthy"`
	Evicted       int       `json:"evicted"`
	PoolSize      int       `json:"pool_size"`
	Skipped       bool      `json:"skipped"`
}

// Event is published to subscribers at the start and end of every cycle.
type Event struct {
	Type   string       `json:"type"` // "cycle_started" | "cycle_finished"
	Time   time.Time    `json:"time"`
	Report *CycleReport `json:"report,omitempty"`
}

// Manager 是代理池的刷新器：定期抓取、入库、分类与探测。
type Manager struct {
	registry   *registry.Registry
	scrapers   []scraper.Scraper
	classifier Classifier
	prober     Prober
	metrics    *metrics.Collector
	opts       Options
	logger     zerolog.Logger

	state   atomic.Int32
	cycleMu sync.Mutex
	pending chan string

	reportMu   sync.RWMutex
	lastReport *CycleReport

	subsMu      sync.RWMutex
	subscribers []func(Event)

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a refresher. classifier and collector may be nil.
func NewManager(reg *registry.Registry, prober Prober, classifier Classifier, collector *metrics.Collector, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:   reg,
		prober:     prober,
		classifier: classifier,
		metrics:    collector,
		opts:       opts.withDefaults(),
		logger:     logger,
		pending:    make(chan string, 1),
		now:        time.Now,
	}
}

// AddScraper 添加一个抓取器到管理器。必须在 Start 之前调用。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// Scrapers returns the configured source names.
func (m *Manager) Scrapers() []string {
	names := make([]string, 0, len(m.scrapers))
	for _, s := range m.scrapers {
		names = append(names, s.Name())
	}
	return names
}

// Subscribe registers fn for cycle events. fn is called synchronously from
// the refresh goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) publish(e Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, fn := range m.subscribers {
		fn(e)
	}
}

// State reports whether a cycle is running.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// LastReport returns the most recent finished cycle.
func (m *Manager) LastReport() (CycleReport, bool) {
	m.reportMu.RLock()
	defer m.reportMu.RUnlock()
	if m.lastReport == nil {
		return CycleReport{}, false
	}
	return *m.lastReport, true
}

// Start 启动调度：cron 按固定间隔触发，另有一次启动时的立即刷新。
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", m.opts.Interval)
	if _, err := m.cron.AddFunc(schedule, func() {
		m.Trigger(TriggerSchedule)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	m.cron.Start()

	m.logger.Info().
		Dur("interval", m.opts.Interval).
		Dur("freshness_window", m.opts.FreshnessWindow).
		Int("sources", len(m.scrapers)).
		Msg("Refresher started.")

	m.wg.Add(1)
	go m.loop(ctx)

	m.Trigger(TriggerStartup)
	return nil
}

// loop 串行执行被触发的周期，因此正在运行的周期不会被打断。
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-m.pending:
			m.RunCycle(ctx, reason)
		}
	}
}

// Trigger 请求一次刷新。已有一个待执行的请求时合并，返回 false。
func (m *Manager) Trigger(reason string) bool {
	select {
	case m.pending <- reason:
		m.logger.Debug().Str("trigger", reason).Msg("Refresh queued.")
		return true
	default:
		m.logger.Debug().Str("trigger", reason).Msg("Refresh already pending, coalesced.")
		return false
	}
}

// Stop 停止调度并等待正在进行的周期结束。进行中的探测受探测超时约束。
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Refresher gracefully stopped.")
}

// RunCycle 同步执行一个完整的“抓取 -> 入库 -> 分类/探测”周期。
// 周期之间由 cycleMu 串行化。单个来源、探测或分类的失败都不会中止周期。
func (m *Manager) RunCycle(ctx context.Context, reason string) CycleReport {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.state.Store(int32(StateRefreshing))
	defer m.state.Store(int32(StateIdle))

	report := &CycleReport{
		ID:        uuid.NewString(),
		Trigger:   reason,
		StartedAt: m.now(),
	}
	l := m.logger.With().Str("cycle_id", report.ID).Str("trigger", reason).Logger()
	l.Info().Msg("Starting refresh cycle...")
	m.publish(Event{Type: "cycle_started", Time: report.StartedAt, Report: report.copy()})

	batches := m.fetchAll(ctx, l, report)

	if len(m.scrapers) > 0 && report.SourcesOK == 0 {
		// 所有来源都失败，多半是本地网络故障，此时探测只会误杀代理
		report.Skipped = true
		l.Warn().Int("sources_failed", report.SourcesFailed).Msg("Every source failed, skipping maintenance this cycle.")
	} else {
		m.ingest(l, batches, report)
		m.maintain(ctx, l, report)
	}

	return m.finish(l, report)
}

type batch struct {
	source  string
	entries []string
}

// fetchAll 并发调用所有抓取器，并发数受 FetchConcurrency 限制。
func (m *Manager) fetchAll(ctx context.Context, l zerolog.Logger, report *CycleReport) []batch {
	var (
		mu      sync.Mutex
		batches []batch
	)

	p := pool.New().WithMaxGoroutines(m.opts.FetchConcurrency)
	for _, s := range m.scrapers {
		p.Go(func() {
			entries, err := s.Scrape(ctx)
			m.metrics.RecordScrape(s.Name(), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.SourcesFailed++
				l.Warn().Err(err).Str("source", s.Name()).Msg("Scraper failed.")
				return
			}
			report.SourcesOK++
			report.Fetched += len(entries)
			batches = append(batches, batch{source: s.Name(), entries: entries})
		})
	}
	p.Wait()
	return batches
}

// ingest 解析原始条目并写入 Registry，格式错误的条目只计数。
func (m *Manager) ingest(l zerolog.Logger, batches []batch, report *CycleReport) {
	for _, b := range batches {
		malformed := 0
		for _, raw := range b.entries {
			c, err := model.ParseCandidate(raw, b.source)
			if err != nil {
				malformed++
				continue
			}
			if m.registry.Upsert(c) {
				report.Inserted++
			}
		}
		if malformed > 0 {
			l.Debug().Str("source", b.source).Int("malformed", malformed).Msg("Dropped malformed entries.")
		}
		report.Malformed += malformed
	}
	l.Info().
		Int("fetched", report.Fetched).
		Int("malformed", report.Malformed).
		Int("inserted", report.Inserted).
		Msg("Sources ingested.")
}

// NeedsClassification: never classified, or still unknown after the
// freshness window.
func NeedsClassification(rec model.ProxyRecord, now time.Time, window time.Duration) bool {
	if rec.ClassifiedAt.IsZero() {
		return true
	}
	return rec.Location == model.UnknownLocation && now.Sub(rec.ClassifiedAt) >= window
}

// NeedsProbe: never probed, or probed longer ago than the freshness window.
func NeedsProbe(rec model.ProxyRecord, now time.Time, window time.Duration) bool {
	if rec.Status == model.StatusUnprobed || rec.LastProbedAt.IsZero() {
		return true
	}
	return now.Sub(rec.LastProbedAt) >= window
}

// maintain 对需要的记录做分类和探测，并发数受 ProbeConcurrency 限制。
func (m *Manager) maintain(ctx context.Context, l zerolog.Logger, report *CycleReport) {
	now := m.now()
	var classified, probed, evicted atomic.Int64

	p := pool.New().WithMaxGoroutines(m.opts.ProbeConcurrency)
	for _, rec := range m.registry.List(registry.All) {
		classify := m.classifier != nil && NeedsClassification(rec, now, m.opts.FreshnessWindow)
		probe := m.prober != nil && NeedsProbe(rec, now, m.opts.FreshnessWindow)
		if !classify && !probe {
			continue
		}
		if ctx.Err() != nil {
			l.Warn().Msg("Refresh cycle cancelled, abandoning remaining records.")
			break
		}

		p.Go(func() {
			key := rec.Key()
			if classify {
				loc := m.classifier.Classify(ctx, rec)
				if err := m.registry.SetLocation(key, loc.Label, loc.Country); err == nil {
					classified.Add(1)
					m.metrics.RecordClassification(loc.Label != model.UnknownLocation)
				}
			}
			if probe {
				outcome := m.prober.Probe(ctx, rec, m.opts.ProbeTimeout)
				m.metrics.RecordProbe(probeResult(outcome))
				wasEvicted, err := m.registry.MarkProbed(key, outcome)
				if err != nil {
					if !errors.Is(err, registry.ErrNotFound) {
						l.Warn().Err(err).Str("proxy", key).Msg("Failed to record probe.")
					}
					return
				}
				probed.Add(1)
				if wasEvicted {
					evicted.Add(1)
					m.metrics.RecordEviction()
				}
			}
		})
	}
	p.Wait()

	report.Classified = int(classified.Load())
	report.Probed = int(probed.Load())
	report.Evicted = int(evicted.Load())
}

func (m *Manager) finish(l zerolog.Logger, report *CycleReport) CycleReport {
	all := m.registry.List(registry.All)
	for _, rec := range all {
		if rec.Healthy() {
			report.Healthy++
		}
	}
	report.PoolSize = len(all)
	report.FinishedAt = m.now()

	outcome := "completed"
	if report.Skipped {
		outcome = "skipped"
	}
	m.metrics.ObservePool(all)
	m.metrics.RecordCycle(outcome, report.FinishedAt.Sub(report.StartedAt))

	l.Info().
		Int("classified", report.Classified).
		Int("probed", report.Probed).
		Int("evicted", report.Evicted).
		Int("healthy", report.Healthy).
		Int("pool_size", report.PoolSize).
		Bool("skipped", report.Skipped).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Refresh cycle finished.")

	m.reportMu.Lock()
	m.lastReport = report.copy()
	m.reportMu.Unlock()

	m.publish(Event{Type: "cycle_finished", Time: report.FinishedAt, Report: report.copy()})
	return *report
}

func (r *CycleReport) copy() *CycleReport {
	c := *r
	return &c
}

func probeResult(o model.ProbeOutcome) string {
	switch {
	case o.Reachable:
		return "healthy"
	case errors.Is(o.Err, validator.ErrProbeTimeout):
		return "timeout"
	default:
		return "connection"
	}
}
