package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/rs/zerolog"

	"geoproxy_pool/internal/testutil"
	"geoproxy_pool/proxypool/geo"
	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/registry"
	"geoproxy_pool/proxypool/scraper"
	"geoproxy_pool/proxypool/validator"
)

type fakeScraper struct {
	name    string
	entries []string
	err     error
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *fakeScraper) Name() string { return s.name }

func (s *fakeScraper) Scrape(ctx context.Context) ([]string, error) {
	if s.calls.Add(1) == 1 && s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

type fakeProber struct {
	mu        sync.Mutex
	latencies map[string]time.Duration // 不在表中的视为不可达
	calls     int
}

func (p *fakeProber) Probe(_ context.Context, rec model.ProxyRecord, _ time.Duration) model.ProbeOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if d, ok := p.latencies[rec.Key()]; ok {
		return model.ProbeOutcome{Reachable: true, Latency: d, At: time.Now()}
	}
	return model.ProbeOutcome{Err: validator.ErrProbeTimeout, At: time.Now()}
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedClassifier struct{ loc geo.Location }

func (c fixedClassifier) Classify(context.Context, model.ProxyRecord) geo.Location { return c.loc }

func newTestManager(prober Prober, opts Options, scrapers ...scraper.Scraper) (*Manager, *registry.Registry) {
	reg := registry.New(registry.DefaultEvictionThreshold, zerolog.Nop())
	london := fixedClassifier{loc: geo.Location{Label: "London, United Kingdom", Country: "United Kingdom"}}
	m := NewManager(reg, prober, london, nil, opts, zerolog.Nop())
	for _, s := range scrapers {
		m.AddScraper(s)
	}
	return m, reg
}

func TestRunCycle_IngestClassifyProbe(t *testing.T) {
	src := &fakeScraper{name: "list", entries: []string{"1.2.3.4:8080", "5.6.7.8:3128", "bad:port", "9.9.9.9:80", ":80"}}
	prober := &fakeProber{latencies: map[string]time.Duration{
		"1.2.3.4:8080": 300 * time.Millisecond,
		"5.6.7.8:3128": 100 * time.Millisecond,
	}}
	m, reg := newTestManager(prober, Options{}, src)

	report := m.RunCycle(context.Background(), TriggerManual)

	if report.Skipped {
		t.Fatal("Cycle with a working source must not be skipped")
	}
	if report.Inserted != 3 || report.Malformed != 2 || report.Fetched != 5 {
		t.Errorf("Unexpected ingest counts: %+v", report)
	}
	if report.Probed != 3 || report.Classified != 3 || report.Healthy != 2 {
		t.Errorf("Unexpected maintenance counts: %+v", report)
	}

	b, ok := reg.Get("5.6.7.8:3128")
	if !ok {
		t.Fatal("Expected 5.6.7.8:3128 in registry")
	}
	if b.Status != model.StatusHealthy || b.Latency != 100*time.Millisecond || b.Location != "London, United Kingdom" {
		t.Errorf("Unexpected record state: %+v", b)
	}
	c, _ := reg.Get("9.9.9.9:80")
	if c.Status != model.StatusUnreachable || c.Latency != model.UnreachableLatency {
		t.Errorf("Expected 9.9.9.9:80 unreachable, got %+v", c)
	}
	if m.State() != StateIdle {
		t.Errorf("Expected Idle after cycle, got %s", m.State())
	}
}

func TestRunCycle_AllSourcesFailLeavesRegistryUnchanged(t *testing.T) {
	prober := &fakeProber{latencies: map[string]time.Duration{}}
	failA := &fakeScraper{name: "a", err: scraper.ErrSourceFetchFailed}
	failB := &fakeScraper{name: "b", err: errors.New("dns failure")}
	m, reg := newTestManager(prober, Options{}, failA, failB)

	probe := model.ProbeOutcome{Reachable: true, Latency: time.Second, At: time.Now().Add(-time.Hour)}
	reg.Upsert(model.Candidate{Address: "1.2.3.4", Port: 8080, Location: "Paris, France", Probe: &probe})
	reg.Upsert(model.Candidate{Address: "5.6.7.8", Port: 3128})
	before := reg.List(registry.All)

	report := m.RunCycle(context.Background(), TriggerManual)

	if !report.Skipped || report.SourcesFailed != 2 {
		t.Errorf("Expected skipped cycle with 2 failed sources, got %+v", report)
	}
	if diff := deep.Equal(before, reg.List(registry.All)); diff != nil {
		t.Errorf("Registry changed after all sources failed: %v", diff)
	}
	if prober.Calls() != 0 {
		t.Errorf("Expected no probes, got %d", prober.Calls())
	}
}

func TestRunCycle_RedesignedProvidersSkipCycle(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div>site redesigned, no table</div></body></html>`))
	}))
	defer page.Close()

	prober := &fakeProber{latencies: map[string]time.Duration{}}
	m, reg := newTestManager(prober, Options{},
		scraper.NewFreeProxyListScraper(page.URL+"/sslproxies", time.Second, zerolog.Nop()),
		scraper.NewProxyListDownloadScraper(page.URL+"/download", time.Second, zerolog.Nop()),
	)
	reg.Upsert(model.Candidate{Address: "1.2.3.4", Port: 8080})
	before := reg.List(registry.All)

	report := m.RunCycle(context.Background(), TriggerManual)

	if !report.Skipped || report.SourcesOK != 0 || report.SourcesFailed != 2 {
		t.Errorf("Expected skipped cycle with 2 failed sources, got %+v", report)
	}
	if diff := deep.Equal(before, reg.List(registry.All)); diff != nil {
		t.Errorf("Registry changed after every provider lost its table: %v", diff)
	}
	if prober.Calls() != 0 {
		t.Errorf("Expected no probes, got %d", prober.Calls())
	}
}

func TestRunCycle_FreshRecordsNotReprocessed(t *testing.T) {
	src := &fakeScraper{name: "list", entries: []string{"1.2.3.4:8080"}}
	prober := &fakeProber{latencies: map[string]time.Duration{"1.2.3.4:8080": time.Millisecond}}
	m, _ := newTestManager(prober, Options{}, src)

	m.RunCycle(context.Background(), TriggerManual)
	second := m.RunCycle(context.Background(), TriggerManual)

	if second.Probed != 0 || second.Classified != 0 {
		t.Errorf("Expected nothing to do on a fresh pool, got %+v", second)
	}
	if prober.Calls() != 1 {
		t.Errorf("Expected 1 probe in total, got %d", prober.Calls())
	}
}

func TestRunCycle_EvictsAfterConsecutiveFailures(t *testing.T) {
	src := &fakeScraper{name: "list", entries: []string{"9.9.9.9:80"}}
	prober := &fakeProber{latencies: map[string]time.Duration{}}
	m, reg := newTestManager(prober, Options{}, src)
	// 每个周期都视为超出新鲜度窗口
	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	for i := 1; i < registry.DefaultEvictionThreshold; i++ {
		report := m.RunCycle(context.Background(), TriggerManual)
		if report.Evicted != 0 {
			t.Fatalf("cycle %d: evicted before threshold", i)
		}
	}
	rec, ok := reg.Get("9.9.9.9:80")
	if !ok || rec.ConsecutiveFailures != registry.DefaultEvictionThreshold-1 {
		t.Fatalf("Expected record with %d failures, got %+v (present=%v)", registry.DefaultEvictionThreshold-1, rec, ok)
	}

	report := m.RunCycle(context.Background(), TriggerManual)
	if report.Evicted != 1 || report.PoolSize != 0 {
		t.Errorf("Expected eviction on the threshold cycle, got %+v", report)
	}
}

func TestTrigger_CoalescesPending(t *testing.T) {
	m, _ := newTestManager(&fakeProber{}, Options{})

	if !m.Trigger(TriggerManual) {
		t.Error("First trigger should be queued")
	}
	if m.Trigger(TriggerManual) || m.Trigger(TriggerSchedule) {
		t.Error("Further triggers should be coalesced")
	}
	if len(m.pending) != 1 {
		t.Errorf("Expected exactly one pending refresh, got %d", len(m.pending))
	}
}

func TestStart_TriggerDuringCycleRunsOnceAfter(t *testing.T) {
	src := &fakeScraper{
		name:    "slow",
		entries: []string{"1.2.3.4:8080"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, _ := newTestManager(&fakeProber{}, Options{}, src)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}
	defer m.Stop()

	select {
	case <-src.started:
	case <-time.After(2 * time.Second):
		t.Fatal("startup cycle did not begin")
	}
	if m.State() != StateRefreshing {
		t.Errorf("Expected Refreshing, got %s", m.State())
	}

	queued := 0
	for i := 0; i < 3; i++ {
		if m.Trigger(TriggerManual) {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("Expected 1 queued trigger during a cycle, got %d", queued)
	}
	close(src.release)

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := src.calls.Load(); got != 2 {
		t.Errorf("Expected exactly 2 cycles, got %d", got)
	}
}

func TestSubscribe_ReceivesCycleEvents(t *testing.T) {
	m, _ := newTestManager(&fakeProber{}, Options{}, &fakeScraper{name: "empty"})

	var types []string
	m.Subscribe(func(e Event) { types = append(types, e.Type) })
	m.RunCycle(context.Background(), TriggerManual)

	if diff := deep.Equal(types, []string{"cycle_started", "cycle_finished"}); diff != nil {
		t.Error(diff)
	}
	if r, ok := m.LastReport(); !ok || r.Trigger != TriggerManual {
		t.Errorf("Expected last report with manual trigger, got %+v", r)
	}
}

func TestNeedsClassificationAndProbe(t *testing.T) {
	now := time.Now()
	window := 5 * time.Minute
	testCases := []struct {
		name          string
		rec           model.ProxyRecord
		wantClassify  bool
		wantProbeNext bool
	}{
		{"new record", model.ProxyRecord{Location: model.UnknownLocation, Status: model.StatusUnprobed}, true, true},
		{"fresh known", model.ProxyRecord{Location: "London", ClassifiedAt: now, Status: model.StatusHealthy, LastProbedAt: now}, false, false},
		{"stale unknown", model.ProxyRecord{Location: model.UnknownLocation, ClassifiedAt: now.Add(-time.Hour), Status: model.StatusHealthy, LastProbedAt: now}, true, false},
		{"old known, stale probe", model.ProxyRecord{Location: "Paris", ClassifiedAt: now.Add(-time.Hour), Status: model.StatusUnreachable, LastProbedAt: now.Add(-time.Hour)}, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsClassification(tc.rec, now, window); got != tc.wantClassify {
				t.Errorf("NeedsClassification() = %v, want %v", got, tc.wantClassify)
			}
			if got := NeedsProbe(tc.rec, now, window); got != tc.wantProbeNext {
				t.Errorf("NeedsProbe() = %v, want %v", got, tc.wantProbeNext)
			}
		})
	}
}

func TestStop_DuringProbeReturnsWithinTimeout(t *testing.T) {
	const probeTimeout = 3 * time.Second

	hit := make(chan struct{})
	var once sync.Once
	slow := testutil.Slow(30 * time.Second)
	fp := testutil.NewFakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(hit) })
		slow(w, r)
	})

	v, err := validator.NewValidator("http://probe.test/ip", probeTimeout, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewValidator() returned an error: %v", err)
	}
	m, _ := newTestManager(v, Options{ProbeTimeout: probeTimeout},
		scraper.NewStaticScraper("static", []string{fp.Record.Key()}))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		m.Stop()
		t.Fatal("probe did not reach the proxy")
	}

	start := time.Now()
	m.Stop()
	if elapsed := time.Since(start); elapsed >= probeTimeout {
		t.Errorf("Stop() took %v, want less than the probe timeout %v", elapsed, probeTimeout)
	}
	if m.State() != StateIdle {
		t.Errorf("Expected Idle after Stop, got %s", m.State())
	}
}
