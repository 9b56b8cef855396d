package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geoproxy_pool/proxypool/model"
)

// DefaultEvictionThreshold 是连续不可达多少次后淘汰代理的默认值。
const DefaultEvictionThreshold = 5

// ErrNotFound is returned when a key is not present in the registry.
var ErrNotFound = errors.New("proxy not found in registry")

// Filter selects records for List.
type Filter func(model.ProxyRecord) bool

// All matches every record.
func All(model.ProxyRecord) bool { return true }

// HealthyIn matches Healthy records whose location contains region,
// case-insensitively. An empty region matches every healthy record.
func HealthyIn(region string) Filter {
	return func(r model.ProxyRecord) bool {
		return r.Status == model.StatusHealthy && MatchesRegion(r.Location, region)
	}
}

// MatchesRegion reports whether location contains region, ignoring case.
func MatchesRegion(location, region string) bool {
	region = strings.TrimSpace(region)
	if region == "" {
		return true
	}
	return strings.Contains(strings.ToLower(location), strings.ToLower(region))
}

// Registry 是代理池状态的唯一来源。
// 所有修改都在同一把写锁下完成，因此单条记录永远不会出现“延迟已更新而状态未更新”的撕裂状态。
type Registry struct {
	mu                sync.RWMutex
	proxies           map[string]*model.ProxyRecord
	evictionThreshold int
	logger            zerolog.Logger
	now               func() time.Time
}

// New creates an empty registry. A non-positive threshold selects the default.
func New(evictionThreshold int, logger zerolog.Logger) *Registry {
	if evictionThreshold <= 0 {
		evictionThreshold = DefaultEvictionThreshold
	}
	return &Registry{
		proxies:           make(map[string]*model.ProxyRecord),
		evictionThreshold: evictionThreshold,
		logger:            logger,
		now:               time.Now,
	}
}

// Upsert 插入新代理；已存在时原地更新元数据。
// 已有的 location/status/latency 仅在 candidate 显式携带更新的值时才会被覆盖。
// 返回值表示是否新建了记录。
func (r *Registry) Upsert(c model.Candidate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := c.Key()
	rec, exists := r.proxies[key]
	if !exists {
		rec = &model.ProxyRecord{
			Address:     c.Address,
			Port:        c.Port,
			SourceID:    c.SourceID,
			Location:    model.UnknownLocation,
			Status:      model.StatusUnprobed,
			Latency:     model.UnreachableLatency,
			FirstSeenAt: now,
		}
		r.proxies[key] = rec
	}
	rec.LastSeenAt = now
	if c.SourceID != "" {
		rec.SourceID = c.SourceID
	}

	if c.Location != "" {
		r.setLocationLocked(rec, c.Location, c.Country, now)
	}
	if c.Probe != nil {
		r.markProbedLocked(key, rec, *c.Probe, now)
	}
	return !exists
}

// Get returns a copy of the record stored under key.
func (r *Registry) Get(key string) (model.ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.proxies[key]
	if !ok {
		return model.ProxyRecord{}, false
	}
	return *rec, true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}

// List 返回满足 filter 的记录快照（值拷贝，而非实时视图），
// 按延迟升序排序，延迟相同时按 address:port 字典序。
func (r *Registry) List(filter Filter) []model.ProxyRecord {
	if filter == nil {
		filter = All
	}

	r.mu.RLock()
	out := make([]model.ProxyRecord, 0, len(r.proxies))
	for _, rec := range r.proxies {
		if filter(*rec) {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()

	SortByLatency(out)
	return out
}

// SortByLatency orders records by ascending latency, then by key.
func SortByLatency(records []model.ProxyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Latency != records[j].Latency {
			return records[i].Latency < records[j].Latency
		}
		return records[i].Key() < records[j].Key()
	})
}

// MarkProbed 记录一次探测结果。
// 连续不可达次数达到阈值时淘汰该记录，并返回 evicted=true。
func (r *Registry) MarkProbed(key string, outcome model.ProbeOutcome) (evicted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.proxies[key]
	if !ok {
		return false, ErrNotFound
	}
	return r.markProbedLocked(key, rec, outcome, r.now()), nil
}

// markProbedLocked must be called with r.mu held for writing.
func (r *Registry) markProbedLocked(key string, rec *model.ProxyRecord, outcome model.ProbeOutcome, now time.Time) bool {
	at := outcome.At
	if at.IsZero() {
		at = now
	}
	rec.LastProbedAt = at

	if outcome.Reachable {
		rec.Status = model.StatusHealthy
		rec.Latency = outcome.Latency
		rec.ConsecutiveFailures = 0
		return false
	}

	rec.Status = model.StatusUnreachable
	rec.Latency = model.UnreachableLatency
	rec.ConsecutiveFailures++

	if rec.ConsecutiveFailures >= r.evictionThreshold {
		delete(r.proxies, key)
		r.logger.Info().Str("proxy", key).Int("failures", rec.ConsecutiveFailures).Msg("Proxy removed from pool due to consecutive failures.")
		return true
	}
	return false
}

// SetLocation 更新 location，但永远不会把已知标签降级为 "unknown"。
// 无论标签是否被采纳，都会记录本次分类时间。
func (r *Registry) SetLocation(key, label, country string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.proxies[key]
	if !ok {
		return ErrNotFound
	}
	r.setLocationLocked(rec, label, country, r.now())
	return nil
}

func (r *Registry) setLocationLocked(rec *model.ProxyRecord, label, country string, now time.Time) {
	rec.ClassifiedAt = now
	if label == "" {
		label = model.UnknownLocation
	}
	if label == model.UnknownLocation && rec.Location != model.UnknownLocation {
		return
	}
	rec.Location = label
	if country != "" || label == model.UnknownLocation {
		rec.Country = country
	}
}

// Delete removes a record; it reports whether the key existed.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.proxies[key]; !ok {
		return false
	}
	delete(r.proxies, key)
	return true
}
