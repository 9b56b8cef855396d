package selector

import (
	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/registry"
)

// Source is the read side of the registry the selector needs. List must
// return records ordered by registry.SortByLatency.
type Source interface {
	List(filter registry.Filter) []model.ProxyRecord
}

// Selector 从注册表快照中为指定地区挑选最优代理。
type Selector struct {
	source Source
}

// New creates a selector over source.
func New(source Source) *Selector {
	return &Selector{source: source}
}

// Select returns the lowest-latency Healthy record whose location contains
// region (case-insensitive). Equal latencies go to the lexically smallest
// address:port. ok=false is the normal "not found" outcome.
func (s *Selector) Select(region string) (rec model.ProxyRecord, ok bool) {
	candidates := s.Top(region, 1)
	if len(candidates) == 0 {
		return model.ProxyRecord{}, false
	}
	return candidates[0], true
}

// Top returns up to n matching records in selection order. n <= 0 returns
// all of them.
func (s *Selector) Top(region string, n int) []model.ProxyRecord {
	candidates := s.source.List(registry.HealthyIn(region))
	if n > 0 && len(candidates) > n {
		return candidates[:n]
	}
	return candidates
}
