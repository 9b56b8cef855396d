package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"geoproxy_pool/proxypool/model"
)

// DefaultMaxReferencePoints caps the reference set when no limit is given.
const DefaultMaxReferencePoints = 4096

// Reference is one (feature vector, label) pair of the reference set.
type Reference struct {
	Feature  Feature
	Location Location
	seq      uint64 // 越大越新
}

// Classifier 为代理地址给出位置标签。
// 先询问定位服务（主、最多一个备用），成功的答案成为新的参考点；
// 定位服务全部失败时，按最近邻从参考集中取标签；都不可用则返回 "unknown"。
type Classifier struct {
	mu        sync.RWMutex
	points    []Reference
	seq       uint64
	maxPoints int

	oracles []Oracle
	logger  zerolog.Logger
}

// NewClassifier creates a classifier. primary and fallback may be nil.
func NewClassifier(primary, fallback Oracle, maxPoints int, logger zerolog.Logger) *Classifier {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxReferencePoints
	}
	c := &Classifier{
		maxPoints: maxPoints,
		logger:    logger,
	}
	for _, o := range []Oracle{primary, fallback} {
		if o != nil {
			c.oracles = append(c.oracles, o)
		}
	}
	return c
}

// Classify labels rec. An oracle answer is about this exact address, while
// the reference set only knows its /16 neighbours, so the oracles are asked
// first and every answer is learned as a new reference point. The nearest
// neighbour is used when no oracle answers.
// Classify never fails: any unavailability normalizes to model.UnknownLocation.
func (c *Classifier) Classify(ctx context.Context, rec model.ProxyRecord) Location {
	feature, hasFeature := FeatureOf(rec.Address)

	for _, o := range c.oracles {
		loc, err := o.Lookup(ctx, rec.Address)
		if err != nil {
			c.logger.Debug().Err(err).Str("proxy", rec.Key()).Str("oracle", o.Name()).Msg("Geo lookup failed.")
			continue
		}
		if hasFeature {
			c.AddReference(feature, loc)
		}
		return loc
	}

	if hasFeature {
		if loc, ok := c.Nearest(feature); ok {
			return loc
		}
	}
	return Location{Label: model.UnknownLocation}
}

// AddReference records a training point. A point with the same feature and
// label is refreshed instead of duplicated; beyond the cap the oldest point
// is dropped.
func (c *Classifier) AddReference(f Feature, loc Location) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	for i := range c.points {
		if c.points[i].Feature == f && c.points[i].Location.Label == loc.Label {
			c.points[i].Location = loc
			c.points[i].seq = c.seq
			return
		}
	}
	c.points = append(c.points, Reference{Feature: f, Location: loc, seq: c.seq})

	if len(c.points) > c.maxPoints {
		oldest := 0
		for i := range c.points {
			if c.points[i].seq < c.points[oldest].seq {
				oldest = i
			}
		}
		c.points = append(c.points[:oldest], c.points[oldest+1:]...)
	}
}

// Nearest returns the label of the closest reference point. Ties on distance
// go to the most recently seen point.
func (c *Classifier) Nearest(f Feature) (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := -1
	bestDist := math.Inf(1)
	for i, p := range c.points {
		d := f.Distance(p.Feature)
		if math.IsInf(d, 1) {
			continue
		}
		if best == -1 || d < bestDist || (d == bestDist && p.seq > c.points[best].seq) {
			best = i
			bestDist = d
		}
	}
	if best == -1 {
		return Location{}, false
	}
	return c.points[best].Location, true
}

// Seed loads "a.b=Label" entries, e.g. "81.2=London, United Kingdom". The
// country is taken from the last comma-separated part of the label.
func (c *Classifier) Seed(entries []string) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, label, ok := strings.Cut(entry, "=")
		label = strings.TrimSpace(label)
		if !ok || label == "" {
			return fmt.Errorf("invalid seed entry %q", entry)
		}
		f, ok := ParseFeature(prefix)
		if !ok {
			return fmt.Errorf("invalid seed prefix %q", prefix)
		}
		country := label
		if i := strings.LastIndex(label, ","); i >= 0 {
			country = strings.TrimSpace(label[i+1:])
		}
		c.AddReference(f, Location{Label: label, Country: country})
	}
	return nil
}

// References returns a copy of the reference set, oldest first.
func (c *Classifier) References() []Reference {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Reference, len(c.points))
	copy(out, c.points)
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the size of the reference set.
func (c *Classifier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}
