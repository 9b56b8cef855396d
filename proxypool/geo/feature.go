package geo

import (
	"math"
	"net"
	"strconv"
	"strings"
)

// Feature 是从地址派生出的数值特征，只在一次分类中存在，不会持久化。
type Feature struct {
	Family int // 4 or 6
	A, B   float64
}

// FeatureOf extracts the feature vector of an address. Hostnames have no
// features.
func FeatureOf(address string) (Feature, bool) {
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return Feature{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		return Feature{Family: 4, A: float64(v4[0]), B: float64(v4[1])}, true
	}
	return Feature{Family: 6, A: float64(ip[0]), B: float64(ip[1])}, true
}

// Distance is the Euclidean distance between two features. Features of
// different address families are infinitely far apart.
func (f Feature) Distance(o Feature) float64 {
	if f.Family != o.Family {
		return math.Inf(1)
	}
	da, db := f.A-o.A, f.B-o.B
	return math.Sqrt(da*da + db*db)
}

// ParseFeature parses the "a.b" prefix notation used by seed entries,
// e.g. "81.2" for IPv4 addresses starting with 81.2.
func ParseFeature(s string) (Feature, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 {
		return Feature{}, false
	}
	a, err := strconv.Atoi(parts[0])
	if err != nil || a < 0 || a > 255 {
		return Feature{}, false
	}
	b, err := strconv.Atoi(parts[1])
	if err != nil || b < 0 || b > 255 {
		return Feature{}, false
	}
	return Feature{Family: 4, A: float64(a), B: float64(b)}, true
}
