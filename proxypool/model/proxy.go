package model

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// UnknownLocation 是尚未（或无法）定位的代理的标签。
const UnknownLocation = "unknown"

// UnreachableLatency is the "infinite" latency carried by records that are not
// Healthy. It never holds a stale measured value.
const UnreachableLatency = time.Duration(math.MaxInt64)

// Status 描述代理的健康状态。
type Status int

const (
	StatusUnprobed Status = iota
	StatusHealthy
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unprobed"
	}
}

// MarshalText lets snapshots render the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProxyRecord 是代理池的核心数据结构，仅由 Registry 修改。
// Registry 对外只返回值拷贝。
type ProxyRecord struct {
	// 核心信息
	Address  string `json:"address"`
	Port     int    `json:"port"`
	SourceID string `json:"source_id"` // 产生该代理的来源

	// 地理信息
	Location     string    `json:"location"`
	Country      string    `json:"country,omitempty"`
	ClassifiedAt time.Time `json:"classified_at"` // 零值表示从未分类

	// 健康状态与生命周期管理
	Status              Status        `json:"status"`
	Latency             time.Duration `json:"latency"`
	LastProbedAt        time.Time     `json:"last_probed_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FirstSeenAt         time.Time     `json:"first_seen_at"`
	LastSeenAt          time.Time     `json:"last_seen_at"`
}

// Key returns the identity key "address:port".
func (r ProxyRecord) Key() string {
	return Key(r.Address, r.Port)
}

// Healthy reports whether the latency of r is meaningful.
func (r ProxyRecord) Healthy() bool {
	return r.Status == StatusHealthy
}

// Key builds the registry identity key for an address and port.
func Key(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// Candidate 是来源适配器产出、经过解析的一条代理。
// Location 与 Probe 为可选的“更新鲜”的值，由 Registry.Upsert 采纳。
type Candidate struct {
	Address  string
	Port     int
	SourceID string

	Location string
	Country  string
	Probe    *ProbeOutcome
}

// Key returns the identity key of the candidate.
func (c Candidate) Key() string {
	return Key(c.Address, c.Port)
}

// ProbeOutcome is the result of one health probe.
type ProbeOutcome struct {
	Reachable bool
	Latency   time.Duration
	At        time.Time
	Err       error
}

// Credentials are attached to a single session and never stored.
type Credentials struct {
	Username string
	Password string
}

// ErrMalformedCandidate is returned by ParseCandidate for entries without a
// usable host or port.
var ErrMalformedCandidate = errors.New("malformed proxy candidate")

// ParseCandidate 将 "address:port" 解析为 Candidate。
// 空地址、非数字端口或超出 1-65535 的端口都视为格式错误。
func ParseCandidate(raw, sourceID string) (Candidate, error) {
	trimmed := strings.TrimSpace(raw)
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %q: %v", ErrMalformedCandidate, trimmed, err)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return Candidate{}, fmt.Errorf("%w: %q: empty address", ErrMalformedCandidate, trimmed)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %q: non-numeric port", ErrMalformedCandidate, trimmed)
	}
	if port < 1 || port > 65535 {
		return Candidate{}, fmt.Errorf("%w: %q: port out of range", ErrMalformedCandidate, trimmed)
	}
	return Candidate{Address: host, Port: port, SourceID: sourceID}, nil
}
