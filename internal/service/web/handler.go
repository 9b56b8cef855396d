package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"geoproxy_pool/proxypool/manager"
	"geoproxy_pool/proxypool/model"
)

// PoolController defines the interface that the web handler uses to interact with the pool.
// This decouples the web package from the app package.
type PoolController interface {
	ListHealthy(region string) []model.ProxyRecord
	Snapshot() []model.ProxyRecord
	Select(region string) (model.ProxyRecord, bool)
	RefreshNow() bool
	Status() PoolStatus
}

// PoolStatus 是 /api/status 的响应体
type PoolStatus struct {
	State     string               `json:"state"`
	PoolSize  int                  `json:"pool_size"`
	Healthy   int                  `json:"healthy"`
	Sources   []string             `json:"sources"`
	LastCycle *manager.CycleReport `json:"last_cycle,omitempty"`
}

// ProxyView is the API rendering of a record. Latency is omitted unless the
// record is healthy.
type ProxyView struct {
	Key          string     `json:"key"`
	Address      string     `json:"address"`
	Port         int        `json:"port"`
	Source       string     `json:"source"`
	Location     string     `json:"location"`
	Country      string     `json:"country,omitempty"`
	Status       string     `json:"status"`
	LatencyMs    *float64   `json:"latency_ms,omitempty"`
	LastProbedAt *time.Time `json:"last_probed_at,omitempty"`
	Failures     int        `json:"consecutive_failures"`
}

func newProxyView(r model.ProxyRecord) ProxyView {
	v := ProxyView{
		Key:      r.Key(),
		Address:  r.Address,
		Port:     r.Port,
		Source:   r.SourceID,
		Location: r.Location,
		Country:  r.Country,
		Status:   r.Status.String(),
		Failures: r.ConsecutiveFailures,
	}
	if r.Healthy() {
		ms := float64(r.Latency) / float64(time.Millisecond)
		v.LatencyMs = &ms
	}
	if !r.LastProbedAt.IsZero() {
		t := r.LastProbedAt
		v.LastProbedAt = &t
	}
	return v
}

type Handler struct {
	controller PoolController
	logger     zerolog.Logger
}

func NewHandler(controller PoolController, logger zerolog.Logger) *Handler {
	return &Handler{
		controller: controller,
		logger:     logger,
	}
}

// HandleProxies 处理 GET /api/proxies?region=&all=
// 默认只返回健康代理，all=true 时返回完整快照。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	region := r.URL.Query().Get("region")
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var records []model.ProxyRecord
	if all {
		records = h.controller.Snapshot()
	} else {
		records = h.controller.ListHealthy(region)
	}

	views := make([]ProxyView, 0, len(records))
	for _, rec := range records {
		views = append(views, newProxyView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleSelect 处理 GET /api/select?region=
func (h *Handler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	region := r.URL.Query().Get("region")
	rec, ok := h.controller.Select(region)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "no healthy proxy for region",
			"region": region,
		})
		return
	}
	writeJSON(w, http.StatusOK, newProxyView(rec))
}

// HandleRefresh 处理 POST /api/refresh，周期进行中时请求会被合并。
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queued := h.controller.RefreshNow()
	h.logger.Info().Bool("queued", queued).Str("remote_addr", r.RemoteAddr).Msg("Manual refresh requested.")
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
