package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"geoproxy_pool/internal/shared/types"
	"geoproxy_pool/proxypool/manager"
	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/registry"
	"geoproxy_pool/proxypool/selector"
)

type fakeController struct {
	records   []model.ProxyRecord
	refreshes int
}

func (f *fakeController) ListHealthy(region string) []model.ProxyRecord {
	var out []model.ProxyRecord
	for _, r := range f.records {
		if registry.HealthyIn(region)(r) {
			out = append(out, r)
		}
	}
	registry.SortByLatency(out)
	return out
}

func (f *fakeController) List(filter registry.Filter) []model.ProxyRecord {
	var out []model.ProxyRecord
	for _, r := range f.records {
		if filter(r) {
			out = append(out, r)
		}
	}
	registry.SortByLatency(out)
	return out
}

func (f *fakeController) Snapshot() []model.ProxyRecord { return f.List(registry.All) }

func (f *fakeController) Select(region string) (model.ProxyRecord, bool) {
	return selector.New(f).Select(region)
}

func (f *fakeController) RefreshNow() bool {
	f.refreshes++
	return f.refreshes == 1
}

func (f *fakeController) Status() PoolStatus {
	return PoolStatus{State: "idle", PoolSize: len(f.records)}
}

func londonPool() *fakeController {
	return &fakeController{records: []model.ProxyRecord{
		{Address: "1.2.3.4", Port: 8080, Location: "London", Status: model.StatusHealthy, Latency: 300 * time.Millisecond},
		{Address: "5.6.7.8", Port: 3128, Location: "London", Status: model.StatusHealthy, Latency: 100 * time.Millisecond},
		{Address: "9.9.9.9", Port: 80, Location: "London", Status: model.StatusUnreachable, Latency: model.UnreachableLatency},
	}}
}

func newTestServer(ctrl PoolController, cfg types.WebConf) http.Handler {
	return NewServer(cfg, ctrl, nil, nil, zerolog.Nop()).Handler()
}

func TestHandleSelect(t *testing.T) {
	h := newTestServer(londonPool(), types.WebConf{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/select?region=london", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var v ProxyView
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if v.Key != "5.6.7.8:3128" || v.LatencyMs == nil || *v.LatencyMs != 100 {
		t.Errorf("Unexpected selection: %+v", v)
	}
}

func TestHandleSelect_NotFound(t *testing.T) {
	h := newTestServer(londonPool(), types.WebConf{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/select?region=Tokyo", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandleProxies(t *testing.T) {
	h := newTestServer(londonPool(), types.WebConf{})

	testCases := []struct {
		query string
		want  []string
	}{
		{"", []string{"5.6.7.8:3128", "1.2.3.4:8080"}},
		{"?all=true", []string{"5.6.7.8:3128", "1.2.3.4:8080", "9.9.9.9:80"}},
		{"?region=paris", []string{}},
	}
	for _, tc := range testCases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxies"+tc.query, nil))
		var views []ProxyView
		if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
			t.Fatalf("%s: failed to decode response: %v", tc.query, err)
		}
		keys := []string{}
		for _, v := range views {
			keys = append(keys, v.Key)
		}
		if diff := deep.Equal(keys, tc.want); diff != nil {
			t.Errorf("%s: %v", tc.query, diff)
		}
	}
}

func TestHandleRefresh(t *testing.T) {
	ctrl := londonPool()
	h := newTestServer(ctrl, types.WebConf{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"queued":true`) {
		t.Errorf("Unexpected refresh response: %d %s", rec.Code, rec.Body.String())
	}
	if ctrl.refreshes != 1 {
		t.Errorf("Expected 1 refresh, got %d", ctrl.refreshes)
	}
}

func TestBasicAuth(t *testing.T) {
	h := newTestServer(londonPool(), types.WebConf{User: "admin", Password: "pw"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/proxies", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", rec.Code)
	}

	// 状态接口是公开的
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected public /api/status, got %d", rec.Code)
	}
}

func TestHub_BroadcastCycleEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServer(types.WebConf{}, londonPool(), hub, nil, zerolog.Nop()).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastCycleEvent(manager.Event{Type: "cycle_finished", Time: time.Now(), Report: &manager.CycleReport{ID: "c1", Healthy: 2}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string        `json:"type"`
		Data manager.Event `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if msg.Type != "cycle_finished" || msg.Data.Report == nil || msg.Data.Report.Healthy != 2 {
		t.Errorf("Unexpected message: %+v", msg)
	}
}
