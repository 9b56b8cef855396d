package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geoproxy_pool/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server 是可选的 HTTP API，web_port 为 0 时不启动。
type Server struct {
	cfg    types.WebConf
	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wires the API routes. metricsHandler may be nil.
func NewServer(cfg types.WebConf, controller PoolController, hub *Hub, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	handler := NewHandler(controller, logger)
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), cfg.User, cfg.Password))
	mux.Handle("/api/select", basicAuthMiddleware(http.HandlerFunc(handler.HandleSelect), cfg.User, cfg.Password))
	mux.Handle("/api/refresh", basicAuthMiddleware(http.HandlerFunc(handler.HandleRefresh), cfg.User, cfg.Password))

	// --- WebSocket Endpoint (公开，无需认证) ---
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	return &Server{cfg: cfg, mux: mux, logger: logger}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on web_port and serves in the background.
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		s.logger.Info().Msg("Web API is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Msgf("Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Web server error")
		}
		s.logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
