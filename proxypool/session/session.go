package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"geoproxy_pool/proxypool/model"
	"geoproxy_pool/proxypool/validator"
)

// ErrConnectionFailed is returned when the verification request through the
// proxy does not succeed. The core never retries.
var ErrConnectionFailed = errors.New("session connection failed")

// Session 是一个已确认可用的代理会话。
// 凭据只存在于 transport 内部的代理 URL 中，不会被记录或保存。
type Session struct {
	ID        string
	Record    model.ProxyRecord
	Latency   time.Duration
	ExitIP    string
	OpenedAt  time.Time
	client    *http.Client
	transport *http.Transport
}

// Client returns an HTTP client that routes every request through the
// session's proxy.
func (s *Session) Client() *http.Client {
	return s.client
}

// Close releases idle connections held by the session.
func (s *Session) Close() {
	s.transport.CloseIdleConnections()
}

// Opener builds and verifies sessions. It holds no reference to the registry.
type Opener struct {
	target  *url.URL
	timeout time.Duration
	dialer  proxy.ContextDialer
	logger  zerolog.Logger
}

// NewOpener creates an opener that verifies sessions against targetURL.
func NewOpener(targetURL string, timeout time.Duration, logger zerolog.Logger) (*Opener, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid verification target: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("verification target must be an absolute http(s) URL: %q", targetURL)
	}
	if timeout <= 0 {
		timeout = validator.DefaultTimeout
	}
	return &Opener{target: u, timeout: timeout, logger: logger}, nil
}

// SetDialer replaces the dialer used to reach the proxy.
func (o *Opener) SetDialer(d proxy.ContextDialer) {
	o.dialer = d
}

// Open applies rec (and optional credentials) to a fresh client and issues
// one verification request through it.
func (o *Opener) Open(ctx context.Context, rec model.ProxyRecord, creds *model.Credentials) (*Session, error) {
	proxyURL := validator.ProxyURL(rec, creds)
	transport := validator.NewProxyTransport(proxyURL, o.dialer, o.timeout)
	client := &http.Client{
		Transport: transport,
		Timeout:   o.timeout,
	}

	l := o.logger.With().Str("proxy", rec.Key()).Bool("with_credentials", creds != nil && creds.Username != "").Logger()

	vctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(vctx, http.MethodGet, o.target.String(), nil)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		transport.CloseIdleConnections()
		err = redact(err, proxyURL)
		l.Warn().Err(err).Msg("Failed to connect through proxy.")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		transport.CloseIdleConnections()
		l.Warn().Int("status_code", resp.StatusCode).Msg("Proxy verification returned non-200 status.")
		return nil, fmt.Errorf("%w: status %d", ErrConnectionFailed, resp.StatusCode)
	}
	if readErr != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, redact(readErr, proxyURL))
	}

	s := &Session{
		ID:        uuid.NewString(),
		Record:    rec,
		Latency:   latency,
		ExitIP:    exitIP(body),
		OpenedAt:  time.Now(),
		client:    client,
		transport: transport,
	}
	l.Info().Str("session_id", s.ID).Dur("latency", latency).Str("exit_ip", s.ExitIP).Msg("Successfully connected to proxy.")
	return s, nil
}

// exitIP extracts the egress address from httpbin ("origin") or ipinfo
// ("ip") style answers.
func exitIP(body []byte) string {
	var answer struct {
		Origin string `json:"origin"`
		IP     string `json:"ip"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return ""
	}
	if answer.Origin != "" {
		return strings.TrimSpace(strings.Split(answer.Origin, ",")[0])
	}
	return answer.IP
}

// redact strips userinfo from any proxy URL echoed inside err.
func redact(err error, proxyURL *url.URL) error {
	if proxyURL.User == nil {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), proxyURL.String(), proxyURL.Redacted())
	if pw, ok := proxyURL.User.Password(); ok && pw != "" {
		msg = strings.ReplaceAll(msg, pw, "xxxxx")
	}
	return errors.New(msg)
}
