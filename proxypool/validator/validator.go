package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"geoproxy_pool/proxypool/model"
)

// DefaultTimeout 是单次探测的默认超时。
const DefaultTimeout = 5 * time.Second

var (
	// ErrProbeTimeout means the probe did not finish within its timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrProbeConnection covers dial errors, proxy errors and non-2xx answers.
	ErrProbeConnection = errors.New("probe connection error")
)

// Validator 通过候选代理向固定目标发起一次请求，测量往返耗时。
// 探测是幂等的，除 Registry 更新外没有副作用。
type Validator struct {
	target  *url.URL
	timeout time.Duration
	dialer  proxy.ContextDialer
	logger  zerolog.Logger
}

// NewValidator creates a prober for targetURL, which must be an absolute
// http(s) URL.
func NewValidator(targetURL string, timeout time.Duration, logger zerolog.Logger) (*Validator, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid probe target: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("probe target must be an absolute http(s) URL: %q", targetURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		target:  u,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// SetDialer routes connections to the proxies themselves through d, e.g. the
// dialer returned by UpstreamDialer. nil means a direct dial.
func (v *Validator) SetDialer(d proxy.ContextDialer) {
	v.dialer = d
}

// Timeout returns the default probe timeout.
func (v *Validator) Timeout() time.Duration {
	return v.timeout
}

// Target returns the probe target URL.
func (v *Validator) Target() string {
	return v.target.String()
}

// Probe issues one request through rec. A non-positive timeout selects the
// validator's default. The outcome is never "unprobed": every failure,
// including a timeout, yields Reachable=false.
func (v *Validator) Probe(ctx context.Context, rec model.ProxyRecord, timeout time.Duration) model.ProbeOutcome {
	if timeout <= 0 {
		timeout = v.timeout
	}

	latency, err := v.roundTrip(ctx, rec, timeout)
	outcome := model.ProbeOutcome{At: time.Now()}
	if err != nil {
		outcome.Err = err
		v.logger.Debug().Err(err).Str("proxy", rec.Key()).Msg("Probe failed.")
		return outcome
	}

	outcome.Reachable = true
	outcome.Latency = latency
	v.logger.Debug().Str("proxy", rec.Key()).Dur("latency", latency).Msg("Probe succeeded.")
	return outcome
}

func (v *Validator) roundTrip(ctx context.Context, rec model.ProxyRecord, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := NewProxyTransport(ProxyURL(rec, nil), v.dialer, timeout)
	transport.DisableKeepAlives = true
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.target.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeConnection, err)
	}
	req.Header.Set("Connection", "close")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		return 0, classifyError(ctx, err)
	}
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: received non-successful status code: %d", ErrProbeConnection, resp.StatusCode)
	}
	return latency, nil
}

// classifyError maps transport errors onto the probe error taxonomy.
func classifyError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProbeConnection, err)
}
