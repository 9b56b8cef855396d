package validator

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"geoproxy_pool/proxypool/model"
)

// ProxyURL builds the forward-proxy URL for a record. Credentials, when given,
// live only inside the returned URL.
func ProxyURL(rec model.ProxyRecord, creds *model.Credentials) *url.URL {
	u := &url.URL{Scheme: "http", Host: rec.Key()}
	if creds != nil && creds.Username != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	return u
}

// UpstreamDialer 解析 socks5://[user:pass@]host:port，返回连接候选代理时使用的上游拨号器。
// raw 为空时返回 nil，表示直连。
func UpstreamDialer(raw string, timeout time.Duration) (proxy.ContextDialer, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("upstream must be a socks5:// URL, got %q", raw)
	}
	d, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream dialer for %q does not support contexts", u.Redacted())
	}
	return cd, nil
}

// NewProxyTransport 创建一个经由指定上游代理的 http.Transport。
// dialer 为空时使用带超时的 net.Dialer。
func NewProxyTransport(proxyURL *url.URL, dialer proxy.ContextDialer, timeout time.Duration) *http.Transport {
	if dialer == nil {
		dialer = &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}
	}
	return &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       timeout,
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
