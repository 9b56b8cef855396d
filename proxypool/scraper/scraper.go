package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrSourceFetchFailed 表示某个代理源本次抓取失败，不影响其它代理源。
var ErrSourceFetchFailed = errors.New("source fetch failed")

const (
	// DefaultTimeout 是单个代理源的抓取超时。
	DefaultTimeout = 20 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

// Scraper 接口定义了从代理源抓取代理信息的行为。
type Scraper interface {
	// Scrape 返回原始的 "address:port" 字符串。
	// 实现者应只负责抓取和初步解析，不进行验证。
	Scrape(ctx context.Context) ([]string, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// sourceName derives a scraper name from its page URL.
func sourceName(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return pageURL
	}
	return u.Host
}

// fetchDocument GETs pageURL and parses it as HTML.
func fetchDocument(ctx context.Context, client *http.Client, name, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %v", ErrSourceFetchFailed, name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch page for %s: %v", ErrSourceFetchFailed, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: received non-200 status code (%d) from %s", ErrSourceFetchFailed, resp.StatusCode, name)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse HTML for %s: %v", ErrSourceFetchFailed, name, err)
	}
	return doc, nil
}
