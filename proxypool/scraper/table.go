package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// TableScraper 解析以 HTML 表格发布代理的页面，第一列是 IP，第二列是端口。
type TableScraper struct {
	name     string
	pageURL  string
	rowQuery string
	client   *http.Client
	logger   zerolog.Logger
}

// NewFreeProxyListScraper handles the sslproxies.org / free-proxy-list.net /
// us-proxy.org family. Both the old and the current table markup are matched.
func NewFreeProxyListScraper(pageURL string, timeout time.Duration, logger zerolog.Logger) *TableScraper {
	return newTableScraper(pageURL, "table#proxylisttable tbody tr, table.table-striped tbody tr", timeout, logger)
}

// NewProxyListDownloadScraper 创建 proxy-list.download 的抓取器
func NewProxyListDownloadScraper(pageURL string, timeout time.Duration, logger zerolog.Logger) *TableScraper {
	return newTableScraper(pageURL, "table.table-bordered tbody tr, table#example1 tbody#tabli tr", timeout, logger)
}

func newTableScraper(pageURL, rowQuery string, timeout time.Duration, logger zerolog.Logger) *TableScraper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name := sourceName(pageURL)
	return &TableScraper{
		name:     name,
		pageURL:  pageURL,
		rowQuery: rowQuery,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("source", name).Logger(),
	}
}

// Name 返回抓取器的名称。
func (s *TableScraper) Name() string {
	return s.name
}

// Scrape 执行抓取操作。
func (s *TableScraper) Scrape(ctx context.Context) ([]string, error) {
	s.logger.Debug().Str("url", s.pageURL).Msg("Starting scrape...")

	doc, err := fetchDocument(ctx, s.client, s.name, s.pageURL)
	if err != nil {
		return nil, err
	}

	rows := doc.Find(s.rowQuery)
	if rows.Length() == 0 {
		// 页面结构变了，视为抓取失败而不是空列表
		return nil, fmt.Errorf("%w: no proxy table on %s", ErrSourceFetchFailed, s.name)
	}

	var entries []string
	rows.Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		if cells.Length() < 2 {
			return
		}
		// 有的站点把 IP 和端口包在 <a> 里，Text() 会一并取出
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" && port == "" {
			return
		}
		entries = append(entries, net.JoinHostPort(ip, port))
	})

	s.logger.Debug().Int("count", len(entries)).Msg("Scrape finished.")
	return entries, nil
}
