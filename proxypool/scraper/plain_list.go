package scraper

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
)

var plainEntryRe = regexp.MustCompile(`(?m)\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{1,5})\b`)

// PlainListScraper 抓取纯文本 "ip:port" 列表（每行一个，也容忍夹杂其它文本）。
type PlainListScraper struct {
	name    string
	listURL string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPlainListScraper 创建一个新的 PlainListScraper 实例。
func NewPlainListScraper(listURL string, timeout time.Duration, logger zerolog.Logger) *PlainListScraper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name := sourceName(listURL)
	return &PlainListScraper{
		name:    name,
		listURL: listURL,
		timeout: timeout,
		logger:  logger.With().Str("source", name).Logger(),
	}
}

// Name 返回抓取器的名称。
func (s *PlainListScraper) Name() string {
	return s.name
}

// Scrape 执行抓取操作。每次调用使用新的 collector，避免重复注册回调和 URL 去重。
func (s *PlainListScraper) Scrape(ctx context.Context) ([]string, error) {
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var entries []string
	c.OnResponse(func(r *colly.Response) {
		for _, m := range plainEntryRe.FindAllSubmatch(r.Body, -1) {
			entries = append(entries, string(m[1])+":"+string(m[2]))
		}
	})

	if err := c.Visit(s.listURL); err != nil {
		s.logger.Warn().Err(err).Str("url", s.listURL).Msg("Scrape request failed.")
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceFetchFailed, s.name, err)
	}
	c.Wait()

	s.logger.Debug().Int("count", len(entries)).Msg("Scrape finished.")
	return entries, nil
}
