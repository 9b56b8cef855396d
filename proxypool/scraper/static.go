package scraper

import (
	"context"
	"strings"
)

// StaticScraper returns a fixed list, used for manually imported proxies.
type StaticScraper struct {
	name    string
	entries []string
}

func NewStaticScraper(name string, entries []string) *StaticScraper {
	cleaned := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return &StaticScraper{name: name, entries: cleaned}
}

func (s *StaticScraper) Name() string {
	return s.name
}

func (s *StaticScraper) Scrape(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
