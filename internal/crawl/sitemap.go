package crawl

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	sitemapFetchTimeout = 15 * time.Second
	sitemapMaxBytes     = 10 * 1024 * 1024
	sitemapMaxNesting   = 3
)

// sitemapVariants are the well-known locations probed in order
var sitemapVariants = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/sitemap.xml",
}

// SitemapEntry is one URL from a sitemap with its optional priority
type SitemapEntry struct {
	URL      string
	Priority float64
}

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc      string `xml:"loc"`
	Priority string `xml:"priority"`
}

type sitemapIndex struct {
	XMLName  xml.Name         `xml:"sitemapindex"`
	Sitemaps []sitemapIndexEl `xml:"sitemap"`
}

type sitemapIndexEl struct {
	Loc string `xml:"loc"`
}

// SitemapFetcher retrieves sitemap URLs for a crawl origin
type SitemapFetcher struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger
}

// NewSitemapFetcher creates a sitemap fetcher
func NewSitemapFetcher(userAgent string, logger arbor.ILogger) *SitemapFetcher {
	return &SitemapFetcher{
		client:    &http.Client{Timeout: sitemapFetchTimeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch probes the origin's well-known sitemap locations and returns the
// entries of the first one that parses. Sitemap indexes are followed up to
// a bounded nesting depth. An unreachable sitemap yields an empty list,
// not an error.
func (s *SitemapFetcher) Fetch(ctx context.Context, originURL string) ([]SitemapEntry, error) {
	origin, err := url.Parse(originURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin URL: %w", err)
	}
	base := origin.Scheme + "://" + origin.Host

	for _, variant := range sitemapVariants {
		entries := s.fetchOne(ctx, base+variant, sitemapMaxNesting)
		if len(entries) > 0 {
			s.logger.Debug().
				Str("sitemap_url", base+variant).
				Int("entries", len(entries)).
				Msg("Sitemap retrieved")
			return entries, nil
		}
	}
	return nil, nil
}

func (s *SitemapFetcher) fetchOne(ctx context.Context, sitemapURL string, nesting int) []SitemapEntry {
	if nesting <= 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, sitemapMaxBytes))
	if err != nil {
		return nil
	}

	return s.parse(ctx, body, nesting)
}

func (s *SitemapFetcher) parse(ctx context.Context, body []byte, nesting int) []SitemapEntry {
	var urlset sitemapURLSet
	if err := xml.Unmarshal(body, &urlset); err == nil && len(urlset.URLs) > 0 {
		entries := make([]SitemapEntry, 0, len(urlset.URLs))
		for _, u := range urlset.URLs {
			if u.Loc == "" {
				continue
			}
			entry := SitemapEntry{URL: u.Loc, Priority: 0.5}
			if u.Priority != "" {
				if p, err := strconv.ParseFloat(u.Priority, 64); err == nil {
					entry.Priority = p
				}
			}
			entries = append(entries, entry)
		}
		return entries
	}

	// Sitemap index: follow nested sitemaps
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var entries []SitemapEntry
		for _, sm := range index.Sitemaps {
			if sm.Loc == "" {
				continue
			}
			entries = append(entries, s.fetchOne(ctx, sm.Loc, nesting-1)...)
		}
		return entries
	}

	return nil
}
