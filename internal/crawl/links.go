package crawl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// LinkExtractor discovers links in fetched HTML
type LinkExtractor struct {
	logger arbor.ILogger
}

// NewLinkExtractor creates a new link extractor
func NewLinkExtractor(logger arbor.ILogger) *LinkExtractor {
	return &LinkExtractor{
		logger: logger,
	}
}

// ExtractLinks resolves every <a href> in the document to an absolute URL.
// Order follows document order; duplicates are dropped on first sight.
func (le *LinkExtractor) ExtractLinks(html string, sourceURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for link extraction: %w", err)
	}

	baseURL, err := url.Parse(sourceURL)
	if err != nil {
		le.logger.Warn().Err(err).Str("source_url", sourceURL).Msg("Failed to parse source URL for link resolution")
		baseURL = nil
	}
	// <base href> overrides the document URL for relative resolution
	if baseURL != nil {
		if baseHref, exists := doc.Find("base[href]").First().Attr("href"); exists {
			if resolved, err := baseURL.Parse(baseHref); err == nil {
				baseURL = resolved
			}
		}
	}

	var links []string
	linkSet := make(map[string]bool)

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}
		if shouldSkipLink(href) {
			return
		}

		resolved := resolveURL(href, baseURL)
		if resolved == "" {
			return
		}

		if !linkSet[resolved] {
			linkSet[resolved] = true
			links = append(links, resolved)
		}
	})

	le.logger.Debug().
		Str("source_url", sourceURL).
		Int("links_found", len(links)).
		Msg("Links extracted from HTML content")

	return links, nil
}

// shouldSkipLink filters out non-navigable href values
func shouldSkipLink(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))

	if href == "" {
		return true
	}
	if strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "sms:") ||
		strings.HasPrefix(href, "ftp:") {
		return true
	}
	// Fragment-only anchors stay on the current page
	if strings.HasPrefix(href, "#") {
		return true
	}
	if strings.HasPrefix(href, "data:") {
		return true
	}
	return false
}

// resolveURL resolves a potentially relative URL against a base URL
func resolveURL(href string, baseURL *url.URL) string {
	if baseURL == nil {
		if parsed, err := url.Parse(href); err == nil && parsed.IsAbs() {
			return parsed.String()
		}
		return ""
	}

	resolved, err := baseURL.Parse(href)
	if err != nil {
		return ""
	}
	// Drop fragments so /page and /page#section collapse
	resolved.Fragment = ""
	return resolved.String()
}
