package crawl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/trawler/internal/models"
)

// Normalize produces the canonical form of a URL under the crawl's options:
// lowercased host, default port stripped, fragment dropped, trailing slash
// trimmed off non-root paths. With deduplicate_similar_urls the www prefix
// is stripped; with ignore_query_parameters the query is dropped.
//
// Normalize is idempotent: applying it to its own output is a no-op.
func Normalize(rawURL string, opts models.CrawlerOptions) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL has no host: %s", rawURL)
	}

	host := strings.ToLower(u.Hostname())
	if opts.DeduplicateSimilarURLs {
		host = strings.TrimPrefix(host, "www.")
	}

	// Keep only non-default ports
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	out := u.Scheme + "://" + host + path
	if u.RawQuery != "" && !opts.IgnoreQueryParameters {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// Permutations expands a canonical URL into the bundle of forms considered
// equivalent for deduplication: {http, https} x {with, without trailing
// slash} x {with, without www}. Inserting the whole bundle atomically is
// what makes lock_url race-free across trivially different spellings.
func Permutations(canonical string) []string {
	u, err := url.Parse(canonical)
	if err != nil {
		return []string{canonical}
	}

	bareHost := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	hosts := []string{bareHost, "www." + bareHost}

	barePath := u.EscapedPath()
	if barePath == "" {
		barePath = "/"
	}
	paths := []string{strings.TrimSuffix(barePath, "/"), strings.TrimSuffix(barePath, "/") + "/"}

	query := ""
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}

	seen := make(map[string]bool)
	var out []string
	for _, scheme := range []string{"http", "https"} {
		for _, host := range hosts {
			for _, path := range paths {
				perm := scheme + "://" + host + path + query
				if !seen[perm] {
					seen[perm] = true
					out = append(out, perm)
				}
			}
		}
	}
	return out
}

// SameBundle reports whether two URLs collapse to the same permutation
// bundle, i.e. the crawl treats them as one page.
func SameBundle(a, b string, opts models.CrawlerOptions) bool {
	na, errA := Normalize(a, opts)
	nb, errB := Normalize(b, opts)
	if errA != nil || errB != nil {
		return a == b
	}
	pa := Permutations(na)
	pb := Permutations(nb)
	if len(pa) == 0 || len(pb) == 0 {
		return na == nb
	}
	return pa[0] == pb[0]
}
