package crawl

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

// FilterResult contains a filtering outcome and the reason for rejection
type FilterResult struct {
	ShouldEnqueue bool
	URL           string // Normalized URL when ShouldEnqueue
	Reason        string
	ExcludedBy    string // Pattern that excluded the URL, if applicable
}

// LinkFilter decides whether a discovered link joins the crawl frontier.
// Compiled once per crawl from the crawl's options, origin and robots.txt.
type LinkFilter struct {
	opts           models.CrawlerOptions
	originHost     string
	originPath     string
	includeRegexes []*regexp.Regexp
	excludeRegexes []*regexp.Regexp
	robotsGroup    *robotstxt.Group
	logger         arbor.ILogger
}

// NewLinkFilter compiles the filter for a crawl. robotsData may be nil when
// robots.txt was unavailable or ignored.
func NewLinkFilter(originURL string, opts models.CrawlerOptions, robotsData *robotstxt.RobotsData, userAgent string, logger arbor.ILogger) *LinkFilter {
	filter := &LinkFilter{
		opts:           opts,
		logger:         logger,
		includeRegexes: make([]*regexp.Regexp, 0, len(opts.IncludePaths)),
		excludeRegexes: make([]*regexp.Regexp, 0, len(opts.ExcludePaths)),
	}

	if origin, err := url.Parse(originURL); err == nil {
		filter.originHost = strings.TrimPrefix(strings.ToLower(origin.Hostname()), "www.")
		filter.originPath = origin.EscapedPath()
		if filter.originPath == "" {
			filter.originPath = "/"
		}
	}

	for _, pattern := range opts.IncludePaths {
		if re, err := regexp.Compile(pattern); err == nil {
			filter.includeRegexes = append(filter.includeRegexes, re)
		} else {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile include pattern")
		}
	}
	for _, pattern := range opts.ExcludePaths {
		if re, err := regexp.Compile(pattern); err == nil {
			filter.excludeRegexes = append(filter.excludeRegexes, re)
		} else {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to compile exclude pattern")
		}
	}

	if robotsData != nil && !opts.IgnoreRobotsTxt {
		filter.robotsGroup = robotsData.FindGroup(userAgent)
	}

	return filter
}

// FilterURL applies all filtering rules to a discovered link. depth is the
// would-be depth of the child job.
func (f *LinkFilter) FilterURL(link string, depth int) FilterResult {
	normalized, err := Normalize(link, f.opts)
	if err != nil {
		return FilterResult{Reason: "invalid URL"}
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return FilterResult{Reason: "invalid URL"}
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	if f.opts.MaxDepth > 0 && depth > f.opts.MaxDepth {
		return FilterResult{Reason: "exceeds max depth"}
	}

	if !f.opts.AllowExternalLinks && !f.sameDomain(host) {
		return FilterResult{Reason: "external link"}
	}

	if !f.opts.AllowBackwardLinks && f.sameDomain(host) && !strings.HasPrefix(path, f.originPath) {
		return FilterResult{Reason: "backward link"}
	}

	// Exclude patterns reject first
	for _, re := range f.excludeRegexes {
		if re.MatchString(path) {
			return FilterResult{
				Reason:     "matches exclude pattern",
				ExcludedBy: re.String(),
			}
		}
	}

	if len(f.includeRegexes) > 0 {
		matched := false
		for _, re := range f.includeRegexes {
			if re.MatchString(path) {
				matched = true
				break
			}
		}
		if !matched {
			return FilterResult{Reason: "does not match include patterns"}
		}
	}

	if f.robotsGroup != nil && !f.robotsGroup.Test(path) {
		return FilterResult{Reason: "disallowed by robots.txt"}
	}

	return FilterResult{ShouldEnqueue: true, URL: normalized}
}

// FilterLinks applies filtering to multiple URLs preserving discovery order
func (f *LinkFilter) FilterLinks(links []string, depth int) []string {
	filtered := make([]string, 0, len(links))
	seen := make(map[string]bool)
	for _, link := range links {
		result := f.FilterURL(link, depth)
		if !result.ShouldEnqueue {
			continue
		}
		if seen[result.URL] {
			continue
		}
		seen[result.URL] = true
		filtered = append(filtered, result.URL)
	}
	return filtered
}

// sameDomain reports whether a host belongs to the crawl's origin, treating
// subdomains as in-domain when allow_subdomains is set.
func (f *LinkFilter) sameDomain(host string) bool {
	if host == f.originHost {
		return true
	}
	if f.opts.AllowSubdomains && strings.HasSuffix(host, "."+f.originHost) {
		return true
	}
	return false
}
