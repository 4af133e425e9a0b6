package models

import (
	"time"
)

// CrawlStatus is the externally visible state of a crawl
type CrawlStatus string

const (
	CrawlStatusPending   CrawlStatus = "pending"
	CrawlStatusScraping  CrawlStatus = "scraping"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusFailed    CrawlStatus = "failed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
)

// CrawlKind distinguishes link-expanding crawls from flat batch extractions
type CrawlKind string

const (
	CrawlKindCrawl CrawlKind = "crawl"
	CrawlKindBatch CrawlKind = "batch"
)

// CrawlerOptions control URL expansion and filtering for a crawl
type CrawlerOptions struct {
	IncludePaths           []string `json:"include_paths,omitempty"`
	ExcludePaths           []string `json:"exclude_paths,omitempty"`
	MaxDepth               int      `json:"max_depth,omitempty"`
	Limit                  int      `json:"limit,omitempty"`
	IgnoreSitemap          bool     `json:"ignore_sitemap,omitempty"`
	IgnoreRobotsTxt        bool     `json:"ignore_robots_txt,omitempty"`
	AllowExternalLinks     bool     `json:"allow_external_links,omitempty"`
	AllowBackwardLinks     bool     `json:"allow_backward_links,omitempty"`
	AllowSubdomains        bool     `json:"allow_subdomains,omitempty"`
	DeduplicateSimilarURLs bool     `json:"deduplicate_similar_urls,omitempty"`
	// IgnoreQueryParameters treats /a?x=1 and /a?x=2 as the same page.
	// Distinct pages that differ only in query string are lost when set.
	IgnoreQueryParameters bool `json:"ignore_query_parameters,omitempty"`
}

// Crawl is the descriptor persisted for every crawl or batch group
type Crawl struct {
	ID        string          `json:"id" badgerhold:"key"`
	Kind      CrawlKind       `json:"kind"`
	OriginURL string          `json:"origin_url"`
	TenantID  string          `json:"tenant_id" badgerhold:"index"`
	Plan      PlanTier        `json:"plan"`
	Crawler   CrawlerOptions  `json:"crawler_options"`
	Scrape    ScrapeOptions   `json:"scrape_options"`
	Internal  InternalOptions `json:"internal_options"`
	Webhook   *WebhookSpec    `json:"webhook,omitempty"`
	RobotsTxt string          `json:"robots_txt,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Cancelled bool            `json:"cancelled"`
}

// CrawlProgress is the snapshot returned by the crawl-status surface
type CrawlProgress struct {
	Status    CrawlStatus `json:"status"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
}

// DeriveCrawlStatus computes the externally visible status from the
// registry counters. A crawl is pending until kickoff enrolls work,
// scraping until kickoff has finished and every enrolled job reached a
// terminal state, and failed when every enrolled job failed.
func DeriveCrawlStatus(cancelled, kickoffFinished bool, done, failed, enrolled int) CrawlStatus {
	switch {
	case cancelled:
		return CrawlStatusCancelled
	case !kickoffFinished && enrolled == 0:
		return CrawlStatusPending
	case kickoffFinished && done >= enrolled:
		if enrolled > 0 && failed >= enrolled {
			return CrawlStatusFailed
		}
		return CrawlStatusCompleted
	default:
		return CrawlStatusScraping
	}
}
