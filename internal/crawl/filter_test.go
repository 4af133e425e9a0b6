package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

func newTestFilter(t *testing.T, origin string, opts models.CrawlerOptions, robots string) *LinkFilter {
	t.Helper()
	var robotsData *robotstxt.RobotsData
	if robots != "" {
		var err error
		robotsData, err = robotstxt.FromBytes([]byte(robots))
		require.NoError(t, err)
	}
	return NewLinkFilter(origin, opts, robotsData, "trawler", arbor.NewLogger())
}

func TestFilterURLDepth(t *testing.T) {
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{MaxDepth: 2}, "")

	assert.True(t, f.FilterURL("https://example.com/a", 1).ShouldEnqueue)
	assert.True(t, f.FilterURL("https://example.com/a/b", 2).ShouldEnqueue)

	result := f.FilterURL("https://example.com/a/b/c", 3)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "exceeds max depth", result.Reason)
}

func TestFilterURLExternalLinks(t *testing.T) {
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{}, "")

	result := f.FilterURL("https://other.com/page", 1)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "external link", result.Reason)

	// www is the same domain
	assert.True(t, f.FilterURL("https://www.example.com/page", 1).ShouldEnqueue)

	allowed := newTestFilter(t, "https://example.com/", models.CrawlerOptions{AllowExternalLinks: true}, "")
	assert.True(t, allowed.FilterURL("https://other.com/page", 1).ShouldEnqueue)
}

func TestFilterURLSubdomains(t *testing.T) {
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{}, "")
	assert.False(t, f.FilterURL("https://docs.example.com/page", 1).ShouldEnqueue)

	sub := newTestFilter(t, "https://example.com/", models.CrawlerOptions{AllowSubdomains: true}, "")
	assert.True(t, sub.FilterURL("https://docs.example.com/page", 1).ShouldEnqueue)

	// Suffix match must respect label boundaries
	assert.False(t, sub.FilterURL("https://notexample.com/page", 1).ShouldEnqueue)
}

func TestFilterURLBackwardLinks(t *testing.T) {
	f := newTestFilter(t, "https://example.com/docs/", models.CrawlerOptions{}, "")

	assert.True(t, f.FilterURL("https://example.com/docs/intro", 1).ShouldEnqueue)

	result := f.FilterURL("https://example.com/blog/post", 1)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "backward link", result.Reason)

	back := newTestFilter(t, "https://example.com/docs/", models.CrawlerOptions{AllowBackwardLinks: true}, "")
	assert.True(t, back.FilterURL("https://example.com/blog/post", 1).ShouldEnqueue)
}

func TestFilterURLIncludeExcludePatterns(t *testing.T) {
	opts := models.CrawlerOptions{
		AllowBackwardLinks: true,
		IncludePaths:       []string{"^/docs/"},
		ExcludePaths:       []string{"/private"},
	}
	f := newTestFilter(t, "https://example.com/", opts, "")

	assert.True(t, f.FilterURL("https://example.com/docs/intro", 1).ShouldEnqueue)

	result := f.FilterURL("https://example.com/blog/post", 1)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "does not match include patterns", result.Reason)

	// Exclude wins even when include matches
	result = f.FilterURL("https://example.com/docs/private/key", 1)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "matches exclude pattern", result.Reason)
	assert.Equal(t, "/private", result.ExcludedBy)
}

func TestFilterURLRobots(t *testing.T) {
	robots := "User-agent: *\nDisallow: /admin/"
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{AllowBackwardLinks: true}, robots)

	assert.True(t, f.FilterURL("https://example.com/public", 1).ShouldEnqueue)

	result := f.FilterURL("https://example.com/admin/users", 1)
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "disallowed by robots.txt", result.Reason)

	// ignore_robots_txt bypasses the group entirely
	ignoring := newTestFilter(t, "https://example.com/",
		models.CrawlerOptions{AllowBackwardLinks: true, IgnoreRobotsTxt: true}, robots)
	assert.True(t, ignoring.FilterURL("https://example.com/admin/users", 1).ShouldEnqueue)
}

func TestFilterURLInvalid(t *testing.T) {
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{}, "")

	assert.False(t, f.FilterURL("javascript:void(0)", 1).ShouldEnqueue)
	assert.False(t, f.FilterURL("mailto:someone@example.com", 1).ShouldEnqueue)
}

func TestFilterLinksDeduplicates(t *testing.T) {
	f := newTestFilter(t, "https://example.com/", models.CrawlerOptions{}, "")

	links := []string{
		"https://example.com/a",
		"https://example.com/a/", // same page after normalization
		"https://example.com/b",
		"https://other.com/x", // external, dropped
		"https://example.com/a#frag",
	}

	filtered := f.FilterLinks(links, 1)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, filtered)
}
