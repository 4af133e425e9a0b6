package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestExtractLinks(t *testing.T) {
	le := NewLinkExtractor(arbor.NewLogger())

	html := `<html><body>
		<a href="/relative">Relative</a>
		<a href="https://example.com/absolute">Absolute</a>
		<a href="https://other.com/external">External</a>
		<a href="sub/page">Path relative</a>
		<a href="/relative">Duplicate</a>
		<a href="#section">Fragment only</a>
		<a href="javascript:void(0)">Script</a>
		<a href="mailto:x@example.com">Mail</a>
		<a href="tel:+123">Phone</a>
		<a href="">Empty</a>
	</body></html>`

	links, err := le.ExtractLinks(html, "https://example.com/docs/intro")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/relative",
		"https://example.com/absolute",
		"https://other.com/external",
		"https://example.com/docs/sub/page",
	}, links)
}

func TestExtractLinksBaseHref(t *testing.T) {
	le := NewLinkExtractor(arbor.NewLogger())

	html := `<html><head><base href="https://cdn.example.com/assets/"></head>
	<body><a href="page.html">Page</a></body></html>`

	links, err := le.ExtractLinks(html, "https://example.com/docs/")
	require.NoError(t, err)

	require.Len(t, links, 1)
	assert.Equal(t, "https://cdn.example.com/assets/page.html", links[0])
}

func TestExtractLinksDropsFragments(t *testing.T) {
	le := NewLinkExtractor(arbor.NewLogger())

	html := `<a href="/page#one">One</a><a href="/page#two">Two</a>`

	links, err := le.ExtractLinks(html, "https://example.com/")
	require.NoError(t, err)

	// Both anchors collapse to the same page once fragments are dropped
	assert.Equal(t, []string{"https://example.com/page"}, links)
}

func TestExtractLinksNoBase(t *testing.T) {
	le := NewLinkExtractor(arbor.NewLogger())

	html := `<a href="/relative">Rel</a><a href="https://example.com/abs">Abs</a>`

	// Unparseable source URL: only absolute links survive
	links, err := le.ExtractLinks(html, "://bad")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/abs"}, links)
}

func TestExtractLinksEmptyDocument(t *testing.T) {
	le := NewLinkExtractor(arbor.NewLogger())

	links, err := le.ExtractLinks("<html><body></body></html>", "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, links)
}
