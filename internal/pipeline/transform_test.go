package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
)

const samplePage = `<html lang="en">
<head>
	<title>Sample Page</title>
	<meta name="description" content="A test page">
	<meta property="og:title" content="Sample OG">
	<meta property="og:image" content="https://example.com/img.png">
</head>
<body>
	<nav><a href="/nav">Navigation</a></nav>
	<main>
		<h1>Heading</h1>
		<p>Body text with a <a href="/link">relative link</a>.</p>
		<img src="/pic.png">
	</main>
	<script>console.log("noise")</script>
	<footer>Footer text</footer>
</body>
</html>`

func sampleResult() *engine.FetchResult {
	return &engine.FetchResult{
		URL:         "https://example.com/page",
		StatusCode:  200,
		HTML:        samplePage,
		ContentType: "text/html",
	}
}

func TestTransformMetadata(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())

	doc, err := tr.Transform(sampleResult(), "https://example.com/source", models.ScrapeOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Sample Page", doc.Metadata.Title)
	assert.Equal(t, "A test page", doc.Metadata.Description)
	assert.Equal(t, "en", doc.Metadata.Language)
	assert.Equal(t, 200, doc.Metadata.StatusCode)
	assert.Equal(t, "https://example.com/source", doc.Metadata.SourceURL)
	assert.Equal(t, "https://example.com/page", doc.Metadata.URL)
	assert.Equal(t, "Sample OG", doc.Metadata.OGTags["og:title"])
}

func TestTransformDefaultsToMarkdown(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())

	// Empty format list means markdown only
	doc, err := tr.Transform(sampleResult(), "https://example.com/page", models.ScrapeOptions{})
	require.NoError(t, err)

	assert.Contains(t, doc.Markdown, "Heading")
	assert.NotContains(t, doc.Markdown, "console.log")
	assert.Empty(t, doc.HTML)
	assert.Empty(t, doc.RawHTML)
	assert.Empty(t, doc.Links)
}

func TestTransformFormats(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())
	opts := models.ScrapeOptions{Formats: []string{"html", "rawHtml", "links"}}

	doc, err := tr.Transform(sampleResult(), "https://example.com/page", opts)
	require.NoError(t, err)

	// markdown was not requested
	assert.Empty(t, doc.Markdown)
	assert.NotEmpty(t, doc.HTML)
	assert.NotContains(t, doc.HTML, "console.log")
	assert.Equal(t, samplePage, doc.RawHTML)

	// Links are absolute and deduplicated
	assert.Contains(t, doc.Links, "https://example.com/link")
	assert.Contains(t, doc.Links, "https://example.com/nav")
}

func TestTransformOnlyMainContent(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())

	doc, err := tr.Transform(sampleResult(), "https://example.com/page",
		models.ScrapeOptions{OnlyMainContent: true})
	require.NoError(t, err)

	assert.Contains(t, doc.Markdown, "Body text")
	assert.NotContains(t, doc.Markdown, "Navigation")
	assert.NotContains(t, doc.Markdown, "Footer text")
}

func TestTransformRewritesRelativeURLs(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())

	doc, err := tr.Transform(sampleResult(), "https://example.com/page",
		models.ScrapeOptions{Formats: []string{"html"}})
	require.NoError(t, err)

	assert.Contains(t, doc.HTML, `href="https://example.com/link"`)
	assert.Contains(t, doc.HTML, `src="https://example.com/pic.png"`)
}

func TestTransformJSONBody(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())
	result := &engine.FetchResult{
		URL:         "https://api.example.com/data",
		StatusCode:  200,
		HTML:        `{"name":"trawler","count":3}`,
		ContentType: "application/json",
	}

	doc, err := tr.Transform(result, "https://api.example.com/data", models.ScrapeOptions{})
	require.NoError(t, err)

	require.NotNil(t, doc.Extract)
	assert.Equal(t, "trawler", doc.Extract["name"])
	assert.Contains(t, doc.Markdown, "```json")
}

func TestTransformErrorStatusStillProducesDocument(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())
	result := &engine.FetchResult{
		URL:         "https://example.com/missing",
		StatusCode:  404,
		HTML:        "<html><head><title>Not Found</title></head><body>gone</body></html>",
		ContentType: "text/html",
	}

	doc, err := tr.Transform(result, "https://example.com/missing", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 404, doc.Metadata.StatusCode)
	assert.Equal(t, "Not Found", doc.Metadata.Title)
}

func TestTransformScreenshotPassthrough(t *testing.T) {
	tr := NewTransformer(arbor.NewLogger())
	result := sampleResult()
	result.Screenshot = "aGVsbG8="

	doc, err := tr.Transform(result, "https://example.com/page", models.ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", doc.Screenshot)
}

func TestStripHTMLTags(t *testing.T) {
	out := stripHTMLTags("<p>Hello <b>world</b></p>")
	assert.Equal(t, "Hello world", out)
}
