package pipeline

import (
	"encoding/json"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
)

// Transformer turns an engine's raw result into a Document shaped by the
// requested formats
type Transformer struct {
	logger arbor.ILogger
}

// NewTransformer creates the transform stage
func NewTransformer(logger arbor.ILogger) *Transformer {
	return &Transformer{logger: logger}
}

// Transform builds the Document. 4xx/5xx results flow through here like
// any other; the status code lands in metadata.
func (t *Transformer) Transform(result *engine.FetchResult, sourceURL string, opts models.ScrapeOptions) (*models.Document, error) {
	doc := &models.Document{
		Metadata: models.DocumentMetadata{
			StatusCode:  result.StatusCode,
			ContentType: result.ContentType,
			SourceURL:   sourceURL,
			URL:         result.URL,
		},
	}

	if result.Screenshot != "" {
		doc.Screenshot = result.Screenshot
	}

	// JSON bodies skip the HTML path; the parsed value lands in extract
	if result.ContentType == "application/json" {
		var extracted map[string]any
		if err := json.Unmarshal([]byte(result.HTML), &extracted); err == nil {
			doc.Extract = extracted
		}
		if wantsFormat(opts, "markdown") {
			doc.Markdown = "```json\n" + result.HTML + "\n```"
		}
		if opts.HasFormat("rawHtml") {
			doc.RawHTML = result.HTML
		}
		return doc, nil
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
	if err != nil {
		// Unparseable HTML still yields a document with raw content
		t.logger.Warn().Err(err).Str("url", result.URL).Msg("Failed to parse HTML, returning raw content")
		if wantsFormat(opts, "markdown") {
			doc.Markdown = result.HTML
		}
		if opts.HasFormat("rawHtml") {
			doc.RawHTML = result.HTML
		}
		return doc, nil
	}

	t.fillMetadata(gq, doc)

	cleaned := gq.Clone()
	cleaned.Find("script, style, noscript").Remove()
	if opts.OnlyMainContent {
		cleaned.Find("nav, header, footer, aside").Remove()
	}
	rewriteToAbsolute(cleaned, result.URL)

	cleanedHTML, err := cleaned.Html()
	if err != nil {
		cleanedHTML = result.HTML
	}

	if wantsFormat(opts, "markdown") {
		doc.Markdown = t.toMarkdown(cleanedHTML, result.URL)
	}
	if opts.HasFormat("html") {
		doc.HTML = cleanedHTML
	}
	if opts.HasFormat("rawHtml") {
		doc.RawHTML = result.HTML
	}
	if opts.HasFormat("links") {
		doc.Links = extractAbsoluteLinks(gq, result.URL)
	}

	return doc, nil
}

// wantsFormat treats an empty format list as a markdown-only request
func wantsFormat(opts models.ScrapeOptions, format string) bool {
	if len(opts.Formats) == 0 {
		return format == "markdown"
	}
	return opts.HasFormat(format)
}

func (t *Transformer) toMarkdown(html, baseURL string) string {
	domain := baseURL
	if u, err := url.Parse(baseURL); err == nil {
		domain = u.Scheme + "://" + u.Host
	}

	converter := md.NewConverter(domain, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		t.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, using stripped fallback")
		return stripHTMLTags(html)
	}
	return strings.TrimSpace(converted)
}

func (t *Transformer) fillMetadata(gq *goquery.Document, doc *models.Document) {
	doc.Metadata.Title = strings.TrimSpace(gq.Find("title").First().Text())
	if desc, exists := gq.Find(`meta[name="description"]`).First().Attr("content"); exists {
		doc.Metadata.Description = strings.TrimSpace(desc)
	}
	if lang, exists := gq.Find("html").First().Attr("lang"); exists {
		doc.Metadata.Language = lang
	}

	gq.Find(`meta[property^="og:"]`).Each(func(i int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		content, _ := s.Attr("content")
		if prop == "" || content == "" {
			return
		}
		if doc.Metadata.OGTags == nil {
			doc.Metadata.OGTags = make(map[string]string)
		}
		doc.Metadata.OGTags[prop] = content
	})
}

// rewriteToAbsolute resolves href/src attributes against the final URL so
// downstream consumers never see relative links
func rewriteToAbsolute(gq *goquery.Selection, baseURL string) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return
	}
	rewrite := func(sel *goquery.Selection, attr string) {
		val, exists := sel.Attr(attr)
		if !exists || val == "" || strings.HasPrefix(val, "#") || strings.HasPrefix(val, "data:") {
			return
		}
		if resolved, err := base.Parse(val); err == nil {
			sel.SetAttr(attr, resolved.String())
		}
	}
	gq.Find("a[href], link[href]").Each(func(i int, s *goquery.Selection) { rewrite(s, "href") })
	gq.Find("img[src], script[src], source[src]").Each(func(i int, s *goquery.Selection) { rewrite(s, "src") })
}

func extractAbsoluteLinks(gq *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var links []string
	gq.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}

// stripHTMLTags is the conversion fallback for pathological HTML
func stripHTMLTags(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			out.WriteByte(' ')
		case !inTag:
			out.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(out.String()), " ")
}
