package models

// DocumentMetadata carries page-level metadata extracted during transform
type DocumentMetadata struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Language    string            `json:"language,omitempty"`
	OGTags      map[string]string `json:"og_tags,omitempty"`
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type,omitempty"`
	SourceURL   string            `json:"source_url"`
	URL         string            `json:"url"`
	Error       string            `json:"error,omitempty"`
}

// Document is the output of a completed scrape. Each field is present only
// when the corresponding format was requested.
type Document struct {
	Markdown   string            `json:"markdown,omitempty"`
	HTML       string            `json:"html,omitempty"`
	RawHTML    string            `json:"raw_html,omitempty"`
	Links      []string          `json:"links,omitempty"`
	Screenshot string            `json:"screenshot,omitempty"`
	Metadata   DocumentMetadata  `json:"metadata"`
	Extract    map[string]any    `json:"extract,omitempty"`
}
