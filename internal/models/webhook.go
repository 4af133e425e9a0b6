package models

import "time"

// WebhookEventType is the full dotted event name sent to webhook endpoints
type WebhookEventType string

const (
	EventCrawlStarted   WebhookEventType = "crawl.started"
	EventCrawlPage      WebhookEventType = "crawl.page"
	EventCrawlCompleted WebhookEventType = "crawl.completed"
	EventCrawlFailed    WebhookEventType = "crawl.failed"
	EventBatchPage      WebhookEventType = "batch_scrape.page"
	EventBatchCompleted WebhookEventType = "batch_scrape.completed"
)

// Subtype returns the portion after the dot, used for subscription matching
func (t WebhookEventType) Subtype() string {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[i+1:]
		}
	}
	return s
}

// WebhookEvent is the payload POSTed to a tenant's webhook endpoint
type WebhookEvent struct {
	Success   bool                   `json:"success"`
	Type      WebhookEventType       `json:"type"`
	ID        string                 `json:"id"`
	Data      []Document             `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PageEventType maps a crawl kind to its per-page event name
func PageEventType(kind CrawlKind) WebhookEventType {
	if kind == CrawlKindBatch {
		return EventBatchPage
	}
	return EventCrawlPage
}

// CompletedEventType maps a crawl kind to its completion event name
func CompletedEventType(kind CrawlKind) WebhookEventType {
	if kind == CrawlKindBatch {
		return EventBatchCompleted
	}
	return EventCrawlCompleted
}
