package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobMode distinguishes how a scrape job entered the system
type JobMode string

const (
	ModeSingle     JobMode = "single"      // Direct single-page scrape
	ModeCrawlChild JobMode = "crawl-child" // Page discovered during a crawl
	ModeKickoff    JobMode = "kickoff"     // Seed job of a crawl or batch
)

// JobStatus tracks a job through its lifecycle
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ProxyTier selects the outbound proxy class for a scrape
type ProxyTier string

const (
	ProxyBasic   ProxyTier = "basic"
	ProxyStealth ProxyTier = "stealth"
)

// Action is a scripted browser step executed before capture
type Action struct {
	Type     string        `json:"type" validate:"required,oneof=click wait write press scroll executeJavascript screenshot"`
	Selector string        `json:"selector,omitempty"`
	Text     string        `json:"text,omitempty"`
	Key      string        `json:"key,omitempty"`
	Script   string        `json:"script,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ScrapeOptions are the user-facing knobs for a single scrape
type ScrapeOptions struct {
	Formats         []string          `json:"formats,omitempty" validate:"dive,oneof=markdown html rawHtml links screenshot screenshot@fullPage"`
	Headers         map[string]string `json:"headers,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	WaitFor         time.Duration     `json:"wait_for,omitempty"`
	SkipTLS         bool              `json:"skip_tls,omitempty"`
	BlockAds        bool              `json:"block_ads,omitempty"`
	Mobile          bool              `json:"mobile,omitempty"`
	FastMode        bool              `json:"fast_mode,omitempty"`
	Location        string            `json:"location,omitempty"`
	Proxy           ProxyTier         `json:"proxy,omitempty"`
	Actions         []Action          `json:"actions,omitempty"`
	OnlyMainContent bool              `json:"only_main_content,omitempty"`
}

// HasFormat reports whether a format was requested
func (o ScrapeOptions) HasFormat(format string) bool {
	for _, f := range o.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// InternalOptions are set by the platform, never by callers
type InternalOptions struct {
	ForceEngine       string `json:"force_engine,omitempty"`
	ZeroDataRetention bool   `json:"zero_data_retention,omitempty"`
	Priority          int    `json:"priority,omitempty"`
	DisableAdblock    bool   `json:"disable_adblock,omitempty"`
}

// WebhookSpec configures outbound event delivery for a job or crawl
type WebhookSpec struct {
	URL      string                 `json:"url" validate:"omitempty,url"`
	Headers  map[string]string      `json:"headers,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Events   []string               `json:"events,omitempty"`
}

// Wants reports whether the webhook subscribes to an event sub-type
// (e.g. "page", "completed"). An empty event list subscribes to everything.
func (w *WebhookSpec) Wants(subtype string) bool {
	if w == nil || w.URL == "" {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == subtype {
			return true
		}
	}
	return false
}

// ScrapeJob is the unit of work flowing through the scheduler and pipeline
type ScrapeJob struct {
	ID       string          `json:"id" validate:"required"`
	URL      string          `json:"url" validate:"required,url"`
	Mode     JobMode         `json:"mode" validate:"required,oneof=single crawl-child kickoff"`
	TenantID string          `json:"tenant_id" validate:"required"`
	Plan     PlanTier        `json:"plan"`
	CrawlID  string          `json:"crawl_id,omitempty"`
	Depth    int             `json:"depth,omitempty"`
	Options  ScrapeOptions   `json:"options"`
	Internal InternalOptions `json:"internal"`
	Origin   string          `json:"origin,omitempty"`
	Webhook  *WebhookSpec    `json:"webhook,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToJSON serializes the job for queue payloads
func (j *ScrapeJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape job: %w", err)
	}
	return data, nil
}

// ScrapeJobFromJSON deserializes a job from a queue payload
func ScrapeJobFromJSON(data []byte) (*ScrapeJob, error) {
	var job ScrapeJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scrape job: %w", err)
	}
	return &job, nil
}

// Validate checks required fields before the job enters the scheduler
func (j *ScrapeJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.URL == "" {
		return fmt.Errorf("job URL is required")
	}
	if j.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	switch j.Mode {
	case ModeSingle, ModeCrawlChild, ModeKickoff:
	default:
		return fmt.Errorf("invalid job mode: %s", j.Mode)
	}
	if j.Mode != ModeSingle && j.CrawlID == "" {
		return fmt.Errorf("crawl ID is required for mode %s", j.Mode)
	}
	return nil
}
