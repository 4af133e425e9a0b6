package engine

import (
	"context"
	"time"

	"github.com/ternarybob/trawler/internal/models"
)

// FetchRequest is the metadata handed to an engine for one attempt
type FetchRequest struct {
	URL       string
	Headers   map[string]string
	WaitFor   time.Duration
	Actions   []models.Action
	SkipTLS   bool
	Mobile    bool
	Location  string
	TimeToRun time.Duration

	// Screenshot capture, derived from the requested formats
	Screenshot     bool
	FullPageScreen bool

	// Prefetch carries a file already downloaded by an earlier engine in
	// the same pipeline run, so the binary-document engine can skip the
	// network round trip.
	Prefetch *models.PDFPrefetch
}

// FetchResult is an engine's raw output before transformation
type FetchResult struct {
	URL         string
	StatusCode  int
	HTML        string
	ContentType string
	Screenshot  string // base64-encoded when requested
	ProxyUsed   string
}

// Engine is a pluggable fetcher. Implementations must honor ctx
// cancellation and the request's TimeToRun sub-budget.
type Engine interface {
	Name() string
	Capabilities() models.FeatureSet
	Quality() int
	// Available reports runtime availability (binary present, external
	// URL configured). Unavailable engines never enter a plan.
	Available() bool
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
}
