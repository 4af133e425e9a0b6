package models

import (
	"fmt"
	"strings"
	"time"
)

// Pipeline error taxonomy. AddFeatureError and RemoveFeatureError are
// control-flow signals consumed inside the pipeline loop; the rest either
// advance the fallback list or surface to the caller.

// EngineError indicates a fetcher failed for engine-specific reasons
type EngineError struct {
	Engine string
	Code   string
	Cause  error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine %s failed (%s): %v", e.Engine, e.Code, e.Cause)
	}
	return fmt.Sprintf("engine %s failed (%s)", e.Engine, e.Code)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// TimeoutError indicates an engine exceeded its sub-budget
type TimeoutError struct {
	Engine    string
	SubBudget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine %s exceeded its time budget of %s", e.Engine, e.SubBudget)
}

// SSLError indicates TLS validation failed. Surfaced to the user with a
// remediation hint.
type SSLError struct {
	SkipTLSAvailable bool
	Cause            error
}

func (e *SSLError) Error() string {
	msg := fmt.Sprintf("TLS certificate validation failed: %v", e.Cause)
	if e.SkipTLSAvailable {
		msg += " (retry with skip_tls to ignore certificate errors)"
	}
	return msg
}

func (e *SSLError) Unwrap() error { return e.Cause }

// SiteError carries a browser page-load code such as ERR_NAME_NOT_RESOLVED
type SiteError struct {
	Code string
}

func (e *SiteError) Error() string {
	return fmt.Sprintf("site failed to load: %s", e.Code)
}

// DNSResolutionError is terminal: the hostname does not resolve
type DNSResolutionError struct {
	Host string
}

func (e *DNSResolutionError) Error() string {
	return fmt.Sprintf("DNS resolution failed for host %s", e.Host)
}

// UnsupportedFileError is terminal: the URL resolved to a media type no
// engine can process
type UnsupportedFileError struct {
	Reason string
}

func (e *UnsupportedFileError) Error() string {
	return fmt.Sprintf("unsupported file: %s", e.Reason)
}

// ActionError indicates a scripted action failed; terminal for the attempt
type ActionError struct {
	Code string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action failed: %s", e.Code)
}

// PDFPrefetch is the artifact an engine hands over when content sniffing
// discovers a binary document: the pipeline re-plans with the pdf/docx
// feature and the next engine can reuse the already-downloaded file.
type PDFPrefetch struct {
	FilePath    string
	ContentType string
	StatusCode  int
	ProxyUsed   string
}

// AddFeatureError restarts the pipeline with an enlarged feature set
type AddFeatureError struct {
	Flags    FeatureSet
	Prefetch *PDFPrefetch
}

func (e *AddFeatureError) Error() string {
	return fmt.Sprintf("scrape requires additional features: %s", e.Flags)
}

// RemoveFeatureError restarts the pipeline with a reduced feature set
type RemoveFeatureError struct {
	Flags FeatureSet
}

func (e *RemoveFeatureError) Error() string {
	return fmt.Sprintf("scrape can drop features: %s", e.Flags)
}

// RacedRedirectError indicates the redirect target is already owned by
// another job in the same crawl. The other job will produce the document,
// so this is a silent success from the crawl's perspective.
type RacedRedirectError struct {
	SourceURL   string
	RedirectURL string
}

func (e *RacedRedirectError) Error() string {
	return fmt.Sprintf("redirect target %s already locked by another job (source %s)", e.RedirectURL, e.SourceURL)
}

// EngineAttempt records one engine's failure for the NoEnginesLeftError report
type EngineAttempt struct {
	Engine string
	Err    error
}

// NoEnginesLeftError is raised when the fallback list is exhausted
type NoEnginesLeftError struct {
	Attempts []EngineAttempt
}

func (e *NoEnginesLeftError) Error() string {
	if len(e.Attempts) == 0 {
		return "no engines available for this request"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Engine, a.Err))
	}
	return fmt.Sprintf("all engines failed: %s", strings.Join(parts, "; "))
}

// CancelledError indicates the crawl was cancelled mid-flight; the job
// reports failure silently.
type CancelledError struct {
	CrawlID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("crawl %s was cancelled", e.CrawlID)
}
