package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

const (
	fetchMaxBodyBytes = 32 * 1024 * 1024
	defaultUserAgent  = "Trawler/1.0"
)

// binaryContentTypes maps sniffed content types to the feature the
// pipeline must add to process them
var binaryContentTypes = map[string]models.Feature{
	"application/pdf": models.FeaturePDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": models.FeatureDOCX,
	"application/msword": models.FeatureDOCX,
}

// FetchEngine is the plain HTTP fetcher: fast, cheap, no JavaScript.
// It sniffs binary documents and promotes them to the PDF/DOCX pipeline
// via AddFeatureError, handing over the already-downloaded file.
type FetchEngine struct {
	userAgent string
	tempDir   string
	logger    arbor.ILogger
}

// NewFetchEngine creates the HTTP fetch engine
func NewFetchEngine(userAgent, tempDir string, logger arbor.ILogger) *FetchEngine {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &FetchEngine{
		userAgent: userAgent,
		tempDir:   tempDir,
		logger:    logger,
	}
}

func (e *FetchEngine) Name() string { return "fetch" }

func (e *FetchEngine) Capabilities() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureSkipTLS,
		models.FeatureFastMode,
		models.FeatureLocation,
		models.FeatureMobile,
		models.FeatureDisableAdblock,
	)
}

func (e *FetchEngine) Quality() int { return 5 }

func (e *FetchEngine) Available() bool { return true }

// Fetch performs a plain HTTP GET within the request's sub-budget.
// 4xx/5xx responses are results, not errors.
func (e *FetchEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	budget := req.TimeToRun
	if budget <= 0 {
		return nil, &models.TimeoutError{Engine: e.Name(), SubBudget: 0}
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	transport := &http.Transport{}
	if req.SkipTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &models.EngineError{Engine: e.Name(), Code: "bad_request", Cause: err}
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	if req.Mobile {
		httpReq.Header.Set("User-Agent", e.userAgent+" Mobile")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, e.classifyError(ctx, req, err, budget)
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]))

	// Binary documents promote the request to the PDF/DOCX pipeline;
	// save the body so the next engine can reuse it.
	if feature, ok := binaryContentTypes[contentType]; ok {
		prefetch, err := e.savePrefetch(resp, contentType)
		if err != nil {
			return nil, &models.EngineError{Engine: e.Name(), Code: "prefetch_failed", Cause: err}
		}
		return nil, &models.AddFeatureError{
			Flags:    models.NewFeatureSet(feature),
			Prefetch: prefetch,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
	if err != nil {
		return nil, e.classifyError(ctx, req, err, budget)
	}

	return &FetchResult{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		HTML:        string(body),
		ContentType: contentType,
		ProxyUsed:   "basic",
	}, nil
}

// savePrefetch spools a binary response body to a worker-private temp file
func (e *FetchEngine) savePrefetch(resp *http.Response, contentType string) (*models.PDFPrefetch, error) {
	f, err := os.CreateTemp(e.tempDir, "trawler-prefetch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create prefetch file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, fetchMaxBodyBytes)); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to spool prefetch body: %w", err)
	}

	e.logger.Debug().
		Str("content_type", contentType).
		Str("file", f.Name()).
		Msg("Spooled binary document for re-planned fetch")

	return &models.PDFPrefetch{
		FilePath:    f.Name(),
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
		ProxyUsed:   "basic",
	}, nil
}

// classifyError maps transport failures onto the pipeline error taxonomy
func (e *FetchEngine) classifyError(ctx context.Context, req *FetchRequest, err error, budget time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &models.TimeoutError{Engine: e.Name(), SubBudget: budget}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &models.DNSResolutionError{Host: dnsErr.Name}
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthErr) || errors.As(err, &hostnameErr) {
		return &models.SSLError{SkipTLSAvailable: !req.SkipTLS, Cause: err}
	}

	return &models.EngineError{Engine: e.Name(), Code: "transport", Cause: err}
}
