package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/models"
)

// BrowserEngine renders pages in headless Chrome via chromedp. Highest
// quality engine: full JavaScript, scripted actions, screenshots.
type BrowserEngine struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	userAgent       string
	available       bool
	logger          arbor.ILogger
	initOnce        sync.Once
	config          *common.BrowserConfig
}

// NewBrowserEngine creates the headless browser engine. The Chrome
// allocator is created lazily on first fetch so that a missing Chrome
// binary only disables this engine rather than failing startup.
func NewBrowserEngine(config *common.BrowserConfig, userAgent string, logger arbor.ILogger) *BrowserEngine {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &BrowserEngine{
		userAgent: userAgent,
		available: config.Enabled,
		logger:    logger,
		config:    config,
	}
}

func (e *BrowserEngine) Name() string { return "browser" }

func (e *BrowserEngine) Capabilities() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeatureActions,
		models.FeatureWaitFor,
		models.FeatureScreenshot,
		models.FeatureFullPageScreenshot,
		models.FeatureLocation,
		models.FeatureMobile,
		models.FeatureSkipTLS,
		models.FeatureStealthProxy,
		models.FeatureDisableAdblock,
	)
}

func (e *BrowserEngine) Quality() int { return 10 }

func (e *BrowserEngine) Available() bool { return e.available }

func (e *BrowserEngine) init() {
	e.initOnce.Do(func() {
		opts := append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.UserAgent(e.userAgent),
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.WindowSize(1920, 1080),
		)
		if e.config.NoSandbox {
			opts = append(opts, chromedp.Flag("no-sandbox", true))
		}
		e.allocatorCtx, e.allocatorCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
}

// Close tears down the shared Chrome allocator
func (e *BrowserEngine) Close() error {
	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}
	return nil
}

// Fetch renders the page in a fresh browser context within the request's
// sub-budget.
func (e *BrowserEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	e.init()

	budget := req.TimeToRun
	if budget <= 0 {
		return nil, &models.TimeoutError{Engine: e.Name(), SubBudget: 0}
	}

	browserCtx, browserCancel := chromedp.NewContext(e.allocatorCtx)
	defer browserCancel()

	runCtx, cancel := context.WithTimeout(browserCtx, budget)
	defer cancel()

	// Honor upstream cancellation (crawl cancel, worker shutdown)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var statusCode int
	var finalURL string
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && statusCode == 0 {
				statusCode = int(resp.Response.Status)
				finalURL = resp.Response.URL
			}
		}
	})

	tasks := chromedp.Tasks{
		network.Enable(),
	}
	if len(req.Headers) > 0 {
		headers := make(network.Headers, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}
	tasks = append(tasks, chromedp.Navigate(req.URL))
	if req.WaitFor > 0 {
		tasks = append(tasks, chromedp.Sleep(req.WaitFor))
	}

	for _, action := range req.Actions {
		task, err := e.buildAction(action)
		if err != nil {
			return nil, &models.ActionError{Code: err.Error()}
		}
		tasks = append(tasks, task)
	}

	var html string
	tasks = append(tasks, chromedp.OuterHTML("html", &html))

	var screenshotBuf []byte
	if req.FullPageScreen {
		tasks = append(tasks, chromedp.FullScreenshot(&screenshotBuf, 90))
	} else if req.Screenshot {
		tasks = append(tasks, chromedp.CaptureScreenshot(&screenshotBuf))
	}

	if err := chromedp.Run(runCtx, tasks); err != nil {
		return nil, e.classifyError(runCtx, err, budget, len(req.Actions) > 0)
	}

	if finalURL == "" {
		finalURL = req.URL
	}
	if statusCode == 0 {
		statusCode = 200
	}

	result := &FetchResult{
		URL:         finalURL,
		StatusCode:  statusCode,
		HTML:        html,
		ContentType: "text/html",
		ProxyUsed:   "basic",
	}
	if len(screenshotBuf) > 0 {
		result.Screenshot = base64.StdEncoding.EncodeToString(screenshotBuf)
	}
	return result, nil
}

// buildAction maps a scripted action onto a chromedp task
func (e *BrowserEngine) buildAction(action models.Action) (chromedp.Action, error) {
	switch action.Type {
	case "click":
		return chromedp.Click(action.Selector, chromedp.ByQuery), nil
	case "wait":
		if action.Selector != "" {
			return chromedp.WaitVisible(action.Selector, chromedp.ByQuery), nil
		}
		return chromedp.Sleep(action.Duration), nil
	case "write":
		return chromedp.SendKeys(action.Selector, action.Text, chromedp.ByQuery), nil
	case "press":
		return chromedp.KeyEvent(action.Key), nil
	case "scroll":
		return chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil), nil
	case "executeJavascript":
		return chromedp.Evaluate(action.Script, nil), nil
	case "screenshot":
		// Captured at the end of the task list; treat as a no-op marker
		return chromedp.Sleep(0), nil
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// classifyError maps chromedp failures onto the pipeline error taxonomy.
// Chrome reports page-load failures as net::ERR_* codes.
func (e *BrowserEngine) classifyError(ctx context.Context, err error, budget time.Duration, hadActions bool) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &models.TimeoutError{Engine: e.Name(), SubBudget: budget}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "net::"); idx >= 0 {
		code := msg[idx:]
		if end := strings.IndexAny(code, " )"); end > 0 {
			code = code[:end]
		}
		switch code {
		case "net::ERR_NAME_NOT_RESOLVED":
			return &models.SiteError{Code: strings.TrimPrefix(code, "net::")}
		case "net::ERR_CERT_AUTHORITY_INVALID", "net::ERR_CERT_DATE_INVALID", "net::ERR_CERT_COMMON_NAME_INVALID":
			return &models.SSLError{SkipTLSAvailable: true, Cause: err}
		default:
			return &models.SiteError{Code: strings.TrimPrefix(code, "net::")}
		}
	}

	if hadActions {
		return &models.ActionError{Code: msg}
	}
	return &models.EngineError{Engine: e.Name(), Code: "render", Cause: err}
}
