package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
)

// fakeEngine scripts one engine's behavior per pipeline run
type fakeEngine struct {
	name         string
	capabilities models.FeatureSet
	quality      int
	fetch        func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error)
	calls        int
	lastRequest  *engine.FetchRequest
}

func (e *fakeEngine) Name() string                    { return e.name }
func (e *fakeEngine) Capabilities() models.FeatureSet { return e.capabilities }
func (e *fakeEngine) Quality() int                    { return e.quality }
func (e *fakeEngine) Available() bool                 { return true }

func (e *fakeEngine) Fetch(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
	e.calls++
	e.lastRequest = req
	return e.fetch(ctx, req)
}

func okFetch(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
	return &engine.FetchResult{
		URL:        req.URL,
		StatusCode: 200,
		HTML:       "<html><head><title>ok</title></head><body><p>hello</p></body></html>",
	}, nil
}

func newTestPipeline(t *testing.T, engines ...engine.Engine) *Pipeline {
	t.Helper()
	logger := arbor.NewLogger()
	registry := engine.NewRegistry(logger, engines...)
	return NewPipeline(registry, NewTransformer(logger), time.Minute, logger)
}

func pipelineJob() *models.ScrapeJob {
	return &models.ScrapeJob{
		ID:       "job-1",
		URL:      "https://example.com/page",
		Mode:     models.ModeSingle,
		TenantID: "t1",
		Options:  models.ScrapeOptions{Formats: []string{"markdown"}},
	}
}

func TestExecuteFirstEngineSucceeds(t *testing.T) {
	first := &fakeEngine{name: "first", quality: 2, fetch: okFetch}
	second := &fakeEngine{name: "second", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, first, second)
	doc, err := p.Execute(context.Background(), pipelineJob())
	require.NoError(t, err)

	assert.Equal(t, "ok", doc.Metadata.Title)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestExecuteFallsBackOnFailure(t *testing.T) {
	first := &fakeEngine{name: "first", quality: 2,
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			return nil, &models.EngineError{Engine: "first", Code: "boom"}
		}}
	second := &fakeEngine{name: "second", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, first, second)
	doc, err := p.Execute(context.Background(), pipelineJob())
	require.NoError(t, err)

	assert.NotNil(t, doc)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestExecuteNoEnginesLeft(t *testing.T) {
	fail := func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
		return nil, &models.EngineError{Engine: "x", Code: "down"}
	}
	first := &fakeEngine{name: "first", quality: 2, fetch: fail}
	second := &fakeEngine{name: "second", quality: 1, fetch: fail}

	p := newTestPipeline(t, first, second)
	_, err := p.Execute(context.Background(), pipelineJob())

	var noEngines *models.NoEnginesLeftError
	require.ErrorAs(t, err, &noEngines)
	assert.Len(t, noEngines.Attempts, 2)
}

func TestExecuteAddFeatureReplansWithPrefetch(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "prefetch.pdf")
	require.NoError(t, os.WriteFile(tmp, []byte("%PDF-1.4"), 0644))

	// The plain engine discovers a PDF and hands over the downloaded file
	plain := &fakeEngine{name: "plain", quality: 2,
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			return nil, &models.AddFeatureError{
				Flags:    models.NewFeatureSet(models.FeaturePDF),
				Prefetch: &models.PDFPrefetch{FilePath: tmp, ContentType: "application/pdf", StatusCode: 200},
			}
		}}
	pdf := &fakeEngine{name: "pdf", quality: 1,
		capabilities: models.NewFeatureSet(models.FeaturePDF),
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			return &engine.FetchResult{URL: req.URL, StatusCode: 200, HTML: "<p>pdf text</p>"}, nil
		}}

	p := newTestPipeline(t, plain, pdf)
	doc, err := p.Execute(context.Background(), pipelineJob())
	require.NoError(t, err)
	assert.NotNil(t, doc)

	// The replan skipped the already-attempted engine and handed the
	// downloaded file to the PDF engine
	assert.Equal(t, 1, plain.calls)
	assert.Equal(t, 1, pdf.calls)
	require.NotNil(t, pdf.lastRequest.Prefetch)
	assert.Equal(t, tmp, pdf.lastRequest.Prefetch.FilePath)
}

func TestExecuteUnconsumedPrefetchRemoved(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "prefetch.pdf")
	require.NoError(t, os.WriteFile(tmp, []byte("%PDF-1.4"), 0644))

	// Only one engine: after the feature discovery there is nobody left to
	// consume the prefetch
	plain := &fakeEngine{name: "plain", quality: 1,
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			return nil, &models.AddFeatureError{
				Flags:    models.NewFeatureSet(models.FeaturePDF),
				Prefetch: &models.PDFPrefetch{FilePath: tmp, ContentType: "application/pdf"},
			}
		}}

	p := newTestPipeline(t, plain)
	_, err := p.Execute(context.Background(), pipelineJob())

	var noEngines *models.NoEnginesLeftError
	require.ErrorAs(t, err, &noEngines)

	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "unconsumed prefetch file must be removed")
}

func TestExecuteRemoveFeatureReplans(t *testing.T) {
	// Actions requested, but the page turns out to not need them: the
	// browser drops the flag and the plain engine qualifies on the replan
	browser := &fakeEngine{name: "browser", quality: 2,
		capabilities: models.NewFeatureSet(models.FeatureActions),
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			return nil, &models.RemoveFeatureError{Flags: models.NewFeatureSet(models.FeatureActions)}
		}}
	plain := &fakeEngine{name: "plain", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, browser, plain)
	job := pipelineJob()
	job.Options.Actions = []models.Action{{Type: "click", Selector: "#go"}}

	doc, err := p.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Equal(t, 1, browser.calls)
	assert.Equal(t, 1, plain.calls)
}

func TestExecutePlanExcludesUnqualified(t *testing.T) {
	// Actions weigh 20; a capability-less engine scores 0 < threshold 10
	plain := &fakeEngine{name: "plain", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, plain)
	job := pipelineJob()
	job.Options.Actions = []models.Action{{Type: "click", Selector: "#go"}}

	_, err := p.Execute(context.Background(), job)
	var noEngines *models.NoEnginesLeftError
	require.ErrorAs(t, err, &noEngines)
	assert.Zero(t, plain.calls)
}

func TestExecuteForceEngine(t *testing.T) {
	preferred := &fakeEngine{name: "preferred", quality: 5, fetch: okFetch}
	forced := &fakeEngine{name: "forced", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, preferred, forced)
	job := pipelineJob()
	job.Internal.ForceEngine = "forced"

	_, err := p.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, preferred.calls)
	assert.Equal(t, 1, forced.calls)
}

func TestExecuteDeadline(t *testing.T) {
	slow := &fakeEngine{name: "slow", quality: 1,
		fetch: func(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, &models.EngineError{Engine: "slow", Code: "timeout"}
		}}
	never := &fakeEngine{name: "never", quality: 1, fetch: okFetch}

	p := newTestPipeline(t, slow, never)
	job := pipelineJob()
	job.Options.Timeout = 10 * time.Millisecond

	_, err := p.Execute(context.Background(), job)
	var noEngines *models.NoEnginesLeftError
	require.ErrorAs(t, err, &noEngines)
	// The second engine never ran: the deadline had already lapsed
	assert.Zero(t, never.calls)
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := &fakeEngine{name: "e", quality: 1, fetch: okFetch}
	p := newTestPipeline(t, eng)

	_, err := p.Execute(ctx, pipelineJob())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, eng.calls)
}

func TestExecutePassesScreenshotFlags(t *testing.T) {
	eng := &fakeEngine{name: "browser", quality: 1,
		capabilities: models.NewFeatureSet(models.FeatureScreenshot, models.FeatureFullPageScreenshot),
		fetch:        okFetch}

	p := newTestPipeline(t, eng)
	job := pipelineJob()
	job.Options.Formats = []string{"markdown", "screenshot@fullPage", "screenshot"}

	_, err := p.Execute(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, eng.lastRequest)
	assert.True(t, eng.lastRequest.Screenshot)
	assert.True(t, eng.lastRequest.FullPageScreen)
}
