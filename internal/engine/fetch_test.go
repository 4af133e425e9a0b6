package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

func newFetchEngine(t *testing.T) *FetchEngine {
	t.Helper()
	return NewFetchEngine("trawler-test", t.TempDir(), arbor.NewLogger())
}

func TestFetchEngineBasics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "trawler-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "token", r.Header.Get("X-Auth"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	result, err := e.Fetch(context.Background(), &FetchRequest{
		URL:       srv.URL,
		Headers:   map[string]string{"X-Auth": "token"},
		TimeToRun: 5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "text/html", result.ContentType)
	assert.Contains(t, result.HTML, "hi")
}

func TestFetchEngineErrorStatusIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	result, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL, TimeToRun: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 404, result.StatusCode)
}

func TestFetchEngineSniffsPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL, TimeToRun: 5 * time.Second})

	var addFeature *models.AddFeatureError
	require.ErrorAs(t, err, &addFeature)
	assert.True(t, addFeature.Flags.Has(models.FeaturePDF))

	require.NotNil(t, addFeature.Prefetch)
	assert.Equal(t, "application/pdf", addFeature.Prefetch.ContentType)

	// The spooled body is the downloaded document
	body, readErr := os.ReadFile(addFeature.Prefetch.FilePath)
	require.NoError(t, readErr)
	assert.Equal(t, "%PDF-1.4 fake", string(body))
	os.Remove(addFeature.Prefetch.FilePath)
}

func TestFetchEngineSniffsDOCX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
		w.Write([]byte("PK fake docx"))
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL, TimeToRun: 5 * time.Second})

	var addFeature *models.AddFeatureError
	require.ErrorAs(t, err, &addFeature)
	assert.True(t, addFeature.Flags.Has(models.FeatureDOCX))
	if addFeature.Prefetch != nil {
		os.Remove(addFeature.Prefetch.FilePath)
	}
}

func TestFetchEngineTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL, TimeToRun: 20 * time.Millisecond})

	var timeout *models.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestFetchEngineZeroBudget(t *testing.T) {
	e := newFetchEngine(t)
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: "https://example.com", TimeToRun: 0})

	var timeout *models.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestFetchEngineDNSFailure(t *testing.T) {
	e := newFetchEngine(t)
	_, err := e.Fetch(context.Background(), &FetchRequest{
		URL:       "https://this-host-does-not-exist.invalid",
		TimeToRun: 5 * time.Second,
	})

	var dnsErr *models.DNSResolutionError
	assert.ErrorAs(t, err, &dnsErr)
}

func TestFetchEngineFollowsRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusMovedPermanently)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	e := newFetchEngine(t)
	result, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL + "/start", TimeToRun: 5 * time.Second})
	require.NoError(t, err)

	// The result URL reflects where the redirect chain landed
	assert.Equal(t, srv.URL+"/final", result.URL)
	assert.Contains(t, result.HTML, "landed")
}
