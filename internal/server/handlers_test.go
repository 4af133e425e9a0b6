package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/admission"
	"github.com/ternarybob/trawler/internal/app"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/crawl"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStateStore(db, logger)
	crawls := storage.NewCrawlStorage(db, logger)
	jobs := storage.NewJobStorage(db, logger)

	qm, err := queue.NewBadgerManager(db.Raw(), "test_jobs", time.Minute, 10, logger)
	require.NoError(t, err)

	policy := models.NewPlanPolicy(0)
	application := &app.App{
		Logger:        logger,
		StateStore:    store,
		Crawls:        crawls,
		Jobs:          jobs,
		QueueManager:  qm,
		Admitter:      admission.NewAdmitter(store, qm, policy, logger),
		Scorer:        admission.NewScorer(store, policy, logger),
		CrawlRegistry: crawl.NewRegistry(store, crawls, logger),
	}

	return &Server{app: application, validate: validator.New()}
}

func TestSubmitBatchDeduplicatesURLs(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	body, err := json.Marshal(map[string]interface{}{
		"urls": []string{
			"https://site.test/a",
			"https://site.test/b",
			"https://site.test/a",
		},
		"tenant_id": "t1",
		"plan":      "free",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/batch", bytes.NewReader(body))
	s.SubmitBatchHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID       string `json:"id"`
		Enrolled int    `json:"enrolled"`
		Skipped  int    `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Enrolled)
	assert.Equal(t, 1, resp.Skipped)

	// The repeated URL lost its lock, so only one job per unique URL
	// enrolled and enrollment is closed for finalization.
	enrolled, err := s.app.CrawlRegistry.EnrolledCount(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, enrolled)

	finished, err := s.app.CrawlRegistry.IsKickoffFinished(ctx, resp.ID)
	require.NoError(t, err)
	assert.True(t, finished)
}
