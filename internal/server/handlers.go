package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/crawl"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
)

// scrapeRequest is the payload for a single-page scrape submission
type scrapeRequest struct {
	URL               string               `json:"url" validate:"required,url"`
	TenantID          string               `json:"tenant_id" validate:"required"`
	Plan              models.PlanTier      `json:"plan,omitempty" validate:"omitempty,oneof=free hobby standard growth scale enterprise system"`
	Options           models.ScrapeOptions `json:"options"`
	ZeroDataRetention bool                 `json:"zero_data_retention,omitempty"`
	Webhook           *models.WebhookSpec  `json:"webhook,omitempty"`
}

// crawlRequest is the payload for a crawl submission
type crawlRequest struct {
	URL               string                `json:"url" validate:"required,url"`
	TenantID          string                `json:"tenant_id" validate:"required"`
	Plan              models.PlanTier       `json:"plan,omitempty" validate:"omitempty,oneof=free hobby standard growth scale enterprise system"`
	Crawler           models.CrawlerOptions `json:"crawler"`
	Options           models.ScrapeOptions  `json:"options"`
	ZeroDataRetention bool                  `json:"zero_data_retention,omitempty"`
	Webhook           *models.WebhookSpec   `json:"webhook,omitempty"`
}

// batchRequest is the payload for a batch scrape submission
type batchRequest struct {
	URLs              []string             `json:"urls" validate:"required,min=1,max=1000,dive,url"`
	TenantID          string               `json:"tenant_id" validate:"required"`
	Plan              models.PlanTier      `json:"plan,omitempty" validate:"omitempty,oneof=free hobby standard growth scale enterprise system"`
	Options           models.ScrapeOptions `json:"options"`
	ZeroDataRetention bool                 `json:"zero_data_retention,omitempty"`
	Webhook           *models.WebhookSpec  `json:"webhook,omitempty"`
}

// decodeAndValidate parses the JSON body into dst and runs validator tags
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func normalizePlan(plan models.PlanTier) models.PlanTier {
	if plan == "" {
		return models.PlanFree
	}
	return plan
}

// pathID extracts the resource ID from /api/{resource}/{id}[/suffix]
func pathID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// SubmitScrapeHandler accepts a single-page scrape job
// POST /api/scrape
func (s *Server) SubmitScrapeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req scrapeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	plan := normalizePlan(req.Plan)

	job := &models.ScrapeJob{
		ID:       common.NewJobID(),
		URL:      req.URL,
		Mode:     models.ModeSingle,
		TenantID: req.TenantID,
		Plan:     plan,
		Options:  req.Options,
		Internal: models.InternalOptions{
			ZeroDataRetention: req.ZeroDataRetention,
		},
		Webhook:   req.Webhook,
		CreatedAt: time.Now(),
	}

	score, err := s.app.Scorer.Score(ctx, job.TenantID, plan, models.PriorityDirectScrape)
	if err != nil {
		s.app.Logger.Warn().Err(err).Msg("Failed to score job, using base priority")
		score = models.PriorityDirectScrape
	}
	if err := s.app.Scorer.Record(ctx, job.TenantID, job.ID); err != nil {
		s.app.Logger.Warn().Err(err).Msg("Failed to record in-flight entry")
	}

	if err := s.app.Jobs.SaveJob(ctx, models.NewJobRecord(job)); err != nil {
		s.app.Logger.Error().Err(err).Msg("Failed to save job record")
		WriteError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	decision, err := s.app.Admitter.Admit(ctx, job, score)
	if err != nil {
		s.app.Logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to admit job")
		WriteError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       job.ID,
		"decision": decision.String(),
		"priority": score,
	})
}

// GetScrapeHandler returns a job's record and, once completed, its document
// GET /api/scrape/{id}
func (s *Server) GetScrapeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := pathID(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	record, err := s.app.Jobs.GetJob(ctx, jobID)
	if err == interfaces.ErrKeyNotFound {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.app.Logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job record")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	response := map[string]interface{}{
		"job": record,
	}
	if record.Status == models.JobStatusCompleted {
		// Document may be absent under zero data retention
		if doc, err := s.app.Documents.GetDocument(ctx, jobID); err == nil {
			response["document"] = doc
		}
	}

	WriteJSON(w, http.StatusOK, response)
}

// SubmitCrawlHandler accepts a crawl: persists the descriptor and enqueues
// the kickoff job that seeds enrollment.
// POST /api/crawl
func (s *Server) SubmitCrawlHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req crawlRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	plan := normalizePlan(req.Plan)

	crawler := req.Crawler
	if crawler.MaxDepth <= 0 {
		crawler.MaxDepth = s.app.Config.Crawler.MaxDepth
	}
	if crawler.Limit <= 0 || crawler.Limit > s.app.Config.Crawler.MaxLimit {
		crawler.Limit = s.app.Config.Crawler.MaxLimit
	}

	crawlRec := &models.Crawl{
		ID:        common.NewCrawlID(),
		Kind:      models.CrawlKindCrawl,
		OriginURL: req.URL,
		TenantID:  req.TenantID,
		Plan:      plan,
		Crawler:   crawler,
		Scrape:    req.Options,
		Internal: models.InternalOptions{
			ZeroDataRetention: req.ZeroDataRetention,
		},
		Webhook:   req.Webhook,
		CreatedAt: time.Now(),
	}
	if err := s.app.CrawlRegistry.SaveCrawl(ctx, crawlRec); err != nil {
		s.app.Logger.Error().Err(err).Msg("Failed to save crawl")
		WriteError(w, http.StatusInternalServerError, "Failed to submit crawl")
		return
	}

	kickoff := &models.ScrapeJob{
		ID:        common.NewJobID(),
		URL:       req.URL,
		Mode:      models.ModeKickoff,
		TenantID:  req.TenantID,
		Plan:      plan,
		CrawlID:   crawlRec.ID,
		Options:   req.Options,
		Internal:  crawlRec.Internal,
		Origin:    req.URL,
		Webhook:   req.Webhook,
		CreatedAt: time.Now(),
	}

	score, err := s.app.Scorer.Score(ctx, kickoff.TenantID, plan, models.PriorityKickoff)
	if err != nil {
		score = models.PriorityKickoff
	}
	if err := s.app.Scorer.Record(ctx, kickoff.TenantID, kickoff.ID); err != nil {
		s.app.Logger.Warn().Err(err).Msg("Failed to record in-flight entry")
	}
	if err := s.app.Jobs.SaveJob(ctx, models.NewJobRecord(kickoff)); err != nil {
		s.app.Logger.Warn().Err(err).Msg("Failed to save kickoff record")
	}

	if _, err := s.app.Admitter.Admit(ctx, kickoff, score); err != nil {
		s.app.Logger.Error().Err(err).Str("crawl_id", crawlRec.ID).Msg("Failed to admit kickoff job")
		WriteError(w, http.StatusInternalServerError, "Failed to submit crawl")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":  crawlRec.ID,
		"url": req.URL,
	})
}

// GetCrawlStatusHandler reports crawl progress and the documents of
// finished pages
// GET /api/crawl/{id}
func (s *Server) GetCrawlStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	crawlID := pathID(r.URL.Path)
	if crawlID == "" {
		WriteError(w, http.StatusBadRequest, "Crawl ID is required")
		return
	}

	if _, err := s.app.CrawlRegistry.GetCrawl(ctx, crawlID); err != nil {
		if err == interfaces.ErrKeyNotFound {
			WriteError(w, http.StatusNotFound, "Crawl not found")
			return
		}
		s.app.Logger.Error().Err(err).Str("crawl_id", crawlID).Msg("Failed to get crawl")
		WriteError(w, http.StatusInternalServerError, "Failed to get crawl")
		return
	}

	progress, err := s.app.CrawlRegistry.Progress(ctx, crawlID)
	if err != nil {
		s.app.Logger.Error().Err(err).Str("crawl_id", crawlID).Msg("Failed to compute crawl progress")
		WriteError(w, http.StatusInternalServerError, "Failed to get crawl status")
		return
	}

	jobIDs, err := s.app.CrawlRegistry.EnrolledJobs(ctx, crawlID)
	if err != nil {
		s.app.Logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("Failed to list crawl jobs")
	}
	docs, err := s.app.Documents.GetDocuments(ctx, jobIDs)
	if err != nil {
		s.app.Logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("Failed to load crawl documents")
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":        crawlID,
		"status":    progress.Status,
		"total":     progress.Total,
		"completed": progress.Completed,
		"data":      docs,
	})
}

// CancelCrawlHandler flips the crawl's cancellation flag. In-flight jobs
// observe it at their next checkpoint; already-claimed pages finish.
// DELETE /api/crawl/{id} or POST /api/crawl/{id}/cancel
func (s *Server) CancelCrawlHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	crawlID := pathID(r.URL.Path)
	if crawlID == "" {
		WriteError(w, http.StatusBadRequest, "Crawl ID is required")
		return
	}

	if err := s.app.CrawlRegistry.Cancel(ctx, crawlID); err != nil {
		if err == interfaces.ErrKeyNotFound {
			WriteError(w, http.StatusNotFound, "Crawl not found")
			return
		}
		s.app.Logger.Error().Err(err).Str("crawl_id", crawlID).Msg("Failed to cancel crawl")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel crawl")
		return
	}

	s.app.EventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventCrawlCancelled,
		Payload: crawlID,
	})

	WriteJSON(w, http.StatusOK, map[string]string{
		"id":     crawlID,
		"status": string(models.CrawlStatusCancelled),
	})
}

// SubmitBatchHandler enrolls N URLs under one batch group. Enrollment is
// done inline, so there is no kickoff job and no link discovery.
// POST /api/batch
func (s *Server) SubmitBatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	plan := normalizePlan(req.Plan)

	crawlRec := &models.Crawl{
		ID:        common.NewCrawlID(),
		Kind:      models.CrawlKindBatch,
		OriginURL: req.URLs[0],
		TenantID:  req.TenantID,
		Plan:      plan,
		Scrape:    req.Options,
		Internal: models.InternalOptions{
			ZeroDataRetention: req.ZeroDataRetention,
		},
		Webhook:   req.Webhook,
		CreatedAt: time.Now(),
	}
	if err := s.app.CrawlRegistry.SaveCrawl(ctx, crawlRec); err != nil {
		s.app.Logger.Error().Err(err).Msg("Failed to save batch group")
		WriteError(w, http.StatusInternalServerError, "Failed to submit batch")
		return
	}

	jobs := make(map[string]*models.ScrapeJob, len(req.URLs))
	pairs := make([]crawl.JobURL, 0, len(req.URLs))
	for _, rawURL := range req.URLs {
		job := &models.ScrapeJob{
			ID:        common.NewJobID(),
			URL:       rawURL,
			Mode:      models.ModeCrawlChild,
			TenantID:  req.TenantID,
			Plan:      plan,
			CrawlID:   crawlRec.ID,
			Options:   req.Options,
			Internal:  crawlRec.Internal,
			Origin:    crawlRec.OriginURL,
			Webhook:   req.Webhook,
			CreatedAt: time.Now(),
		}
		jobs[job.ID] = job
		pairs = append(pairs, crawl.JobURL{JobID: job.ID, URL: rawURL})
	}

	// Duplicates within the batch lose the lock and are reported skipped
	winners, err := s.app.CrawlRegistry.LockURLsIndividually(ctx, crawlRec.ID, pairs, crawlRec.Crawler)
	if err != nil {
		s.app.Logger.Warn().Err(err).Str("crawl_id", crawlRec.ID).Msg("Batch URL locking stopped early")
	}

	enrolled := 0
	for _, jobID := range winners {
		job := jobs[jobID]
		if err := s.app.CrawlRegistry.AddCrawlJob(ctx, crawlRec.ID, job.ID); err != nil {
			s.app.Logger.Error().Err(err).Str("url", job.URL).Msg("Failed to enroll batch job")
			continue
		}
		if err := s.app.Jobs.SaveJob(ctx, models.NewJobRecord(job)); err != nil {
			s.app.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to save batch job record")
		}

		score, err := s.app.Scorer.Score(ctx, job.TenantID, plan, models.PriorityCrawlChild)
		if err != nil {
			score = models.PriorityCrawlChild
		}
		if err := s.app.Scorer.Record(ctx, job.TenantID, job.ID); err != nil {
			s.app.Logger.Warn().Err(err).Msg("Failed to record in-flight entry")
		}
		if _, err := s.app.Admitter.Admit(ctx, job, score); err != nil {
			s.app.Logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to admit batch job")
			continue
		}
		enrolled++
	}

	// Enrollment is complete; finalization can fire as soon as every
	// enrolled job finishes.
	if err := s.app.CrawlRegistry.FinishKickoff(ctx, crawlRec.ID); err != nil {
		s.app.Logger.Error().Err(err).Str("crawl_id", crawlRec.ID).Msg("Failed to close batch enrollment")
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       crawlRec.ID,
		"enrolled": enrolled,
		"skipped":  len(req.URLs) - enrolled,
	})
}

// HealthHandler reports liveness. A host pinned above its resource
// thresholds long enough that workers stopped claiming jobs reports
// stalled with 503.
// GET /api/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.app.Gate.Stalled() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "stalled",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}

// VersionHandler returns build information
// GET /api/version
func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"full":    common.GetFullVersion(),
	})
}

// NotFoundHandler handles unmatched API routes
func (s *Server) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not found")
}
