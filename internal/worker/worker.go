package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/admission"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/crawl"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/pipeline"
)

// Worker drains the job queue: claims leased jobs, runs them through the
// scrape pipeline under a heartbeat, reports completion back to admission
// and the crawl registry, and owns crawl finalization side effects.
type Worker struct {
	config    *common.Config
	queue     interfaces.QueueManager
	admitter  *admission.Admitter
	scorer    *admission.Scorer
	registry  *crawl.Registry
	pipeline  *pipeline.Pipeline
	documents interfaces.DocumentStore
	jobs      interfaces.JobStore
	webhooks  interfaces.WebhookDispatcher
	events    interfaces.EventService
	links     *crawl.LinkExtractor
	sitemaps  *crawl.SitemapFetcher
	robots    *crawl.RobotsFetcher
	gate      *ResourceGate
	logger    arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wires the worker loop
func NewWorker(
	config *common.Config,
	queue interfaces.QueueManager,
	admitter *admission.Admitter,
	scorer *admission.Scorer,
	registry *crawl.Registry,
	pl *pipeline.Pipeline,
	documents interfaces.DocumentStore,
	jobs interfaces.JobStore,
	webhooks interfaces.WebhookDispatcher,
	events interfaces.EventService,
	gate *ResourceGate,
	logger arbor.ILogger,
) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:    config,
		queue:     queue,
		admitter:  admitter,
		scorer:    scorer,
		registry:  registry,
		pipeline:  pl,
		documents: documents,
		jobs:      jobs,
		webhooks:  webhooks,
		events:    events,
		links:     crawl.NewLinkExtractor(logger),
		sitemaps:  crawl.NewSitemapFetcher(config.Crawler.UserAgent, logger),
		robots:    crawl.NewRobotsFetcher(config.Crawler.UserAgent, logger),
		gate:      gate,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker loops
func (w *Worker) Start() error {
	concurrency := w.config.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	w.logger.Info().Int("concurrency", concurrency).Msg("Starting workers")

	pollInterval := common.ParseDurationOr(w.config.Queue.PollInterval, 250*time.Millisecond)
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i, pollInterval)
	}
	return nil
}

// Stop drains the worker loops. In-flight jobs run to completion.
func (w *Worker) Stop() error {
	w.logger.Info().Msg("Stopping workers")
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Worker) loop(workerID int, pollInterval time.Duration) {
	defer w.wg.Done()

	// Stagger starts to spread transaction contention
	time.Sleep(pollInterval / time.Duration(workerID+1))

	backoff := common.ParseDurationOr(w.config.Worker.AdmissionBackoff, time.Second)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			if w.gate.Overloaded(w.ctx) {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}

			msg, deleteFn, err := w.queue.Receive(w.ctx)
			if err == interfaces.ErrNoMessage {
				continue
			}
			if err != nil {
				if errors.Is(err, interfaces.ErrStoreUnavailable) {
					w.logger.Error().Err(err).Msg("State store unavailable, stopping worker")
					w.cancel()
					return
				}
				w.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Failed to receive job")
				continue
			}

			w.process(msg, deleteFn)
		}
	}
}

// process runs one claimed job end to end
func (w *Worker) process(msg *interfaces.QueueMessage, deleteFn interfaces.DeleteFunc) {
	job, err := models.ScrapeJobFromJSON(msg.Body)
	if err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping undecodable job payload")
		deleteFn(w.ctx)
		return
	}

	log := w.logger.WithCorrelationId(job.ID)
	log.Info().
		Str("url", job.URL).
		Str("mode", string(job.Mode)).
		Str("tenant_id", job.TenantID).
		Int("receive_count", msg.ReceiveCount).
		Msg("Processing job")

	// Heartbeat: renew the admission lease and the broker lease on an
	// independent task until the job exits.
	renewInterval := common.ParseDurationOr(w.config.Worker.RenewInterval, 15*time.Second)
	extension := common.ParseDurationOr(w.config.Worker.ExtensionTime, 60*time.Second)
	hb := startHeartbeat(w.ctx, renewInterval, func(ctx context.Context) error {
		if err := w.admitter.Renew(ctx, job.TenantID, job.ID); err != nil {
			return err
		}
		return w.queue.Extend(ctx, msg.ID, extension)
	}, log)
	defer hb.stop()

	if err := w.jobs.UpdateJobStatus(w.ctx, job.ID, models.JobStatusActive, ""); err != nil {
		log.Warn().Err(err).Msg("Failed to mark job active")
	}

	// Cancellation checkpoint before dispatch
	if job.CrawlID != "" {
		cancelled, err := w.registry.IsCancelled(w.ctx, job.CrawlID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to check cancellation, proceeding")
		} else if cancelled {
			w.finishCancelled(job, log)
			deleteFn(w.ctx)
			return
		}
	}

	switch job.Mode {
	case models.ModeKickoff:
		w.runKickoff(job, log)
	default:
		w.runScrape(job, log)
	}

	if err := deleteFn(w.ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to ack job message")
	}
}

// runKickoff seeds a crawl: enrolls the origin plus filtered sitemap URLs
// as children, then closes enrollment.
func (w *Worker) runKickoff(job *models.ScrapeJob, log arbor.ILogger) {
	crawlRec, err := w.registry.GetCrawl(w.ctx, job.CrawlID)
	if err != nil {
		log.Error().Err(err).Str("crawl_id", job.CrawlID).Msg("Kickoff for unknown crawl")
		w.finishJob(job, models.JobStatusFailed, "unknown crawl", log)
		return
	}

	w.webhooks.Dispatch(w.ctx, crawlRec.Webhook, models.WebhookEvent{
		Success: true,
		Type:    models.EventCrawlStarted,
		ID:      job.CrawlID,
	})

	// robots.txt is fetched once per crawl and cached on the record
	robotsData, robotsBody, _ := w.robots.Fetch(w.ctx, crawlRec.OriginURL)
	if crawlRec.RobotsTxt == "" && robotsBody != "" {
		crawlRec.RobotsTxt = robotsBody
		if err := w.registry.SaveCrawl(w.ctx, crawlRec); err != nil {
			log.Warn().Err(err).Msg("Failed to cache robots.txt on crawl record")
		}
	}

	filter := crawl.NewLinkFilter(crawlRec.OriginURL, crawlRec.Crawler, robotsData, w.config.Crawler.UserAgent, log)
	limit := w.crawlLimit(crawlRec)

	// The origin is always enrolled, bypassing include/exclude filters
	enrolled := 0
	locked, err := w.registry.LockURL(w.ctx, job.CrawlID, crawlRec.OriginURL, crawlRec.Crawler)
	if err != nil {
		log.Error().Err(err).Msg("Failed to lock origin URL")
		w.finishJob(job, models.JobStatusFailed, err.Error(), log)
		return
	}
	if locked {
		if origin, err := crawl.Normalize(crawlRec.OriginURL, crawlRec.Crawler); err == nil {
			if w.enqueueChild(crawlRec, job, origin, 0, log) {
				enrolled++
			}
		}
	}

	if !crawlRec.Crawler.IgnoreSitemap {
		entries, err := w.sitemaps.Fetch(w.ctx, crawlRec.OriginURL)
		if err != nil {
			log.Warn().Err(err).Msg("Sitemap retrieval failed")
		}
		for _, entry := range entries {
			if enrolled >= limit {
				break
			}
			if cancelled, _ := w.registry.IsCancelled(w.ctx, job.CrawlID); cancelled {
				log.Info().Msg("Crawl cancelled during kickoff enrollment")
				break
			}
			result := filter.FilterURL(entry.URL, 1)
			if !result.ShouldEnqueue {
				continue
			}
			locked, err := w.registry.LockURL(w.ctx, job.CrawlID, result.URL, crawlRec.Crawler)
			if err != nil {
				log.Error().Err(err).Msg("Failed to lock sitemap URL")
				break
			}
			if !locked {
				continue
			}
			if w.enqueueChild(crawlRec, job, result.URL, 1, log) {
				enrolled++
			}
		}
	}

	log.Info().Int("enrolled", enrolled).Msg("Kickoff enrollment finished")

	if err := w.registry.FinishKickoff(w.ctx, job.CrawlID); err != nil {
		log.Error().Err(err).Msg("Failed to finish kickoff")
	}
	w.finishJob(job, models.JobStatusCompleted, "", log)
}

// runScrape executes a single or crawl-child job through the pipeline
func (w *Worker) runScrape(job *models.ScrapeJob, log arbor.ILogger) {
	var crawlRec *models.Crawl
	if job.CrawlID != "" {
		var err error
		crawlRec, err = w.registry.GetCrawl(w.ctx, job.CrawlID)
		if err != nil {
			log.Error().Err(err).Str("crawl_id", job.CrawlID).Msg("Job references unknown crawl")
			w.finishJob(job, models.JobStatusFailed, "unknown crawl", log)
			return
		}
		// Crawl children always need links for frontier expansion
		if !job.Options.HasFormat("links") {
			job.Options.Formats = append(job.Options.Formats, "links")
		}
		if !job.Options.HasFormat("rawHtml") {
			job.Options.Formats = append(job.Options.Formats, "rawHtml")
		}
	}

	doc, err := w.pipeline.Execute(w.ctx, job)
	if err != nil {
		w.reportFailure(job, crawlRec, err, log)
		return
	}

	// In-flight fetches run to completion, but a crawl cancelled
	// meanwhile gets its result discarded: nothing persisted, no webhook.
	if crawlRec != nil {
		if cancelled, cerr := w.registry.IsCancelled(w.ctx, job.CrawlID); cerr == nil && cancelled {
			log.Info().Msg("Crawl cancelled during fetch, dropping result")
			w.finishJob(job, models.JobStatusCancelled, "", log)
			return
		}
	}

	success := true
	if crawlRec != nil {
		// Redirect reconciliation: a job whose final URL landed on a page
		// another job already owns is a silent success.
		if !crawl.SameBundle(job.URL, doc.Metadata.URL, crawlRec.Crawler) {
			locked, lockErr := w.registry.LockURL(w.ctx, job.CrawlID, doc.Metadata.URL, crawlRec.Crawler)
			if lockErr != nil {
				log.Warn().Err(lockErr).Msg("Failed to lock redirect target")
			} else if !locked {
				log.Debug().
					Str("redirect_url", doc.Metadata.URL).
					Msg("Redirect target already owned by another job")
				w.finishJob(job, models.JobStatusCompleted, "", log)
				return
			}
		}
	}

	if !job.Internal.ZeroDataRetention {
		if err := w.documents.SaveDocument(w.ctx, job.ID, doc); err != nil {
			log.Error().Err(err).Msg("Failed to persist document")
			success = false
		}
	}

	if crawlRec != nil && success {
		w.expandFrontier(crawlRec, job, doc, log)

		w.webhooks.Dispatch(w.ctx, crawlRec.Webhook, models.WebhookEvent{
			Success: true,
			Type:    models.PageEventType(crawlRec.Kind),
			ID:      job.CrawlID,
			Data:    []models.Document{*doc},
		})
	}

	log.Info().
		Int("status_code", doc.Metadata.StatusCode).
		Bool("success", success).
		Msg("Job finished")
	if success {
		w.finishJob(job, models.JobStatusCompleted, "", log)
	} else {
		w.finishJob(job, models.JobStatusFailed, "failed to persist document", log)
	}
}

// expandFrontier enqueues child jobs for every surviving discovered link
func (w *Worker) expandFrontier(crawlRec *models.Crawl, job *models.ScrapeJob, doc *models.Document, log arbor.ILogger) {
	links := doc.Links
	if len(links) == 0 && doc.RawHTML != "" {
		extracted, err := w.links.ExtractLinks(doc.RawHTML, doc.Metadata.URL)
		if err == nil {
			links = extracted
		}
	}
	if len(links) == 0 {
		return
	}

	robotsData, err := crawl.Parse(crawlRec.RobotsTxt)
	if err != nil {
		robotsData = nil
	}
	filter := crawl.NewLinkFilter(crawlRec.OriginURL, crawlRec.Crawler, robotsData, w.config.Crawler.UserAgent, log)

	depth := job.Depth + 1
	limit := w.crawlLimit(crawlRec)

	for _, link := range filter.FilterLinks(links, depth) {
		// Cancellation checkpoint before each child enqueue
		if cancelled, _ := w.registry.IsCancelled(w.ctx, job.CrawlID); cancelled {
			log.Info().Msg("Crawl cancelled, stopping frontier expansion")
			return
		}

		enrolled, err := w.registry.EnrolledCount(w.ctx, job.CrawlID)
		if err != nil || enrolled >= limit {
			return
		}

		locked, err := w.registry.LockURL(w.ctx, job.CrawlID, link, crawlRec.Crawler)
		if err != nil {
			log.Warn().Err(err).Str("link", link).Msg("Failed to lock discovered link")
			return
		}
		if !locked {
			continue
		}

		w.enqueueChild(crawlRec, job, link, depth, log)
	}
}

// enqueueChild creates, enrolls and admits a crawl-child job. Returns
// false when the child could not be enqueued; its lock stays taken, which
// is safe because a cancelled or failing crawl never re-enables URLs.
func (w *Worker) enqueueChild(crawlRec *models.Crawl, parent *models.ScrapeJob, childURL string, depth int, log arbor.ILogger) bool {
	child := &models.ScrapeJob{
		ID:        common.NewJobID(),
		URL:       childURL,
		Mode:      models.ModeCrawlChild,
		TenantID:  parent.TenantID,
		Plan:      parent.Plan,
		CrawlID:   parent.CrawlID,
		Depth:     depth,
		Options:   crawlRec.Scrape,
		Internal:  crawlRec.Internal,
		Origin:    parent.Origin,
		Webhook:   crawlRec.Webhook,
		CreatedAt: time.Now(),
	}

	if err := w.registry.AddCrawlJob(w.ctx, parent.CrawlID, child.ID); err != nil {
		log.Error().Err(err).Str("child_url", childURL).Msg("Failed to enroll child job")
		return false
	}
	if err := w.jobs.SaveJob(w.ctx, models.NewJobRecord(child)); err != nil {
		log.Warn().Err(err).Str("child_id", child.ID).Msg("Failed to save child job record")
	}

	score, err := w.scorer.Score(w.ctx, child.TenantID, child.Plan, models.PriorityCrawlChild)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to score child job, using base priority")
		score = models.PriorityCrawlChild
	}
	if err := w.scorer.Record(w.ctx, child.TenantID, child.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to record child in-flight entry")
	}

	if _, err := w.admitter.Admit(w.ctx, child, score); err != nil {
		log.Error().Err(err).Str("child_url", childURL).Msg("Failed to admit child job")
		return false
	}

	log.Debug().
		Str("child_id", child.ID).
		Str("child_url", childURL).
		Int("depth", depth).
		Int("priority", score).
		Msg("Child job enqueued")
	return true
}

// reportFailure logs a job-level error and counts the job done
func (w *Worker) reportFailure(job *models.ScrapeJob, crawlRec *models.Crawl, err error, log arbor.ILogger) {
	var cancelled *models.CancelledError
	if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
		log.Info().Msg("Job cancelled")
		w.finishJob(job, models.JobStatusCancelled, "", log)
		return
	}

	var raced *models.RacedRedirectError
	if errors.As(err, &raced) {
		// Another job owns the page; silent success
		log.Debug().Str("redirect_url", raced.RedirectURL).Msg("Raced redirect, swallowed")
		w.finishJob(job, models.JobStatusCompleted, "", log)
		return
	}

	log.Warn().Err(err).Str("url", job.URL).Msg("Job failed")

	// Persist the failure so the crawl status surface can report it per page
	if !job.Internal.ZeroDataRetention {
		failureDoc := &models.Document{
			Metadata: models.DocumentMetadata{
				SourceURL: job.URL,
				URL:       job.URL,
				Error:     err.Error(),
			},
		}
		if saveErr := w.documents.SaveDocument(w.ctx, job.ID, failureDoc); saveErr != nil {
			log.Warn().Err(saveErr).Msg("Failed to persist failure document")
		}
	}

	if crawlRec != nil {
		w.webhooks.Dispatch(w.ctx, crawlRec.Webhook, models.WebhookEvent{
			Success: false,
			Type:    models.PageEventType(crawlRec.Kind),
			ID:      job.CrawlID,
			Error:   err.Error(),
		})
	}

	w.finishJob(job, models.JobStatusFailed, err.Error(), log)
}

// finishCancelled handles a job observed after its crawl was cancelled
func (w *Worker) finishCancelled(job *models.ScrapeJob, log arbor.ILogger) {
	log.Info().Str("crawl_id", job.CrawlID).Msg("Skipping job of cancelled crawl")
	w.finishJob(job, models.JobStatusCancelled, "", log)
}

// finishJob is the single terminal path: record transition, registry
// done-count, finalization attempt, admission slot release with promotion.
func (w *Worker) finishJob(job *models.ScrapeJob, status models.JobStatus, errMsg string, log arbor.ILogger) {
	if err := w.jobs.UpdateJobStatus(w.ctx, job.ID, status, errMsg); err != nil {
		log.Warn().Err(err).Msg("Failed to record terminal job status")
	}

	success := status == models.JobStatusCompleted
	if job.CrawlID != "" {
		// The kickoff job is not enrolled, so it never enters the done
		// set; it still attempts finalization to close empty crawls.
		if job.Mode != models.ModeKickoff {
			if _, err := w.registry.AddDone(w.ctx, job.CrawlID, job.ID, success); err != nil {
				log.Error().Err(err).Msg("Failed to record job done")
			}
		}
		w.tryFinalize(job.CrawlID, log)
	}

	if err := w.admitter.Complete(w.ctx, job.TenantID, job.ID, job.Plan); err != nil {
		log.Error().Err(err).Msg("Failed to release admission slot")
	}
}

// tryFinalize attempts crawl finalization; the winning caller emits the
// completion webhook exactly once.
func (w *Worker) tryFinalize(crawlID string, log arbor.ILogger) {
	won, err := w.registry.TryFinalize(w.ctx, crawlID)
	if err != nil {
		log.Error().Err(err).Str("crawl_id", crawlID).Msg("Finalization attempt failed")
		return
	}
	if !won {
		return
	}

	crawlRec, err := w.registry.GetCrawl(w.ctx, crawlID)
	if err != nil {
		log.Error().Err(err).Str("crawl_id", crawlID).Msg("Finalized crawl has no record")
		return
	}

	failed, _ := w.registry.FailedCount(w.ctx, crawlID)
	enrolled, _ := w.registry.EnrolledCount(w.ctx, crawlID)
	crawlSucceeded := enrolled == 0 || failed < enrolled

	event := models.WebhookEvent{
		Success: crawlSucceeded,
		Type:    models.CompletedEventType(crawlRec.Kind),
		ID:      crawlID,
	}
	if !crawlSucceeded {
		event.Error = fmt.Sprintf("all %d pages failed", enrolled)
		if crawlRec.Kind == models.CrawlKindCrawl {
			event.Type = models.EventCrawlFailed
		}
	}
	w.webhooks.Dispatch(w.ctx, crawlRec.Webhook, event)

	w.events.Publish(w.ctx, interfaces.Event{
		Type:    interfaces.EventCrawlFinalized,
		Payload: crawlID,
	})

	log.Info().
		Str("crawl_id", crawlID).
		Int("enrolled", enrolled).
		Int("failed", failed).
		Msg("Crawl completed")
}

// HandleDeadLetter marks a job failed after it exhausted its redeliveries.
// Wired as the queue's dead-letter hook.
func (w *Worker) HandleDeadLetter(body []byte, receiveCount int) {
	job, err := models.ScrapeJobFromJSON(body)
	if err != nil {
		w.logger.Error().Err(err).Msg("Dead-lettered message is not a job")
		return
	}
	log := w.logger.WithCorrelationId(job.ID)
	log.Error().
		Str("url", job.URL).
		Int("deliveries", receiveCount).
		Msg("Job failed permanently after exhausting redeliveries")
	w.finishJob(job, models.JobStatusFailed, "exhausted redeliveries", log)
}

// crawlLimit caps a crawl's enrollment by its options and the global limit
func (w *Worker) crawlLimit(crawlRec *models.Crawl) int {
	limit := crawlRec.Crawler.Limit
	if limit <= 0 || limit > w.config.Crawler.MaxLimit {
		limit = w.config.Crawler.MaxLimit
	}
	return limit
}
