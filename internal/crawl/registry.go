package crawl

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
)

// cleanupRetention is how long a finalized crawl's coordination keys are
// kept before the maintenance sweep deletes them
const cleanupRetention = 24 * time.Hour

// cleanupScheduleKey is the global sorted set of finalized crawls scored by
// their cleanup deadline
const cleanupScheduleKey = "crawl-cleanup"

// JobURL pairs a pre-allocated job ID with its target URL for batch locking
type JobURL struct {
	JobID string
	URL   string
}

// Registry coordinates crawl state: descriptor persistence, URL
// deduplication via permutation-bundle locking, job enrollment, done
// counting and exactly-once finalization.
type Registry struct {
	store  interfaces.StateStore
	crawls interfaces.CrawlStore
	logger arbor.ILogger
}

// NewRegistry creates the crawl registry
func NewRegistry(store interfaces.StateStore, crawls interfaces.CrawlStore, logger arbor.ILogger) *Registry {
	return &Registry{
		store:  store,
		crawls: crawls,
		logger: logger,
	}
}

func visitedKey(crawlID string) string       { return "crawl:" + crawlID + ":visited" }
func visitedUniqueKey(crawlID string) string { return "crawl:" + crawlID + ":visited_unique" }
func jobsKey(crawlID string) string          { return "crawl:" + crawlID + ":jobs" }
func jobsDoneKey(crawlID string) string      { return "crawl:" + crawlID + ":jobs_done" }
func jobsFailedKey(crawlID string) string    { return "crawl:" + crawlID + ":jobs_failed" }
func kickoffKey(crawlID string) string       { return "crawl:" + crawlID + ":kickoff_finished" }
func finishedKey(crawlID string) string      { return "crawl:" + crawlID + ":finished" }
func cancelledKey(crawlID string) string     { return "crawl:" + crawlID + ":cancelled" }

// SaveCrawl persists a crawl descriptor
func (r *Registry) SaveCrawl(ctx context.Context, crawl *models.Crawl) error {
	return r.crawls.SaveCrawl(ctx, crawl)
}

// GetCrawl retrieves a crawl descriptor
func (r *Registry) GetCrawl(ctx context.Context, crawlID string) (*models.Crawl, error) {
	return r.crawls.GetCrawl(ctx, crawlID)
}

// LockURL claims a URL for the crawl. The URL's whole permutation bundle is
// added to the visited set in one operation; the claim succeeds only when
// every permutation was new. Two workers racing on different spellings of
// the same page therefore cannot both win.
func (r *Registry) LockURL(ctx context.Context, crawlID, rawURL string, opts models.CrawlerOptions) (bool, error) {
	canonical, err := Normalize(rawURL, opts)
	if err != nil {
		return false, fmt.Errorf("failed to normalize URL: %w", err)
	}
	perms := Permutations(canonical)

	added, err := r.store.SAdd(ctx, visitedKey(crawlID), perms...)
	if err != nil {
		return false, fmt.Errorf("failed to lock URL: %w", err)
	}
	locked := added == len(perms)

	if locked {
		if _, err := r.store.SAdd(ctx, visitedUniqueKey(crawlID), canonical); err != nil {
			return false, fmt.Errorf("failed to record unique URL: %w", err)
		}
	}
	return locked, nil
}

// LockURLsIndividually locks a batch of (job, URL) pairs one by one and
// returns the job IDs whose URL was successfully claimed.
func (r *Registry) LockURLsIndividually(ctx context.Context, crawlID string, pairs []JobURL, opts models.CrawlerOptions) ([]string, error) {
	winners := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		locked, err := r.LockURL(ctx, crawlID, pair.URL, opts)
		if err != nil {
			return winners, err
		}
		if locked {
			winners = append(winners, pair.JobID)
		}
	}
	return winners, nil
}

// AddCrawlJob enrolls a job in the crawl
func (r *Registry) AddCrawlJob(ctx context.Context, crawlID, jobID string) error {
	if err := r.store.RPush(ctx, jobsKey(crawlID), jobID); err != nil {
		return fmt.Errorf("failed to enroll crawl job: %w", err)
	}
	return nil
}

// AddCrawlJobs enrolls a batch of jobs preserving order
func (r *Registry) AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	if err := r.store.RPush(ctx, jobsKey(crawlID), jobIDs...); err != nil {
		return fmt.Errorf("failed to enroll crawl jobs: %w", err)
	}
	return nil
}

// EnrolledCount reports how many jobs the crawl has enrolled
func (r *Registry) EnrolledCount(ctx context.Context, crawlID string) (int, error) {
	return r.store.LLen(ctx, jobsKey(crawlID))
}

// AddDone records a job reaching a terminal state and returns the total
// done count. Keyed on job ID, so redelivered jobs cannot double-count.
func (r *Registry) AddDone(ctx context.Context, crawlID, jobID string, success bool) (int, error) {
	if _, err := r.store.SAdd(ctx, jobsDoneKey(crawlID), jobID); err != nil {
		return 0, fmt.Errorf("failed to record done job: %w", err)
	}
	if !success {
		if _, err := r.store.SAdd(ctx, jobsFailedKey(crawlID), jobID); err != nil {
			return 0, fmt.Errorf("failed to record failed job: %w", err)
		}
	}
	return r.store.SCard(ctx, jobsDoneKey(crawlID))
}

// DoneCount reports how many enrolled jobs reached a terminal state
func (r *Registry) DoneCount(ctx context.Context, crawlID string) (int, error) {
	return r.store.SCard(ctx, jobsDoneKey(crawlID))
}

// FailedCount reports how many enrolled jobs failed
func (r *Registry) FailedCount(ctx context.Context, crawlID string) (int, error) {
	return r.store.SCard(ctx, jobsFailedKey(crawlID))
}

// FinishKickoff marks the crawl's seed job as finished enrolling children
func (r *Registry) FinishKickoff(ctx context.Context, crawlID string) error {
	if err := r.store.Set(ctx, kickoffKey(crawlID), "1", 0); err != nil {
		return fmt.Errorf("failed to finish kickoff: %w", err)
	}
	return nil
}

// IsKickoffFinished reports whether kickoff enrollment completed
func (r *Registry) IsKickoffFinished(ctx context.Context, crawlID string) (bool, error) {
	_, err := r.store.Get(ctx, kickoffKey(crawlID))
	if err == interfaces.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TryFinalize atomically checks whether the crawl is complete and marks it
// finished. At most one caller across all workers observes true; that
// caller owns terminal side effects like the completion webhook. Safe to
// call repeatedly from any worker.
func (r *Registry) TryFinalize(ctx context.Context, crawlID string) (bool, error) {
	kickoffDone, err := r.IsKickoffFinished(ctx, crawlID)
	if err != nil {
		return false, err
	}
	if !kickoffDone {
		return false, nil
	}

	enrolled, err := r.EnrolledCount(ctx, crawlID)
	if err != nil {
		return false, err
	}
	done, err := r.DoneCount(ctx, crawlID)
	if err != nil {
		return false, err
	}
	if done < enrolled {
		return false, nil
	}

	won, err := r.store.SetNX(ctx, finishedKey(crawlID), "1", cleanupRetention)
	if err != nil {
		return false, fmt.Errorf("failed to mark crawl finished: %w", err)
	}
	if !won {
		return false, nil
	}

	// Schedule coordination-key cleanup for the maintenance sweep
	deadline := float64(time.Now().Add(cleanupRetention).UnixMilli())
	if err := r.store.ZAdd(ctx, cleanupScheduleKey, crawlID, deadline); err != nil {
		r.logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("Failed to schedule crawl cleanup")
	}

	r.logger.Info().
		Str("crawl_id", crawlID).
		Int("enrolled", enrolled).
		Int("done", done).
		Msg("Crawl finalized")
	return true, nil
}

// Cancel flips the crawl's cancelled flag. Workers observe it before
// dispatch and before each child enqueue; a cancelled crawl never
// re-enables locked URLs.
func (r *Registry) Cancel(ctx context.Context, crawlID string) error {
	crawl, err := r.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	crawl.Cancelled = true
	if err := r.crawls.SaveCrawl(ctx, crawl); err != nil {
		return err
	}
	if err := r.store.Set(ctx, cancelledKey(crawlID), "1", 0); err != nil {
		return fmt.Errorf("failed to set cancelled flag: %w", err)
	}
	r.logger.Info().Str("crawl_id", crawlID).Msg("Crawl cancelled")
	return nil
}

// IsCancelled checks the fast cancellation flag
func (r *Registry) IsCancelled(ctx context.Context, crawlID string) (bool, error) {
	_, err := r.store.Get(ctx, cancelledKey(crawlID))
	if err == interfaces.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Progress derives the externally visible crawl status from registry state
func (r *Registry) Progress(ctx context.Context, crawlID string) (*models.CrawlProgress, error) {
	cancelled, err := r.IsCancelled(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	kickoffDone, err := r.IsKickoffFinished(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	enrolled, err := r.EnrolledCount(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	done, err := r.DoneCount(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	failed, err := r.FailedCount(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	return &models.CrawlProgress{
		Status:    models.DeriveCrawlStatus(cancelled, kickoffDone, done, failed, enrolled),
		Total:     enrolled,
		Completed: done,
	}, nil
}

// EnrolledJobs returns the crawl's job IDs in enrollment order
func (r *Registry) EnrolledJobs(ctx context.Context, crawlID string) ([]string, error) {
	return r.store.LRange(ctx, jobsKey(crawlID), 0, -1)
}

// SweepExpired deletes the coordination keys of crawls whose retention
// window lapsed. Invoked by the maintenance scheduler.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	due, err := r.store.ZRangeByScore(ctx, cleanupScheduleKey, math.Inf(-1), now)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, entry := range due {
		crawlID := entry.Member
		keys := []string{
			visitedKey(crawlID),
			visitedUniqueKey(crawlID),
			jobsKey(crawlID),
			jobsDoneKey(crawlID),
			jobsFailedKey(crawlID),
			kickoffKey(crawlID),
			cancelledKey(crawlID),
		}
		if _, err := r.store.Del(ctx, keys...); err != nil {
			r.logger.Error().Err(err).Str("crawl_id", crawlID).Msg("Failed to clean up crawl keys")
			continue
		}
		if _, err := r.store.ZRem(ctx, cleanupScheduleKey, crawlID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	if cleaned > 0 {
		r.logger.Info().Int("crawls", cleaned).Msg("Swept expired crawl coordination keys")
	}
	return cleaned, nil
}
