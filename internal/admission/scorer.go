package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
)

// inflightWindow is how long a recorded job counts toward a tenant's
// in-flight total
const inflightWindow = 60 * time.Second

// Scorer computes dynamic job priority scores. Lower score means sooner.
// A tenant's score degrades linearly once its recent in-flight count
// crosses its plan's threshold, so a single noisy tenant cannot starve
// the rest of the queue.
type Scorer struct {
	store  interfaces.StateStore
	policy models.PlanPolicy
	logger arbor.ILogger
}

// NewScorer creates a priority scorer on the shared state store
func NewScorer(store interfaces.StateStore, policy models.PlanPolicy, logger arbor.ILogger) *Scorer {
	return &Scorer{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

func inflightKey(tenantID string) string {
	return "jobprio:" + tenantID
}

// Record notes a job against the tenant's rolling in-flight window
func (s *Scorer) Record(ctx context.Context, tenantID, jobID string) error {
	expiry := float64(time.Now().Add(inflightWindow).UnixMilli())
	if err := s.store.ZAdd(ctx, inflightKey(tenantID), jobID, expiry); err != nil {
		return fmt.Errorf("failed to record in-flight job: %w", err)
	}
	return nil
}

// InflightCount returns the tenant's in-flight count over the rolling
// window, dropping expired entries as a side effect.
func (s *Scorer) InflightCount(ctx context.Context, tenantID string) (int, error) {
	key := inflightKey(tenantID)
	now := float64(time.Now().UnixMilli())
	if _, err := s.store.ZRemRangeByScore(ctx, key, math.Inf(-1), now); err != nil {
		return 0, fmt.Errorf("failed to expire in-flight entries: %w", err)
	}
	count, err := s.store.ZCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}
	return count, nil
}

// Score computes the scheduling score for a job. The score is fixed at
// enqueue time and stored with the job.
func (s *Scorer) Score(ctx context.Context, tenantID string, plan models.PlanTier, basePriority int) (int, error) {
	inflight, err := s.InflightCount(ctx, tenantID)
	if err != nil {
		return basePriority, err
	}
	penalty := s.policy.Penalty(plan, inflight)
	score := basePriority + penalty
	if penalty > 0 {
		s.logger.Debug().
			Str("tenant_id", tenantID).
			Str("plan", string(plan)).
			Int("inflight", inflight).
			Int("penalty", penalty).
			Int("score", score).
			Msg("Applied load penalty to job priority")
	}
	return score, nil
}
