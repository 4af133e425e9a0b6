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

// StallTimeout is how long an active entry survives without a heartbeat.
// A crashed worker's slot frees at most this long after the crash.
const StallTimeout = 60 * time.Second

// Decision is the outcome of an admission attempt
type Decision int

const (
	RunNow Decision = iota
	Queued
)

func (d Decision) String() string {
	if d == RunNow {
		return "run_now"
	}
	return "queued"
}

// Admitter enforces per-tenant concurrent scrape budgets. Admitted jobs go
// straight to the broker; overflow waits in a per-tenant priority set and
// is promoted as slots free up.
//
// Keys per tenant: active:{tenant} (sorted set, score = lease expiry) and
// pending:{tenant} (sorted set, score = priority, member = job payload).
type Admitter struct {
	store  interfaces.StateStore
	queue  interfaces.QueueManager
	policy models.PlanPolicy
	logger arbor.ILogger
}

// NewAdmitter creates the admission controller
func NewAdmitter(store interfaces.StateStore, queue interfaces.QueueManager, policy models.PlanPolicy, logger arbor.ILogger) *Admitter {
	return &Admitter{
		store:  store,
		queue:  queue,
		policy: policy,
		logger: logger,
	}
}

func activeKey(tenantID string) string {
	return "active:" + tenantID
}

func pendingKey(tenantID string) string {
	return "pending:" + tenantID
}

// tenantsKey is the global set of tenants ever admitted, consumed by the
// maintenance sweep
const tenantsKey = "tenants"

// Admit decides whether a job runs now or waits. When the tenant has a
// free slot the job is entered into active and enqueued on the broker;
// otherwise its payload parks in the pending set at the given priority.
func (a *Admitter) Admit(ctx context.Context, job *models.ScrapeJob, priority int) (Decision, error) {
	if _, err := a.store.SAdd(ctx, tenantsKey, job.TenantID); err != nil {
		a.logger.Warn().Err(err).Str("tenant_id", job.TenantID).Msg("Failed to track tenant for maintenance sweep")
	}

	payload, err := job.ToJSON()
	if err != nil {
		return Queued, err
	}

	// Sweep, count, and insert run in one store transaction; concurrent
	// admits for the same tenant serialize on it, so the live active
	// count never exceeds the plan ceiling.
	ceiling := a.policy.Concurrency(job.Plan)
	now := float64(time.Now().UnixMilli())
	expiry := float64(time.Now().Add(StallTimeout).UnixMilli())
	admitted, err := a.store.ZAddIfCardBelow(ctx, activeKey(job.TenantID), job.ID, expiry, now, ceiling)
	if err != nil {
		return Queued, fmt.Errorf("failed to claim active slot: %w", err)
	}

	if admitted {
		if _, err := a.queue.Enqueue(ctx, payload, priority); err != nil {
			return Queued, fmt.Errorf("failed to enqueue admitted job: %w", err)
		}
		a.logger.Debug().
			Str("job_id", job.ID).
			Str("tenant_id", job.TenantID).
			Int("priority", priority).
			Msg("Job admitted")
		return RunNow, nil
	}

	if err := a.store.ZAdd(ctx, pendingKey(job.TenantID), string(payload), float64(priority)); err != nil {
		return Queued, fmt.Errorf("failed to enter pending set: %w", err)
	}
	a.logger.Debug().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Int("priority", priority).
		Int("ceiling", ceiling).
		Msg("Tenant saturated, job queued")
	return Queued, nil
}

// Sweep removes expired active entries left behind by crashed workers
func (a *Admitter) Sweep(ctx context.Context, tenantID string) error {
	now := float64(time.Now().UnixMilli())
	removed, err := a.store.ZRemRangeByScore(ctx, activeKey(tenantID), math.Inf(-1), now)
	if err != nil {
		return fmt.Errorf("failed to sweep active set: %w", err)
	}
	if removed > 0 {
		a.logger.Warn().
			Str("tenant_id", tenantID).
			Int("removed", removed).
			Msg("Swept stalled active entries")
	}
	return nil
}

// Renew refreshes a job's lease. Called from the worker heartbeat.
func (a *Admitter) Renew(ctx context.Context, tenantID, jobID string) error {
	expiry := float64(time.Now().Add(StallTimeout).UnixMilli())
	if err := a.store.ZAdd(ctx, activeKey(tenantID), jobID, expiry); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// Complete releases a job's slot and promotes pending work into it
func (a *Admitter) Complete(ctx context.Context, tenantID, jobID string, plan models.PlanTier) error {
	if _, err := a.store.ZRem(ctx, activeKey(tenantID), jobID); err != nil {
		return fmt.Errorf("failed to leave active set: %w", err)
	}
	return a.Promote(ctx, tenantID, plan)
}

// Promote moves pending jobs into free slots until the tenant saturates
// or the pending set drains. Priority order is preserved: the broker
// receives the job at the score it was parked with.
func (a *Admitter) Promote(ctx context.Context, tenantID string, plan models.PlanTier) error {
	if err := a.Sweep(ctx, tenantID); err != nil {
		return err
	}
	ceiling := a.policy.Concurrency(plan)

	for {
		// Cheap saturation check; the guarded insert below is authoritative
		active, err := a.store.ZCard(ctx, activeKey(tenantID))
		if err != nil {
			return fmt.Errorf("failed to count active jobs: %w", err)
		}
		if active >= ceiling {
			return nil
		}

		popped, err := a.store.ZPopMin(ctx, pendingKey(tenantID), 1)
		if err != nil {
			return fmt.Errorf("failed to pop pending job: %w", err)
		}
		if len(popped) == 0 {
			return nil
		}

		job, err := models.ScrapeJobFromJSON([]byte(popped[0].Member))
		if err != nil {
			a.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Dropping undecodable pending job")
			continue
		}

		now := float64(time.Now().UnixMilli())
		expiry := float64(time.Now().Add(StallTimeout).UnixMilli())
		admitted, err := a.store.ZAddIfCardBelow(ctx, activeKey(tenantID), job.ID, expiry, now, ceiling)
		if err != nil {
			return fmt.Errorf("failed to claim active slot: %w", err)
		}
		if !admitted {
			// A concurrent admit took the slot between the pop and the
			// insert; park the job back at its original priority.
			if err := a.store.ZAdd(ctx, pendingKey(tenantID), popped[0].Member, popped[0].Score); err != nil {
				return fmt.Errorf("failed to repark pending job: %w", err)
			}
			return nil
		}
		if _, err := a.queue.Enqueue(ctx, []byte(popped[0].Member), int(popped[0].Score)); err != nil {
			return fmt.Errorf("failed to enqueue promoted job: %w", err)
		}
		a.logger.Debug().
			Str("job_id", job.ID).
			Str("tenant_id", tenantID).
			Int("priority", int(popped[0].Score)).
			Msg("Promoted pending job")
	}
}

// SweepAll runs the stall sweep across every tenant ever admitted.
// Invoked by the maintenance scheduler so crashed workers' slots free up
// even for tenants with no live traffic to trigger Admit.
func (a *Admitter) SweepAll(ctx context.Context) (int, error) {
	tenants, err := a.store.SMembers(ctx, tenantsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, tenantID := range tenants {
		if err := a.Sweep(ctx, tenantID); err != nil {
			return 0, err
		}
		// A sweep can free slots with no Complete call coming; promote
		// using the plan carried by the head of the pending set.
		pending, err := a.store.ZRangeByScore(ctx, pendingKey(tenantID), math.Inf(-1), math.Inf(1))
		if err != nil || len(pending) == 0 {
			continue
		}
		job, err := models.ScrapeJobFromJSON([]byte(pending[0].Member))
		if err != nil {
			continue
		}
		if err := a.Promote(ctx, tenantID, job.Plan); err != nil {
			return 0, err
		}
	}
	return len(tenants), nil
}

// PendingCount reports the tenant's queued overflow
func (a *Admitter) PendingCount(ctx context.Context, tenantID string) (int, error) {
	return a.store.ZCard(ctx, pendingKey(tenantID))
}

// ActiveCount reports the tenant's live slot usage after a sweep
func (a *Admitter) ActiveCount(ctx context.Context, tenantID string) (int, error) {
	if err := a.Sweep(ctx, tenantID); err != nil {
		return 0, err
	}
	return a.store.ZCard(ctx, activeKey(tenantID))
}
