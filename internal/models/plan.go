package models

import "math"

// PlanTier identifies a tenant's billing plan
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanHobby      PlanTier = "hobby"
	PlanStandard   PlanTier = "standard"
	PlanGrowth     PlanTier = "growth"
	PlanScale      PlanTier = "scale"
	PlanEnterprise PlanTier = "enterprise"
	PlanSystem     PlanTier = "system"
)

// DefaultEnterpriseConcurrency is used for enterprise/system tenants unless
// overridden via the [plans] config section.
const DefaultEnterpriseConcurrency = 200

// PlanPolicy holds the per-plan scheduling parameters.
// Constructed once at startup and passed by value through component
// constructors; tests substitute their own tables.
type PlanPolicy struct {
	enterpriseConcurrency int
}

// NewPlanPolicy creates the plan policy table. enterpriseConcurrency <= 0
// falls back to DefaultEnterpriseConcurrency.
func NewPlanPolicy(enterpriseConcurrency int) PlanPolicy {
	if enterpriseConcurrency <= 0 {
		enterpriseConcurrency = DefaultEnterpriseConcurrency
	}
	return PlanPolicy{enterpriseConcurrency: enterpriseConcurrency}
}

// Concurrency returns the concurrent scrape ceiling C(plan) for a tenant
func (p PlanPolicy) Concurrency(plan PlanTier) int {
	switch plan {
	case PlanFree:
		return 2
	case PlanHobby:
		return 5
	case PlanStandard:
		return 10
	case PlanGrowth:
		return 50
	case PlanScale:
		return 100
	case PlanEnterprise, PlanSystem:
		return p.enterpriseConcurrency
	default:
		return 2
	}
}

// penaltyRamp describes the load penalty applied above a plan-specific
// in-flight threshold. Lower priority score = scheduled sooner, so the
// penalty pushes heavy tenants back in the queue.
type penaltyRamp struct {
	threshold float64
	slope     float64
}

func rampFor(plan PlanTier) penaltyRamp {
	switch plan {
	case PlanFree:
		return penaltyRamp{threshold: 25, slope: 0.5}
	case PlanHobby:
		return penaltyRamp{threshold: 50, slope: 0.3}
	case PlanStandard:
		return penaltyRamp{threshold: 200, slope: 0.4}
	case PlanGrowth, PlanScale:
		return penaltyRamp{threshold: 400, slope: 0.1}
	case PlanEnterprise, PlanSystem:
		return penaltyRamp{threshold: math.Inf(1), slope: 0}
	default:
		return penaltyRamp{threshold: 25, slope: 0.5}
	}
}

// Penalty returns the load penalty for a tenant with the given number of
// in-flight jobs: zero below the plan threshold, then a linear ramp.
func (p PlanPolicy) Penalty(plan PlanTier, inflight int) int {
	ramp := rampFor(plan)
	over := float64(inflight) - ramp.threshold
	if over <= 0 {
		return 0
	}
	return int(math.Ceil(over * ramp.slope))
}

// Base priority conventions for job origins
const (
	PriorityDirectScrape = 10
	PriorityKickoff      = 15
	PriorityCrawlChild   = 20
)
