package engine

import (
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

// PlannedEngine is an engine selected for a request, annotated with how
// well it covers the required features
type PlannedEngine struct {
	Engine       Engine
	SupportScore int
	Unsupported  models.FeatureSet
}

// Registry holds the static engine table. Constructed once at startup and
// read-only afterwards.
type Registry struct {
	engines []Engine
	logger  arbor.ILogger
}

// NewRegistry creates an engine registry from the available engines
func NewRegistry(logger arbor.ILogger, engines ...Engine) *Registry {
	available := make([]Engine, 0, len(engines))
	for _, e := range engines {
		if !e.Available() {
			logger.Warn().Str("engine", e.Name()).Msg("Engine unavailable, excluded from planning")
			continue
		}
		available = append(available, e)
	}
	return &Registry{
		engines: available,
		logger:  logger,
	}
}

// Engines returns the available engines
func (r *Registry) Engines() []Engine {
	return r.engines
}

// Get returns an engine by name, or nil
func (r *Registry) Get(name string) Engine {
	for _, e := range r.engines {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// Plan produces the ordered fallback list for a set of required features.
//
// Engines must cover at least half the priority weight of the required
// features to qualify. When any qualifying engine has positive quality,
// zero-or-negative quality engines are dropped. The survivors are
// stable-sorted by support score, then quality, both descending.
//
// forceEngine bypasses planning entirely and yields just that engine.
func (r *Registry) Plan(required models.FeatureSet, forceEngine string) []PlannedEngine {
	if forceEngine != "" {
		if e := r.Get(forceEngine); e != nil {
			return []PlannedEngine{{
				Engine:       e,
				SupportScore: required.Intersect(e.Capabilities()).PriorityWeight(),
				Unsupported:  required.Without(featuresOf(e.Capabilities())...),
			}}
		}
		r.logger.Warn().Str("engine", forceEngine).Msg("Forced engine not available")
		return nil
	}

	threshold := required.PriorityWeight() / 2

	candidates := make([]PlannedEngine, 0, len(r.engines))
	for _, e := range r.engines {
		covered := required.Intersect(e.Capabilities())
		score := covered.PriorityWeight()
		if required.PriorityWeight() > 0 && score < threshold {
			continue
		}
		candidates = append(candidates, PlannedEngine{
			Engine:       e,
			SupportScore: score,
			Unsupported:  required.Without(featuresOf(e.Capabilities())...),
		})
	}

	anyPositive := false
	for _, c := range candidates {
		if c.Engine.Quality() > 0 {
			anyPositive = true
			break
		}
	}
	if anyPositive {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.Engine.Quality() > 0 {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SupportScore != candidates[j].SupportScore {
			return candidates[i].SupportScore > candidates[j].SupportScore
		}
		return candidates[i].Engine.Quality() > candidates[j].Engine.Quality()
	})

	return candidates
}

func featuresOf(set models.FeatureSet) []models.Feature {
	var out []models.Feature
	set.Each(func(f models.Feature) {
		out = append(out, f)
	})
	return out
}
