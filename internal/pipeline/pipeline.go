package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
)

// Pipeline executes a scrape request against the ranked fallback list
// under a single deadline. Feature discovery (AddFeatureError /
// RemoveFeatureError) restarts planning over the engines not yet tried,
// keeping the original deadline.
type Pipeline struct {
	registry       *engine.Registry
	transformer    *Transformer
	defaultTimeout time.Duration
	logger         arbor.ILogger
}

// NewPipeline creates the scrape pipeline
func NewPipeline(registry *engine.Registry, transformer *Transformer, defaultTimeout time.Duration, logger arbor.ILogger) *Pipeline {
	if defaultTimeout <= 0 {
		defaultTimeout = 300 * time.Second
	}
	return &Pipeline{
		registry:       registry,
		transformer:    transformer,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Execute runs the job to a Document or a terminal error. Recoverable
// errors are consumed here; what escapes is job-level.
func (p *Pipeline) Execute(ctx context.Context, job *models.ScrapeJob) (*models.Document, error) {
	required := models.RequiredFeatures(job.Options, job.Internal)

	timeout := job.Options.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	var tracker []models.EngineAttempt
	attempted := make(map[string]bool)
	var prefetch *models.PDFPrefetch
	prefetchConsumed := false

	// An unconsumed prefetch file must not leak past the pipeline
	defer func() {
		if prefetch != nil && !prefetchConsumed {
			os.Remove(prefetch.FilePath)
		}
	}()

restart:
	for {
		fallback := p.plan(required, job.Internal.ForceEngine, attempted)
		if len(fallback) == 0 {
			return nil, &models.NoEnginesLeftError{Attempts: tracker}
		}

		for _, planned := range fallback {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, &models.NoEnginesLeftError{Attempts: tracker}
			}

			eng := planned.Engine
			attempted[eng.Name()] = true

			req := p.buildRequest(job, required, remaining)
			if prefetch != nil {
				req.Prefetch = prefetch
				prefetchConsumed = true
			}

			p.logger.Debug().
				Str("job_id", job.ID).
				Str("engine", eng.Name()).
				Dur("time_to_run", remaining).
				Int("support_score", planned.SupportScore).
				Msg("Attempting engine")

			result, err := eng.Fetch(ctx, req)
			if err == nil {
				doc, terr := p.transformer.Transform(result, job.URL, job.Options)
				if terr != nil {
					return nil, terr
				}
				if planned.Unsupported != 0 {
					p.logger.Warn().
						Str("job_id", job.ID).
						Str("engine", eng.Name()).
						Str("unsupported", planned.Unsupported.String()).
						Msg("Engine succeeded without covering all requested features")
				}
				return doc, nil
			}

			var addFeature *models.AddFeatureError
			if errors.As(err, &addFeature) {
				required = required.Union(addFeature.Flags)
				if addFeature.Prefetch != nil {
					prefetch = addFeature.Prefetch
					prefetchConsumed = false
				}
				tracker = append(tracker, models.EngineAttempt{Engine: eng.Name(), Err: err})
				p.logger.Debug().
					Str("job_id", job.ID).
					Str("engine", eng.Name()).
					Str("added", addFeature.Flags.String()).
					Msg("Feature discovery, replanning")
				continue restart
			}

			var removeFeature *models.RemoveFeatureError
			if errors.As(err, &removeFeature) {
				required = required.Without(featuresOf(removeFeature.Flags)...)
				tracker = append(tracker, models.EngineAttempt{Engine: eng.Name(), Err: err})
				continue restart
			}

			// Everything else advances the fallback list
			tracker = append(tracker, models.EngineAttempt{Engine: eng.Name(), Err: err})
			p.logger.Debug().
				Str("job_id", job.ID).
				Str("engine", eng.Name()).
				Err(err).
				Msg("Engine failed, falling back")
		}

		return nil, &models.NoEnginesLeftError{Attempts: tracker}
	}
}

// plan computes the fallback list excluding engines already attempted in
// this pipeline run
func (p *Pipeline) plan(required models.FeatureSet, forceEngine string, attempted map[string]bool) []engine.PlannedEngine {
	full := p.registry.Plan(required, forceEngine)
	out := make([]engine.PlannedEngine, 0, len(full))
	for _, planned := range full {
		if attempted[planned.Engine.Name()] {
			continue
		}
		out = append(out, planned)
	}
	return out
}

func (p *Pipeline) buildRequest(job *models.ScrapeJob, required models.FeatureSet, remaining time.Duration) *engine.FetchRequest {
	return &engine.FetchRequest{
		URL:            job.URL,
		Headers:        job.Options.Headers,
		WaitFor:        job.Options.WaitFor,
		Actions:        job.Options.Actions,
		SkipTLS:        job.Options.SkipTLS,
		Mobile:         job.Options.Mobile,
		Location:       job.Options.Location,
		TimeToRun:      remaining,
		Screenshot:     required.Has(models.FeatureScreenshot),
		FullPageScreen: required.Has(models.FeatureFullPageScreenshot),
	}
}

func featuresOf(set models.FeatureSet) []models.Feature {
	var out []models.Feature
	set.Each(func(f models.Feature) {
		out = append(out, f)
	})
	return out
}
