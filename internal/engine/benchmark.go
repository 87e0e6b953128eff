package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maestro-llm/maestro/internal/vram"
	"github.com/maestro-llm/maestro/pkg/models"
)

// runBenchmark fans the same prompt across every ready model and reports a
// per-model comparison. Partial failure is fine; the run fails only when no
// model answers.
func (e *Engine) runBenchmark(ctx context.Context, queryID string, req models.QueryRequest) (*models.QueryResponse, error) {
	cx := e.assessStage(queryID, req)
	retrieval := e.retrieveStage(ctx, queryID, req)

	if err := e.tracker.Enter(queryID, models.StageRouting, nil); err != nil {
		return nil, err
	}
	candidates := e.readyModels()
	if len(candidates) == 0 {
		e.fail(queryID, models.ErrNoModelAvailable)
		return nil, models.ErrNoModelAvailable
	}

	opts := models.BenchmarkOptions{}
	if req.Benchmark != nil {
		opts = *req.Benchmark
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.settings.BenchmarkBatchSize
	}

	e.enter(queryID, models.StageGeneration, map[string]interface{}{
		"models":   len(candidates),
		"parallel": opts.Parallel,
	})
	prompt := buildPrompt(req.Query, retrieval.Artifacts)

	start := time.Now()
	var results []models.BenchmarkResult
	if opts.Parallel {
		results = e.benchParallel(ctx, prompt, req, candidates, batchSize)
	} else {
		results = e.benchSerial(ctx, prompt, req, candidates)
	}
	totalMs := time.Since(start).Milliseconds()

	successful := 0
	best := -1
	for i, r := range results {
		if !r.Success {
			continue
		}
		successful++
		if best < 0 || r.ResponseTimeMs < results[best].ResponseTimeMs {
			best = i
		}
	}
	if successful == 0 {
		err := fmt.Errorf("benchmark: no model succeeded: %w", models.ErrInternal)
		e.fail(queryID, err)
		return nil, err
	}

	e.enter(queryID, models.StageResponse, nil)
	winner := results[best]
	resp := &models.QueryResponse{
		ID:       queryID,
		Query:    req.Query,
		Response: winner.Response,
		Metadata: models.QueryMetadata{
			Mode:          models.ModeBenchmark,
			Tier:          winner.Tier.QLabel(),
			ModelID:       winner.ModelID,
			Complexity:    cx,
			TokenCount:    winner.TokenCount,
			ArtifactsUsed: len(retrieval.Artifacts),
			ContextTokens: retrieval.TotalTokens,
			Benchmark: &models.BenchmarkMetadata{
				Results: results,
				Summary: models.BenchmarkSummary{
					TotalModels:        len(results),
					SuccessfulModels:   successful,
					TotalTimeMs:        totalMs,
					Parallel:           opts.Parallel,
					TimingsApproximate: opts.Parallel,
				},
			},
		},
	}
	e.complete(queryID, winner.ModelID, winner.Tier, len(retrieval.Artifacts))
	return resp, nil
}

// benchSerial runs candidates one at a time. Models reached after the
// caller's deadline are recorded as skipped, not attempted.
func (e *Engine) benchSerial(ctx context.Context, prompt string, req models.QueryRequest, candidates []*models.DiscoveredModel) []models.BenchmarkResult {
	results := make([]models.BenchmarkResult, 0, len(candidates))
	for _, m := range candidates {
		if ctx.Err() != nil {
			r := e.benchSkeleton(m)
			r.Error = "deadline"
			results = append(results, r)
			continue
		}
		results = append(results, e.benchOne(ctx, m, prompt, req))
	}
	return results
}

// benchParallel runs candidates in batches of batchSize. Batches run
// strictly one after another so VRAM pressure stays bounded; per-model
// timings are the batch wall clock split evenly, hence approximate.
func (e *Engine) benchParallel(ctx context.Context, prompt string, req models.QueryRequest, candidates []*models.DiscoveredModel, batchSize int) []models.BenchmarkResult {
	results := make([]models.BenchmarkResult, len(candidates))
	for lo := 0; lo < len(candidates); lo += batchSize {
		hi := lo + batchSize
		if hi > len(candidates) {
			hi = len(candidates)
		}

		batchStart := time.Now()
		g, gctx := errgroup.WithContext(ctx)
		for i := lo; i < hi; i++ {
			i, m := i, candidates[i]
			g.Go(func() error {
				results[i] = e.benchOne(gctx, m, prompt, req)
				return nil
			})
		}
		// Errors are captured in the result rows; Wait only joins.
		_ = g.Wait()

		perModel := time.Since(batchStart).Milliseconds() / int64(hi-lo)
		for i := lo; i < hi; i++ {
			results[i].ResponseTimeMs = perModel
		}
	}
	return results
}

// benchOne runs the prompt on a single model and folds any failure into the
// result row.
func (e *Engine) benchOne(ctx context.Context, m *models.DiscoveredModel, prompt string, req models.QueryRequest) models.BenchmarkResult {
	r := e.benchSkeleton(m)
	comp, elapsed, err := e.generate(ctx, m, prompt, req)
	r.ResponseTimeMs = elapsed.Milliseconds()
	if err != nil {
		if errors.Is(err, models.ErrDeadline) {
			r.Error = "deadline"
		} else {
			r.Error = err.Error()
		}
		log.Warn().Err(err).Str("model", m.ModelID).Msg("Benchmark model failed")
		return r
	}
	r.Success = true
	r.Response = comp.Content
	r.TokenCount = comp.TokenCount
	return r
}

// benchSkeleton fills the static per-model columns.
func (e *Engine) benchSkeleton(m *models.DiscoveredModel) models.BenchmarkResult {
	ctxSize := e.ctxSizeFor(m)
	return models.BenchmarkResult{
		ModelID:           m.ModelID,
		Tier:              m.EffectiveTier(),
		EstimatedVRAMGB:   vram.EstimateGB(m, ctxSize),
		GPULayersUsed:     e.gpuLayersFor(m),
		ContextWindowUsed: ctxSize,
	}
}

// readyModels returns every enabled model with a ready server, in registry
// order (model_id ascending).
func (e *Engine) readyModels() []*models.DiscoveredModel {
	var out []*models.DiscoveredModel
	for _, m := range e.reg.ListEnabled() {
		if e.ready(m.ModelID) {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) ctxSizeFor(m *models.DiscoveredModel) int {
	if m.Overrides != nil && m.Overrides.CtxSize != nil {
		return *m.Overrides.CtxSize
	}
	return e.settings.CtxSize
}

func (e *Engine) gpuLayersFor(m *models.DiscoveredModel) int {
	if m.Overrides != nil && m.Overrides.GPULayers != nil {
		return *m.Overrides.GPULayers
	}
	return e.settings.GPULayers
}
