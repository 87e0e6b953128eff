// Package engine executes queries. It owns the four execution modes
// (simple, two_stage, benchmark, council) and drives the shared layers:
// complexity assessment, CGRAG retrieval, tier routing, inference, and the
// per-query pipeline tracker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-llm/maestro/internal/cgrag"
	"github.com/maestro-llm/maestro/internal/complexity"
	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/inference"
	"github.com/maestro-llm/maestro/internal/metrics"
	"github.com/maestro-llm/maestro/internal/pipeline"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// ReadyFunc reports whether a model's inference server is ready.
type ReadyFunc func(modelID string) bool

// Options wire the engine's collaborators.
type Options struct {
	Registry  *registry.Registry
	Selector  contracts.ModelSelector
	Ready     ReadyFunc
	Retriever *cgrag.Retriever
	Tracker   *pipeline.Tracker
	Events    contracts.EventSink
	Clients   contracts.ClientFactory
	Settings  config.Settings
	Personas  *ProfileSet
}

// Engine runs queries end to end.
type Engine struct {
	reg       *registry.Registry
	selector  contracts.ModelSelector
	ready     ReadyFunc
	retriever *cgrag.Retriever
	tracker   *pipeline.Tracker
	events    contracts.EventSink
	clients   contracts.ClientFactory
	settings  config.Settings
	personas  *ProfileSet
	tracer    trace.Tracer
}

// New creates an engine.
func New(opts Options) *Engine {
	personas := opts.Personas
	if personas == nil {
		personas = DefaultProfiles()
	}
	return &Engine{
		reg:       opts.Registry,
		selector:  opts.Selector,
		ready:     opts.Ready,
		retriever: opts.Retriever,
		tracker:   opts.Tracker,
		events:    opts.Events,
		clients:   opts.Clients,
		settings:  opts.Settings,
		personas:  personas,
		tracer:    otel.Tracer("maestro/engine"),
	}
}

// Query validates the request, opens a pipeline, and dispatches on mode.
// The returned response is immutable; errors wrap the package sentinels.
func (e *Engine) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("empty query: %w", models.ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = models.ModeSimple
	}
	switch req.Mode {
	case models.ModeSimple, models.ModeTwoStage, models.ModeBenchmark, models.ModeCouncil:
	default:
		return nil, fmt.Errorf("mode %q: %w", req.Mode, models.ErrInvalidRequest)
	}
	if req.Mode == models.ModeCouncil {
		if err := validateCouncil(req.Council); err != nil {
			return nil, err
		}
	}

	queryID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "engine.query",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.String("query.mode", string(req.Mode)),
		))
	defer span.End()

	if _, err := e.tracker.Open(queryID); err != nil {
		return nil, err
	}
	log.Info().
		Str("query_id", queryID).
		Str("mode", string(req.Mode)).
		Msg("Query accepted")

	start := time.Now()
	var resp *models.QueryResponse
	var err error
	switch req.Mode {
	case models.ModeSimple:
		resp, err = e.runSimple(ctx, queryID, req)
	case models.ModeTwoStage:
		resp, err = e.runTwoStage(ctx, queryID, req)
	case models.ModeBenchmark:
		resp, err = e.runBenchmark(ctx, queryID, req)
	case models.ModeCouncil:
		resp, err = e.runCouncil(ctx, queryID, req)
	}

	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	metrics.QueriesTotal.WithLabelValues(string(req.Mode), status).Inc()
	metrics.QueryDuration.WithLabelValues(string(req.Mode)).Observe(elapsed.Seconds())
	if resp != nil {
		resp.Metadata.ProcessingTimeMs = elapsed.Milliseconds()
	}
	return resp, err
}

// runSimple is the default path: assess, retrieve, route, generate once.
func (e *Engine) runSimple(ctx context.Context, queryID string, req models.QueryRequest) (*models.QueryResponse, error) {
	cx := e.assessStage(queryID, req)
	retrieval := e.retrieveStage(ctx, queryID, req)

	if err := e.tracker.Enter(queryID, models.StageRouting, nil); err != nil {
		return nil, err
	}
	m, err := e.selector.Select(cx.Tier)
	if err != nil {
		e.fail(queryID, err)
		return nil, err
	}

	e.enter(queryID, models.StageGeneration, map[string]interface{}{"model": m.ModelID})
	prompt := buildPrompt(req.Query, retrieval.Artifacts)
	comp, servedBy, _, err := e.generateRerouted(ctx, queryID, m, cx.Tier, prompt, req)
	if err != nil {
		e.fail(queryID, err)
		return nil, err
	}
	m = servedBy

	e.enter(queryID, models.StageResponse, nil)
	resp := &models.QueryResponse{
		ID:       queryID,
		Query:    req.Query,
		Response: comp.Content,
		Metadata: models.QueryMetadata{
			Mode:          models.ModeSimple,
			Tier:          m.EffectiveTier().QLabel(),
			ModelID:       m.ModelID,
			Complexity:    cx,
			TokenCount:    comp.TokenCount,
			ArtifactsUsed: len(retrieval.Artifacts),
			ContextTokens: retrieval.TotalTokens,
		},
	}
	e.complete(queryID, m.ModelID, m.EffectiveTier(), len(retrieval.Artifacts))
	return resp, nil
}

// assessStage runs the complexity stage. Assessment cannot fail.
func (e *Engine) assessStage(queryID string, req models.QueryRequest) models.Complexity {
	e.enter(queryID, models.StageComplexity, nil)
	cx := complexity.Assess(req.Query, req.Forced)
	log.Debug().
		Str("query_id", queryID).
		Float64("score", cx.Score).
		Str("tier", string(cx.Tier)).
		Msg("Complexity assessed")
	return cx
}

// retrieveStage runs CGRAG when the request asks for context. Retrieval is
// best-effort: a missing or broken index degrades to an empty context, it
// never fails the query. With use_context false the stage is skipped.
func (e *Engine) retrieveStage(ctx context.Context, queryID string, req models.QueryRequest) *models.RetrievalResult {
	if !req.UseContext {
		return &models.RetrievalResult{WithinBudget: true}
	}
	e.enter(queryID, models.StageCGRAG, nil)
	res, err := e.retriever.Retrieve(ctx, req.Query,
		e.settings.CGRAGTokenBudget, e.settings.CGRAGMaxArtifacts, e.settings.CGRAGMinRelevance)
	if err != nil {
		log.Warn().Err(err).Str("query_id", queryID).Msg("Retrieval unavailable, continuing without context")
		return &models.RetrievalResult{WithinBudget: true}
	}
	return res
}

// generate runs one completion on a model under its tier deadline, with the
// in-flight bracket held for the duration.
func (e *Engine) generate(ctx context.Context, m *models.DiscoveredModel, prompt string, req models.QueryRequest) (*models.Completion, time.Duration, error) {
	tier := m.EffectiveTier()
	policy := config.TierPolicy(tier)
	gctx, cancel := context.WithTimeout(ctx, policy.Deadline)
	defer cancel()

	e.selector.Acquire(m.ModelID)
	defer e.selector.Release(m.ModelID)

	client := e.clients(m.ModelID, m.Port, tier)
	start := time.Now()
	comp, err := client.Complete(gctx, prompt, models.CompletionOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	if m.Thinking() {
		comp.Content = StripThinking(comp.Content)
	}
	return comp, elapsed, nil
}

// generateRerouted runs one completion, re-entering routing at most once
// when the selected server stops underneath the query: a transient failure
// from a server that has left ready state means an operator stopped it or
// it crashed, so the tier is re-selected and the prompt retried on the
// replacement. Benchmark calls generate directly; its failures stay
// attributed to the model that was asked.
func (e *Engine) generateRerouted(ctx context.Context, queryID string, m *models.DiscoveredModel, tier models.Tier, prompt string, req models.QueryRequest) (*models.Completion, *models.DiscoveredModel, time.Duration, error) {
	comp, elapsed, err := e.generate(ctx, m, prompt, req)
	if err == nil {
		return comp, m, elapsed, nil
	}
	if !inference.IsTransient(err) || e.ready(m.ModelID) {
		return nil, m, elapsed, err
	}
	next, serr := e.selector.Select(tier)
	if serr != nil || next.ModelID == m.ModelID {
		return nil, m, elapsed, err
	}
	log.Warn().
		Str("query_id", queryID).
		Str("from", m.ModelID).
		Str("to", next.ModelID).
		Msg("Server left ready state mid-query, re-routing")
	comp, elapsed, err = e.generate(ctx, next, prompt, req)
	if err != nil {
		return nil, next, elapsed, err
	}
	return comp, next, elapsed, nil
}

// enter advances the pipeline, tolerating tracker rejections. A rejected
// transition is a bug worth logging, not a reason to drop the query.
func (e *Engine) enter(queryID string, stage models.StageName, metadata map[string]interface{}) {
	if err := e.tracker.Enter(queryID, stage, metadata); err != nil {
		log.Warn().Err(err).Str("query_id", queryID).Str("stage", string(stage)).Msg("Stage transition rejected")
	}
}

// fail marks the pipeline failed, normalizing deadline expiry to the
// canonical reason.
func (e *Engine) fail(queryID string, err error) {
	cause := err
	if errors.Is(err, models.ErrDeadline) {
		cause = errors.New("deadline_exceeded")
	}
	if terr := e.tracker.Fail(queryID, cause); terr != nil {
		log.Warn().Err(terr).Str("query_id", queryID).Msg("Pipeline fail not recorded")
	}
}

func (e *Engine) complete(queryID, modelID string, tier models.Tier, artifacts int) {
	err := e.tracker.Complete(queryID, pipeline.Summary{
		ModelSelected:  modelID,
		Tier:           tier,
		ArtifactsCount: artifacts,
	})
	if err != nil {
		log.Warn().Err(err).Str("query_id", queryID).Msg("Pipeline completion not recorded")
	}
}

// buildPrompt prefixes retrieved context ahead of the query.
func buildPrompt(query string, artifacts []models.ContextChunk) string {
	if len(artifacts) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, a := range artifacts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(a.Text)
	}
	b.WriteString("\n\n")
	b.WriteString(query)
	return b.String()
}

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes reasoning traces from a thinking model's output.
func StripThinking(content string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(content, ""))
}

// contextExcerpt flattens artifacts into a bounded excerpt for prompts that
// quote the context rather than carry it whole.
func contextExcerpt(artifacts []models.ContextChunk, maxChars int) string {
	var b strings.Builder
	for _, a := range artifacts {
		if b.Len() >= maxChars {
			break
		}
		b.WriteString(a.Text)
		b.WriteString("\n\n")
	}
	s := b.String()
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return strings.TrimSpace(s)
}
