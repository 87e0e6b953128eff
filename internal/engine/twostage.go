package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/models"
)

// refineExcerptChars bounds how much retrieved context the refine prompt
// quotes back to the powerful model.
const refineExcerptChars = 2000

// runTwoStage drafts on a cheap tier and refines on powerful. A draft
// failure is fatal; a refine failure degrades to the draft answer.
func (e *Engine) runTwoStage(ctx context.Context, queryID string, req models.QueryRequest) (*models.QueryResponse, error) {
	cx := e.assessStage(queryID, req)
	retrieval := e.retrieveStage(ctx, queryID, req)

	// The draft never runs on powerful; that tier is reserved for refining.
	draftTier := cx.Tier
	if draftTier == models.TierPowerful {
		draftTier = models.TierBalanced
	}

	if err := e.tracker.Enter(queryID, models.StageRouting, nil); err != nil {
		return nil, err
	}
	draftModel, err := e.selector.Select(draftTier)
	if err != nil {
		e.fail(queryID, err)
		return nil, err
	}

	e.enter(queryID, models.StageGeneration, map[string]interface{}{"draft_model": draftModel.ModelID})
	draftPrompt := buildPrompt(req.Query, retrieval.Artifacts)
	draft, draftDur, err := e.generate(ctx, draftModel, draftPrompt, req)
	if err != nil {
		e.fail(queryID, fmt.Errorf("draft stage: %w", err))
		return nil, fmt.Errorf("draft stage: %w", err)
	}

	meta := models.TwoStageMetadata{
		DraftModelID: draftModel.ModelID,
		DraftTimeMs:  draftDur.Milliseconds(),
		DraftTokens:  draft.TokenCount,
	}

	final := draft
	finalModel := draftModel
	refineModel, err := e.selector.Select(models.TierPowerful)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("query_id", queryID).Msg("No refine model, returning draft")
	case refineModel.ModelID == draftModel.ModelID:
		log.Debug().Str("query_id", queryID).Msg("Refine model equals draft model, returning draft")
	default:
		refined, servedBy, refineDur, rerr := e.generateRerouted(ctx, queryID, refineModel,
			models.TierPowerful, refinePrompt(req.Query, draft.Content, retrieval.Artifacts), req)
		if rerr != nil {
			log.Warn().Err(rerr).Str("query_id", queryID).Msg("Refine stage failed, returning draft")
			break
		}
		final = refined
		finalModel = servedBy
		meta.RefineModelID = servedBy.ModelID
		meta.RefineTimeMs = refineDur.Milliseconds()
		meta.RefineTokens = refined.TokenCount
	}

	e.enter(queryID, models.StageResponse, nil)
	resp := &models.QueryResponse{
		ID:       queryID,
		Query:    req.Query,
		Response: final.Content,
		Metadata: models.QueryMetadata{
			Mode:          models.ModeTwoStage,
			Tier:          finalModel.EffectiveTier().QLabel(),
			ModelID:       finalModel.ModelID,
			Complexity:    cx,
			TokenCount:    final.TokenCount,
			ArtifactsUsed: len(retrieval.Artifacts),
			ContextTokens: retrieval.TotalTokens,
			TwoStage:      &meta,
		},
	}
	e.complete(queryID, finalModel.ModelID, finalModel.EffectiveTier(), len(retrieval.Artifacts))
	return resp, nil
}

func refinePrompt(query, draft string, artifacts []models.ContextChunk) string {
	excerpt := contextExcerpt(artifacts, refineExcerptChars)
	if excerpt == "" {
		excerpt = "(none)"
	}
	return fmt.Sprintf(
		"Original question:\n%s\n\nDraft answer:\n%s\n\nContext excerpt:\n%s\n\n"+
			"Refine the draft answer. Correct any errors, fill in missing detail, and respond with the final answer only.",
		query, draft, excerpt)
}
