package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/models"
)

const (
	councilMinTurns     = 2
	councilMaxTurns     = 20
	councilDefaultTurns = 6
)

// concessionPhrases end an adversarial debate when a side yields.
var concessionPhrases = []string{
	"i concede",
	"you are right",
	"you're right",
	"i agree with your position",
	"i withdraw my argument",
}

func validateCouncil(opts *models.CouncilOptions) error {
	if opts == nil {
		return nil
	}
	switch opts.Style {
	case "", models.CouncilConsensus, models.CouncilAdversarial:
	default:
		return fmt.Errorf("council style %q: %w", opts.Style, models.ErrInvalidRequest)
	}
	if opts.MaxTurns != 0 && (opts.MaxTurns < councilMinTurns || opts.MaxTurns > councilMaxTurns) {
		return fmt.Errorf("council max_turns %d outside [%d,%d]: %w",
			opts.MaxTurns, councilMinTurns, councilMaxTurns, models.ErrInvalidRequest)
	}
	return nil
}

// runCouncil convenes multiple models on one query. Consensus style refines
// a running answer; adversarial style stages a pro/con debate. A model
// failure mid-dialogue fails the pipeline but the turns spoken so far are
// preserved in the response.
func (e *Engine) runCouncil(ctx context.Context, queryID string, req models.QueryRequest) (*models.QueryResponse, error) {
	copts := models.CouncilOptions{
		Style:              models.CouncilConsensus,
		MaxTurns:           councilDefaultTurns,
		DynamicTermination: true,
	}
	if req.Council != nil {
		copts = *req.Council
		if copts.Style == "" {
			copts.Style = models.CouncilConsensus
		}
		if copts.MaxTurns == 0 {
			copts.MaxTurns = councilDefaultTurns
		}
	}

	cx := e.assessStage(queryID, req)
	retrieval := e.retrieveStage(ctx, queryID, req)

	if err := e.tracker.Enter(queryID, models.StageRouting, nil); err != nil {
		return nil, err
	}
	participants := e.participants()
	if len(participants) == 0 {
		e.fail(queryID, models.ErrNoModelAvailable)
		return nil, models.ErrNoModelAvailable
	}

	e.enter(queryID, models.StageGeneration, map[string]interface{}{
		"style":        string(copts.Style),
		"participants": len(participants),
	})
	profile := e.personas.Get(copts.Profile)

	var turns []models.CouncilTurn
	var reason string
	var runErr error
	if copts.Style == models.CouncilAdversarial {
		turns, reason, runErr = e.adversarial(ctx, req, retrieval.Artifacts, participants, copts, profile)
	} else {
		turns, reason, runErr = e.consensus(ctx, req, retrieval.Artifacts, participants, copts, profile)
	}

	meta := &models.CouncilMetadata{
		Style:             copts.Style,
		Turns:             turns,
		TerminationReason: reason,
	}
	resp := &models.QueryResponse{
		ID:       queryID,
		Query:    req.Query,
		Response: lastContent(turns),
		Metadata: models.QueryMetadata{
			Mode:          models.ModeCouncil,
			Complexity:    cx,
			ArtifactsUsed: len(retrieval.Artifacts),
			ContextTokens: retrieval.TotalTokens,
			Council:       meta,
		},
	}

	if runErr != nil {
		log.Warn().Err(runErr).Str("query_id", queryID).Int("turns", len(turns)).Msg("Council ended on model failure")
		e.fail(queryID, runErr)
		return resp, nil
	}

	if copts.Moderator && copts.Style == models.CouncilAdversarial {
		meta.Moderator = e.moderate(ctx, req, turns, profile)
	}

	e.enter(queryID, models.StageResponse, nil)
	last := turns[len(turns)-1]
	resp.Metadata.ModelID = last.SpeakerID
	e.complete(queryID, last.SpeakerID, cx.Tier, len(retrieval.Artifacts))
	return resp, nil
}

// participants selects one ready model per tier, deduplicated. Escalation
// inside Select means a single ready model can serve every seat.
func (e *Engine) participants() []*models.DiscoveredModel {
	var out []*models.DiscoveredModel
	seen := make(map[string]bool)
	for _, tier := range []models.Tier{models.TierFast, models.TierBalanced, models.TierPowerful} {
		m, err := e.selector.Select(tier)
		if err != nil {
			continue
		}
		if !seen[m.ModelID] {
			seen[m.ModelID] = true
			out = append(out, m)
		}
	}
	return out
}

// consensus rotates participants over a running answer until it stops
// moving or the turn budget runs out.
func (e *Engine) consensus(ctx context.Context, req models.QueryRequest, artifacts []models.ContextChunk, participants []*models.DiscoveredModel, copts models.CouncilOptions, profile Profile) ([]models.CouncilTurn, string, error) {
	var turns []models.CouncilTurn
	current := ""

	for turn := 1; turn <= copts.MaxTurns; turn++ {
		m := participants[(turn-1)%len(participants)]

		var prompt string
		if turn == 1 {
			prompt = profile.Panelist.Prompt + "\n\n" + buildPrompt(req.Query, artifacts)
		} else {
			prompt = fmt.Sprintf(
				"%s\n\nQuestion:\n%s\n\nCurrent answer:\n%s\n\n"+
					"Improve this answer. Keep what is correct, fix what is not, and respond with the full improved answer only.",
				profile.Panelist.Prompt, req.Query, current)
		}

		comp, _, err := e.generate(ctx, m, prompt, req)
		if err != nil {
			return turns, "model_failure", fmt.Errorf("council turn %d (%s): %w", turn, m.ModelID, err)
		}
		turns = append(turns, models.CouncilTurn{
			TurnNumber: turn,
			SpeakerID:  m.ModelID,
			Persona:    profile.Panelist.Name,
			Content:    comp.Content,
			Timestamp:  time.Now().UTC(),
			TokensUsed: comp.TokenCount,
		})

		if copts.DynamicTermination && turn >= 2 &&
			jaccard(current, comp.Content) >= e.settings.CouncilConvergence {
			return turns, "converged", nil
		}
		current = comp.Content
	}
	return turns, "max_turns", nil
}

// adversarial alternates pro and con speakers until concession, stalemate,
// or the turn budget.
func (e *Engine) adversarial(ctx context.Context, req models.QueryRequest, artifacts []models.ContextChunk, participants []*models.DiscoveredModel, copts models.CouncilOptions, profile Profile) ([]models.CouncilTurn, string, error) {
	proModel := participants[0]
	conModel := participants[len(participants)-1]

	proPersona := profile.Pro
	if copts.ProPersona != "" {
		proPersona = Persona{Name: "pro", Prompt: copts.ProPersona}
	}
	conPersona := profile.Con
	if copts.ConPersona != "" {
		conPersona = Persona{Name: "con", Prompt: copts.ConPersona}
	}

	excerpt := contextExcerpt(artifacts, refineExcerptChars)
	var turns []models.CouncilTurn

	for turn := 1; turn <= copts.MaxTurns; turn++ {
		m, persona, position := proModel, proPersona, "pro"
		if turn%2 == 0 {
			m, persona, position = conModel, conPersona, "con"
		}

		prompt := debatePrompt(persona, req.Query, excerpt, transcript(turns), position)
		comp, _, err := e.generate(ctx, m, prompt, req)
		if err != nil {
			return turns, "model_failure", fmt.Errorf("debate turn %d (%s): %w", turn, m.ModelID, err)
		}
		turns = append(turns, models.CouncilTurn{
			TurnNumber: turn,
			SpeakerID:  m.ModelID,
			Persona:    persona.Name,
			Content:    comp.Content,
			Timestamp:  time.Now().UTC(),
			TokensUsed: comp.TokenCount,
		})

		if concedes(comp.Content) {
			return turns, "concession", nil
		}
		if copts.DynamicTermination && turn >= 2 &&
			jaccard(turns[turn-2].Content, comp.Content) >= e.settings.CouncilConvergence {
			return turns, "stalemate", nil
		}
	}
	return turns, "max_turns", nil
}

// moderate asks a powerful model for a structured verdict on the debate.
// It never fails the debate: any error yields nil, unparseable output is
// kept as raw analysis text.
func (e *Engine) moderate(ctx context.Context, req models.QueryRequest, turns []models.CouncilTurn, profile Profile) *models.ModeratorAnalysis {
	m, err := e.selector.Select(models.TierPowerful)
	if err != nil {
		log.Warn().Err(err).Msg("No moderator model available")
		return nil
	}

	prompt := fmt.Sprintf(
		"%s\n\nDebate topic:\n%s\n\nFull transcript:\n%s\n\n"+
			"Respond with a single JSON object with keys: argument_strength (object mapping "+
			"\"pro\" and \"con\" to 0-10 scores), logical_fallacies (array of strings), "+
			"rhetorical_techniques (array of strings), key_turning_points (array of strings), "+
			"overall_winner (\"pro\", \"con\", or \"tie\").",
		profile.Moderator.Prompt, req.Query, transcript(turns))

	comp, _, err := e.generate(ctx, m, prompt, req)
	if err != nil {
		log.Warn().Err(err).Str("model", m.ModelID).Msg("Moderator analysis failed")
		return nil
	}

	var analysis models.ModeratorAnalysis
	if err := json.Unmarshal([]byte(extractJSON(comp.Content)), &analysis); err != nil {
		return &models.ModeratorAnalysis{AnalysisText: comp.Content}
	}
	return &analysis
}

func debatePrompt(persona Persona, topic, excerpt, transcript, position string) string {
	if excerpt == "" {
		excerpt = "(none)"
	}
	if transcript == "" {
		transcript = "(debate opens with you)"
	}
	return fmt.Sprintf(
		"%s\n\nDebate topic:\n%s\n\nBackground:\n%s\n\nTranscript so far:\n%s\n\n"+
			"You argue the %s position. Respond to the latest argument in a focused rebuttal.",
		persona.Prompt, topic, excerpt, transcript, position)
}

func transcript(turns []models.CouncilTurn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%d] %s (%s):\n%s\n\n", t.TurnNumber, t.Persona, t.SpeakerID, t.Content)
	}
	return strings.TrimSpace(b.String())
}

func lastContent(turns []models.CouncilTurn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Content
}

func concedes(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range concessionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// jaccard measures token-set similarity between two utterances.
func jaccard(a, b string) float64 {
	as, bs := tokenSet(a), tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}

// extractJSON trims any prose around the first JSON object in a reply.
func extractJSON(s string) string {
	lo := strings.Index(s, "{")
	hi := strings.LastIndex(s, "}")
	if lo < 0 || hi <= lo {
		return s
	}
	return s[lo : hi+1]
}
