// Package complexity scores a query's difficulty and maps it to a model
// tier. Assessment is a pure function: same query, same verdict.
package complexity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/maestro-llm/maestro/pkg/models"
)

// Vocabulary patterns. Simple vocabulary pulls the score down, complex
// vocabulary pushes it up hard; each class saturates so a keyword-stuffed
// query cannot run away.
var (
	simpleWords = []string{
		"what is", "what's", "who is", "define", "meaning of",
		"when was", "when did", "where is", "how many", "list",
	}
	moderateWords = []string{
		"explain", "describe", "summarize", "compare", "how does",
		"why does", "difference between", "overview",
	}
	complexWords = []string{
		"analyze", "architect", "design a", "implement", "optimize",
		"prove", "trade-off", "tradeoffs", "refactor", "debug",
		"step by step", "in depth", "comprehensive",
	}
)

const (
	simpleCap   = 2.0 // max downward pull from simple vocabulary
	moderateCap = 3.0
	complexCap  = 6.0
)

var (
	sentenceRe    = regexp.MustCompile(`[.!?]+\s`)
	enumerationRe = regexp.MustCompile(`(?m)(^\s*[-*•]\s|\b\d+[.)]\s)`)
	conditionalRe = regexp.MustCompile(`(?i)\b(if|unless|when|assuming|provided that)\b.+\b(then|would|should|could)\b`)
)

// Thresholds mapping score to tier: < 3 fast, 3–7 balanced, > 7 powerful.
const (
	fastBelow     = 3.0
	powerfulAbove = 7.0
)

// Assess scores the query and picks a tier. When forced is set the verdict
// is pinned with reasoning "user forced" and score 0.
func Assess(query string, forced models.ForcedComplexity) models.Complexity {
	switch forced {
	case models.ForcedSimple:
		return models.Complexity{Tier: models.TierFast, Score: 0, Reasoning: "user forced"}
	case models.ForcedModerate:
		return models.Complexity{Tier: models.TierBalanced, Score: 0, Reasoning: "user forced"}
	case models.ForcedComplex:
		return models.Complexity{Tier: models.TierPowerful, Score: 0, Reasoning: "user forced"}
	}

	lower := strings.ToLower(query)
	score := 3.0 // neutral baseline lands in balanced absent any signal
	var indicators []string

	if v := saturate(countMatches(lower, simpleWords), 1, simpleCap); v > 0 {
		score -= v
		indicators = append(indicators, fmt.Sprintf("simple vocabulary: -%.1f", v))
	}
	if v := saturate(countMatches(lower, moderateWords), 1, moderateCap); v > 0 {
		score += v
		indicators = append(indicators, fmt.Sprintf("moderate vocabulary: +%.1f", v))
	}
	if v := saturate(countMatches(lower, complexWords), 3, complexCap); v > 0 {
		score += v
		indicators = append(indicators, fmt.Sprintf("complex vocabulary: +%.1f", v))
	}

	// Structural features: each contributes a small bounded increment.
	if n := len(query); n > 200 {
		bump := 0.5
		if n > 500 {
			bump = 1.0
		}
		score += bump
		indicators = append(indicators, fmt.Sprintf("length %d chars: +%.1f", n, bump))
	}
	if n := len(sentenceRe.FindAllString(query, -1)) + 1; n > 2 {
		bump := saturate(float64(n-2), 0.5, 1.5)
		score += bump
		indicators = append(indicators, fmt.Sprintf("%d sentences: +%.1f", n, bump))
	}
	if enumerationRe.MatchString(query) {
		score += 1.0
		indicators = append(indicators, "enumeration: +1.0")
	}
	if conditionalRe.MatchString(query) {
		score += 0.5
		indicators = append(indicators, "conditional: +0.5")
	}
	if strings.Count(query, "?") > 1 {
		score += 1.0
		indicators = append(indicators, "multi-part question: +1.0")
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	tier := models.TierBalanced
	switch {
	case score < fastBelow:
		tier = models.TierFast
	case score > powerfulAbove:
		tier = models.TierPowerful
	}

	return models.Complexity{
		Tier:       tier,
		Score:      score,
		Reasoning:  fmt.Sprintf("score %.1f -> %s", score, tier.QLabel()),
		Indicators: indicators,
	}
}

func countMatches(s string, patterns []string) float64 {
	var n float64
	for _, p := range patterns {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}

// saturate returns matches×weight capped at cap.
func saturate(matches, weight, cap float64) float64 {
	v := matches * weight
	if v > cap {
		return cap
	}
	return v
}
