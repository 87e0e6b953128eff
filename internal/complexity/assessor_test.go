package complexity_test

import (
	"reflect"
	"testing"

	"github.com/maestro-llm/maestro/internal/complexity"
	"github.com/maestro-llm/maestro/pkg/models"
)

func TestAssess_Deterministic(t *testing.T) {
	query := "Explain how TCP congestion control works. Compare Reno and CUBIC. Which should I use?"
	first := complexity.Assess(query, "")
	for i := 0; i < 5; i++ {
		got := complexity.Assess(query, "")
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("Assess() run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestAssess_ForcedPinsVerdict(t *testing.T) {
	tests := []struct {
		forced models.ForcedComplexity
		want   models.Tier
	}{
		{models.ForcedSimple, models.TierFast},
		{models.ForcedModerate, models.TierBalanced},
		{models.ForcedComplex, models.TierPowerful},
	}
	for _, tt := range tests {
		got := complexity.Assess("irrelevant query text", tt.forced)
		if got.Tier != tt.want {
			t.Errorf("forced %q: tier = %s, want %s", tt.forced, got.Tier, tt.want)
		}
		if got.Reasoning != "user forced" {
			t.Errorf("forced %q: reasoning = %q, want %q", tt.forced, got.Reasoning, "user forced")
		}
		if got.Score != 0 {
			t.Errorf("forced %q: score = %v, want 0", tt.forced, got.Score)
		}
	}
}

func TestAssess_SimpleQueryRoutesFast(t *testing.T) {
	got := complexity.Assess("What is the capital of France?", "")
	if got.Tier != models.TierFast {
		t.Errorf("tier = %s (score %v), want fast", got.Tier, got.Score)
	}
}

func TestAssess_ComplexQueryRoutesPowerful(t *testing.T) {
	got := complexity.Assess("Analyze the trade-offs between microservices and a monolith", "")
	if got.Tier != models.TierPowerful {
		t.Errorf("tier = %s (score %v), want powerful", got.Tier, got.Score)
	}
	if len(got.Indicators) == 0 {
		t.Error("Indicators empty, want at least the vocabulary contribution")
	}
}

func TestAssess_NeutralQueryRoutesBalanced(t *testing.T) {
	got := complexity.Assess("Tell me about the weather patterns in northern Italy", "")
	if got.Tier != models.TierBalanced {
		t.Errorf("tier = %s (score %v), want balanced", got.Tier, got.Score)
	}
}

func TestAssess_ScoreClamped(t *testing.T) {
	query := "Analyze, design a, implement, optimize, prove, refactor, debug this step by step, " +
		"in depth, comprehensive. If it fails then retry. How? Why? When?\n" +
		"1. first point about the architecture and its many moving pieces\n" +
		"2. second point about operational concerns and failure domains\n" +
		"3. third point about the migration plan and its rollback story\n"
	got := complexity.Assess(query, "")
	if got.Score > 10 {
		t.Errorf("score = %v, want <= 10", got.Score)
	}
	if got.Tier != models.TierPowerful {
		t.Errorf("tier = %s, want powerful", got.Tier)
	}
}
