package vram_test

import (
	"math"
	"testing"

	"github.com/maestro-llm/maestro/internal/vram"
	"github.com/maestro-llm/maestro/pkg/models"
)

func TestQuantMultiplier(t *testing.T) {
	tests := []struct {
		quant string
		want  float64
	}{
		{"Q2_K", 0.25},
		{"q3_k_m", 0.35},
		{"Q4_K_M", 0.50},
		{"Q8_0", 1.0},
		{"F16", 2.0},
		{"IQ1_S", 0.5}, // unknown label falls back
	}
	for _, tt := range tests {
		if got := vram.QuantMultiplier(tt.quant); got != tt.want {
			t.Errorf("QuantMultiplier(%q) = %v, want %v", tt.quant, got, tt.want)
		}
	}
}

func TestEstimateGB(t *testing.T) {
	m := &models.DiscoveredModel{SizeParamsB: 13, Quantization: "Q4_K_M"}
	want := 13*0.5 + 4096*2.0/(1<<30) + 0.5
	if got := vram.EstimateGB(m, 4096); math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateGB() = %v, want %v", got, want)
	}
}

func TestEstimateGB_GrowsWithContext(t *testing.T) {
	m := &models.DiscoveredModel{SizeParamsB: 7, Quantization: "Q3_K_M"}
	small := vram.EstimateGB(m, 2048)
	large := vram.EstimateGB(m, 32768)
	if large <= small {
		t.Errorf("EstimateGB(32768) = %v, not greater than EstimateGB(2048) = %v", large, small)
	}
}
