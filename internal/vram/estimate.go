// Package vram estimates per-model GPU memory needs. The supervisor's bulk
// start and the benchmark engine's parallel mode both budget against it.
package vram

import (
	"strings"

	"github.com/maestro-llm/maestro/pkg/models"
)

// quantMultipliers map a quantization label to GB per billion parameters.
var quantMultipliers = map[string]float64{
	"Q2_K":   0.25,
	"Q3_K_M": 0.35,
	"Q4_K_M": 0.50,
	"Q8_0":   1.0,
	"F16":    2.0,
}

// DefaultQuantMultiplier is used for unrecognized quantization labels.
const DefaultQuantMultiplier = 0.5

// overheadGB covers the CUDA context and scratch buffers.
const overheadGB = 0.5

// kvBytesPerCtxToken is the KV-cache cost per context token.
const kvBytesPerCtxToken = 2.0

// QuantMultiplier returns the GB-per-B-params factor for a quant label.
func QuantMultiplier(quant string) float64 {
	if m, ok := quantMultipliers[strings.ToUpper(quant)]; ok {
		return m
	}
	return DefaultQuantMultiplier
}

// EstimateGB estimates the VRAM one model instance needs:
// weights (size × quant factor) + KV cache (ctx × 2 B) + fixed overhead.
func EstimateGB(m *models.DiscoveredModel, ctxSize int) float64 {
	weights := m.SizeParamsB * QuantMultiplier(m.Quantization)
	kv := float64(ctxSize) * kvBytesPerCtxToken / (1 << 30)
	return weights + kv + overheadGB
}
