package registry

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/maestro-llm/maestro/pkg/models"
)

// modelExtensions are the file extensions treated as model weights.
var modelExtensions = map[string]bool{
	".gguf": true,
	".ggml": true,
}

var (
	quantRe = regexp.MustCompile(`(?i)\b(q[2-8](?:_[a-z0-9]+)*|f16|f32|bf16)\b`)
	sizeRe  = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)b\b`)
	verRe   = regexp.MustCompile(`^\d+(?:\.\d+)*$`)
)

// parseModelFile extracts model attributes from a weights filename like
// "Llama-3.1-8B-Instruct-Q4_K_M.gguf". The filename is the only metadata
// source; anything unparseable falls back to a conservative default.
func parseModelFile(path string) (*models.DiscoveredModel, error) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if !modelExtensions[ext] {
		return nil, fmt.Errorf("not a model file: %s", base)
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	norm := strings.ToLower(stem)

	m := &models.DiscoveredModel{
		Path:         path,
		Quantization: "Q4_K_M",
	}

	if q := quantRe.FindString(stem); q != "" {
		m.Quantization = strings.ToUpper(q)
	}
	if s := sizeRe.FindStringSubmatch(norm); s != nil {
		m.SizeParamsB, _ = strconv.ParseFloat(s[1], 64)
	}

	m.IsThinking = containsAny(norm, "r1", "qwq", "think", "reason")
	m.IsCoder = containsAny(norm, "coder", "code")
	m.IsInstruct = containsAny(norm, "instruct", "chat", "-it-", "-it.") ||
		strings.HasSuffix(norm, "-it")

	// Family is the leading alphabetic token; an immediately following
	// numeric token is the version ("llama-3.1-..." → llama / 3.1).
	fields := strings.FieldsFunc(norm, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	if len(fields) > 0 {
		m.Family = fields[0]
	}
	if len(fields) > 1 && verRe.MatchString(fields[1]) {
		m.Version = fields[1]
	}
	if m.Family == "" {
		m.Family = "unknown"
	}

	m.ModelID = deriveModelID(m)
	return m, nil
}

// deriveModelID builds the stable model identity from parsed attributes.
func deriveModelID(m *models.DiscoveredModel) string {
	parts := []string{m.Family}
	if m.Version != "" {
		parts = append(parts, m.Version)
	}
	if m.SizeParamsB > 0 {
		parts = append(parts, strconv.FormatFloat(m.SizeParamsB, 'f', -1, 64)+"b")
	}
	parts = append(parts, strings.ToLower(m.Quantization))
	return strings.Join(parts, "-")
}

// assignTier applies the default size-based tier rule.
func assignTier(sizeB float64, th models.TierThresholds) models.Tier {
	switch {
	case sizeB >= th.PowerfulMinB:
		return models.TierPowerful
	case sizeB <= th.FastMaxB:
		return models.TierFast
	default:
		return models.TierBalanced
	}
}

// discoverModelFiles walks root and returns parsed models, keyed by model_id.
// Duplicate IDs keep the first file seen (walk order is deterministic).
func discoverModelFiles(root string, th models.TierThresholds) (map[string]*models.DiscoveredModel, error) {
	found := make(map[string]*models.DiscoveredModel)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m, perr := parseModelFile(path)
		if perr != nil {
			return nil // not a model file
		}
		m.Tier = assignTier(m.SizeParamsB, th)
		if _, dup := found[m.ModelID]; !dup {
			found[m.ModelID] = m
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return found, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
