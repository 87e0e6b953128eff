package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/pkg/models"
)

var testThresholds = models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4}
var testPorts = models.PortRange{Lo: 9100, Hi: 9199}

// newScanned builds a registry over a temp model directory and scans it.
func newScanned(t *testing.T, files ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"), dir, testPorts, testThresholds)
	if _, err := reg.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return reg
}

func TestScan_TiersAndDistinctPorts(t *testing.T) {
	reg := newScanned(t,
		"llama-3b-Q2_K.gguf",
		"mistral-13b-Q3_K_M.gguf",
		"qwen-70b-Q4_K_M.gguf",
	)

	all := reg.List()
	if len(all) != 3 {
		t.Fatalf("List() = %d models, want 3", len(all))
	}

	wantTiers := map[string]models.Tier{
		"llama-3b-q2_k":      models.TierFast,
		"mistral-13b-q3_k_m": models.TierBalanced,
		"qwen-70b-q4_k_m":    models.TierPowerful,
	}
	seen := make(map[int]string)
	for _, m := range all {
		want, ok := wantTiers[m.ModelID]
		if !ok {
			t.Fatalf("unexpected model_id %q", m.ModelID)
		}
		if m.Tier != want {
			t.Errorf("%s tier = %s, want %s", m.ModelID, m.Tier, want)
		}
		if m.Port < testPorts.Lo || m.Port > testPorts.Hi {
			t.Errorf("%s port = %d, outside [%d,%d]", m.ModelID, m.Port, testPorts.Lo, testPorts.Hi)
		}
		if prev, dup := seen[m.Port]; dup {
			t.Errorf("port %d assigned to both %s and %s", m.Port, prev, m.ModelID)
		}
		seen[m.Port] = m.ModelID
	}
}

func TestScan_ParsesModelAttributes(t *testing.T) {
	reg := newScanned(t, "deepseek-r1-7b-Q4_K_M.gguf", "qwen-2.5-coder-3b-Q2_K.gguf")

	m, err := reg.Get("deepseek-7b-q4_k_m")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !m.IsThinking {
		t.Error("r1 model: IsThinking = false, want true")
	}
	if m.SizeParamsB != 7 {
		t.Errorf("SizeParamsB = %v, want 7", m.SizeParamsB)
	}

	c, err := reg.Get("qwen-2.5-3b-q2_k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !c.IsCoder {
		t.Error("coder model: IsCoder = false, want true")
	}
	if c.Version != "2.5" {
		t.Errorf("Version = %q, want %q", c.Version, "2.5")
	}
}

func TestScan_PreservesOperatorOverrides(t *testing.T) {
	reg := newScanned(t, "llama-3b-Q2_K.gguf", "mistral-13b-Q3_K_M.gguf")

	tier := models.TierPowerful
	if _, err := reg.Update("llama-3b-q2_k", models.ModelPatch{TierOverride: &tier}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := reg.Enable("llama-3b-q2_k"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	before, _ := reg.Get("llama-3b-q2_k")

	if _, err := reg.Scan(); err != nil {
		t.Fatalf("rescan error = %v", err)
	}

	after, err := reg.Get("llama-3b-q2_k")
	if err != nil {
		t.Fatalf("Get() after rescan error = %v", err)
	}
	if !after.Enabled {
		t.Error("rescan dropped enablement")
	}
	if after.EffectiveTier() != models.TierPowerful {
		t.Errorf("EffectiveTier() after rescan = %s, want powerful", after.EffectiveTier())
	}
	if after.Port != before.Port {
		t.Errorf("rescan moved port: %d -> %d", before.Port, after.Port)
	}
}

func TestScan_DropsVanishedModels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llama-3b-Q2_K.gguf")
	if err := os.WriteFile(path, []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New("", dir, testPorts, testThresholds)
	if _, err := reg.Scan(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	n, err := reg.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Scan() after removal = %d models, want 0", n)
	}
	if _, err := reg.Get("llama-3b-q2_k"); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("Get() error = %v, want ErrUnknownModel", err)
	}
}

func TestUpdate_PortConflict(t *testing.T) {
	reg := newScanned(t, "llama-3b-Q2_K.gguf", "mistral-13b-Q3_K_M.gguf")
	for _, id := range []string{"llama-3b-q2_k", "mistral-13b-q3_k_m"} {
		if err := reg.Enable(id); err != nil {
			t.Fatalf("Enable(%s) error = %v", id, err)
		}
	}
	other, _ := reg.Get("mistral-13b-q3_k_m")

	_, err := reg.Update("llama-3b-q2_k", models.ModelPatch{Port: &other.Port})
	if !errors.Is(err, models.ErrPortConflict) {
		t.Errorf("Update() error = %v, want ErrPortConflict", err)
	}
}

func TestUpdate_PortOutsideRange(t *testing.T) {
	reg := newScanned(t, "llama-3b-Q2_K.gguf")
	bad := 8000
	_, err := reg.Update("llama-3b-q2_k", models.ModelPatch{Port: &bad})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Update() error = %v, want ErrInvalidRequest", err)
	}
}

func TestUpdate_InvalidTier(t *testing.T) {
	reg := newScanned(t, "llama-3b-Q2_K.gguf")
	bad := models.Tier("turbo")
	_, err := reg.Update("llama-3b-q2_k", models.ModelPatch{Tier: &bad})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Update() error = %v, want ErrInvalidRequest", err)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	modelDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelDir, "llama-3b-Q2_K.gguf"), []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(path, modelDir, testPorts, testThresholds)
	if _, err := reg.Scan(); err != nil {
		t.Fatal(err)
	}
	if err := reg.Enable("llama-3b-q2_k"); err != nil {
		t.Fatal(err)
	}

	loaded, err := registry.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m, err := loaded.Get("llama-3b-q2_k")
	if err != nil {
		t.Fatalf("Get() after Load error = %v", err)
	}
	if !m.Enabled {
		t.Error("persisted enablement lost on Load")
	}
	snap := loaded.Snapshot()
	if snap.PortRange != testPorts {
		t.Errorf("Snapshot().PortRange = %+v, want %+v", snap.PortRange, testPorts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := registry.Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load() on missing file = nil error, want error")
	}
}

func TestListEnabled_SortedAndFiltered(t *testing.T) {
	reg := newScanned(t, "beta-3b-Q2_K.gguf", "alpha-3b-Q2_K.gguf")
	if err := reg.Enable("alpha-3b-q2_k"); err != nil {
		t.Fatal(err)
	}

	enabled := reg.ListEnabled()
	if len(enabled) != 1 || enabled[0].ModelID != "alpha-3b-q2_k" {
		t.Fatalf("ListEnabled() = %+v, want just alpha-3b-q2_k", enabled)
	}

	if err := reg.Enable("beta-3b-q2_k"); err != nil {
		t.Fatal(err)
	}
	enabled = reg.ListEnabled()
	if len(enabled) != 2 || enabled[0].ModelID != "alpha-3b-q2_k" || enabled[1].ModelID != "beta-3b-q2_k" {
		t.Errorf("ListEnabled() order = %v, want model_id ascending", []string{enabled[0].ModelID, enabled[1].ModelID})
	}
}
