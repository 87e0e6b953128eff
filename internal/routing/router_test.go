package routing_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/internal/routing"
	"github.com/maestro-llm/maestro/pkg/models"
)

var routerThresholds = models.TierThresholds{PowerfulMinB: 30, FastMaxB: 4}
var routerPorts = models.PortRange{Lo: 9100, Hi: 9199}

func allReady(string) bool { return true }

// newRegistry scans a temp directory of empty GGUF files and enables every
// model found.
func newRegistry(t *testing.T, files ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := registry.New("", dir, routerPorts, routerThresholds)
	if _, err := reg.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	for _, m := range reg.List() {
		if err := reg.Enable(m.ModelID); err != nil {
			t.Fatalf("Enable(%s) error = %v", m.ModelID, err)
		}
	}
	return reg
}

func TestSelect_MatchesTier(t *testing.T) {
	reg := newRegistry(t,
		"llama-3b-Q2_K.gguf",
		"mistral-13b-Q3_K_M.gguf",
		"qwen-70b-Q4_K_M.gguf",
	)
	r := routing.New(reg, allReady)

	tests := []struct {
		tier models.Tier
		want string
	}{
		{models.TierFast, "llama-3b-q2_k"},
		{models.TierBalanced, "mistral-13b-q3_k_m"},
		{models.TierPowerful, "qwen-70b-q4_k_m"},
	}
	for _, tt := range tests {
		got, err := r.Select(tt.tier)
		if err != nil {
			t.Fatalf("Select(%s) error = %v", tt.tier, err)
		}
		if got.ModelID != tt.want {
			t.Errorf("Select(%s) = %s, want %s", tt.tier, got.ModelID, tt.want)
		}
	}
}

func TestSelect_EscalatesWhenTierEmpty(t *testing.T) {
	// No fast model on disk: fast requests escalate to balanced.
	reg := newRegistry(t, "mistral-13b-Q3_K_M.gguf", "qwen-70b-Q4_K_M.gguf")
	r := routing.New(reg, allReady)

	got, err := r.Select(models.TierFast)
	if err != nil {
		t.Fatalf("Select(fast) error = %v", err)
	}
	if got.ModelID != "mistral-13b-q3_k_m" {
		t.Errorf("Select(fast) = %s, want balanced fallback mistral-13b-q3_k_m", got.ModelID)
	}
}

func TestSelect_SkipsUnready(t *testing.T) {
	reg := newRegistry(t, "llama-3b-Q2_K.gguf", "mistral-13b-Q3_K_M.gguf")
	ready := func(id string) bool { return id != "llama-3b-q2_k" }
	r := routing.New(reg, ready)

	got, err := r.Select(models.TierFast)
	if err != nil {
		t.Fatalf("Select(fast) error = %v", err)
	}
	if got.ModelID != "mistral-13b-q3_k_m" {
		t.Errorf("Select(fast) = %s, want escalation past the unready model", got.ModelID)
	}
}

func TestSelect_NothingReady(t *testing.T) {
	reg := newRegistry(t, "llama-3b-Q2_K.gguf")
	r := routing.New(reg, func(string) bool { return false })

	if _, err := r.Select(models.TierFast); !errors.Is(err, models.ErrNoModelAvailable) {
		t.Errorf("Select() error = %v, want ErrNoModelAvailable", err)
	}
}

func TestSelect_InvalidTier(t *testing.T) {
	reg := newRegistry(t, "llama-3b-Q2_K.gguf")
	r := routing.New(reg, allReady)

	if _, err := r.Select(models.Tier("turbo")); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("Select(turbo) error = %v, want ErrInvalidRequest", err)
	}
}

func TestSelect_RoundRobinAlternates(t *testing.T) {
	reg := newRegistry(t, "alpha-3b-Q2_K.gguf", "beta-3b-Q2_K.gguf")
	r := routing.New(reg, allReady)

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		m, err := r.Select(models.TierFast)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		seen[m.ModelID]++
	}
	if seen["alpha-3b-q2_k"] != 2 || seen["beta-3b-q2_k"] != 2 {
		t.Errorf("round-robin distribution = %+v, want 2 each", seen)
	}
}

func TestSelect_PrefersLessLoaded(t *testing.T) {
	reg := newRegistry(t, "alpha-3b-Q2_K.gguf", "beta-3b-Q2_K.gguf")
	r := routing.New(reg, allReady)

	// Load alpha down; every selection should land on beta until released.
	r.Acquire("alpha-3b-q2_k")
	r.Acquire("alpha-3b-q2_k")
	for i := 0; i < 3; i++ {
		m, err := r.Select(models.TierFast)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if m.ModelID != "beta-3b-q2_k" {
			t.Errorf("Select() with loaded alpha = %s, want beta-3b-q2_k", m.ModelID)
		}
	}
}

func TestAcquireRelease(t *testing.T) {
	reg := newRegistry(t, "alpha-3b-Q2_K.gguf")
	r := routing.New(reg, allReady)

	r.Acquire("alpha-3b-q2_k")
	r.Acquire("alpha-3b-q2_k")
	if got := r.InFlight("alpha-3b-q2_k"); got != 2 {
		t.Errorf("InFlight() = %d, want 2", got)
	}
	r.Release("alpha-3b-q2_k")
	if got := r.InFlight("alpha-3b-q2_k"); got != 1 {
		t.Errorf("InFlight() = %d, want 1", got)
	}
	// Release never goes negative.
	r.Release("alpha-3b-q2_k")
	r.Release("alpha-3b-q2_k")
	if got := r.InFlight("alpha-3b-q2_k"); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}
}
