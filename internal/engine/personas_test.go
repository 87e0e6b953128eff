package engine_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/maestro-llm/maestro/internal/engine"
)

func TestDefaultProfiles_Names(t *testing.T) {
	set := engine.DefaultProfiles()
	want := []string{"default", "redteam", "socratic"}
	if got := set.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestProfileSet_GetFallsBackToDefault(t *testing.T) {
	set := engine.DefaultProfiles()
	got := set.Get("no-such-profile")
	if got.Name != "default" {
		t.Errorf("Get(unknown).Name = %q, want default", got.Name)
	}
	if got.Panelist.Prompt == "" || got.Pro.Prompt == "" || got.Con.Prompt == "" || got.Moderator.Prompt == "" {
		t.Error("default profile has empty persona prompts")
	}
}

func TestProfileSet_RedteamPersonas(t *testing.T) {
	p := engine.DefaultProfiles().Get("redteam")
	if p.Pro.Name != "blue team" {
		t.Errorf("redteam Pro.Name = %q, want blue team", p.Pro.Name)
	}
	if p.Con.Name != "red team" {
		t.Errorf("redteam Con.Name = %q, want red team", p.Con.Name)
	}
}

func TestProfileSet_LoadDir(t *testing.T) {
	dir := t.TempDir()
	operator := `name: ops
panelist:
  name: operator
  prompt: You run production systems.
pro:
  name: builder
  prompt: Argue for shipping.
con:
  name: skeptic
  prompt: Argue for waiting.
moderator:
  name: judge
  prompt: Weigh both sides.
`
	if err := os.WriteFile(filepath.Join(dir, "ops.yaml"), []byte(operator), 0o644); err != nil {
		t.Fatal(err)
	}
	// Malformed files are skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	set := engine.DefaultProfiles()
	if err := set.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	got := set.Get("ops")
	if got.Panelist.Name != "operator" {
		t.Errorf("ops Panelist.Name = %q, want operator", got.Panelist.Name)
	}
}

func TestProfileSet_LoadDirMissing(t *testing.T) {
	set := engine.DefaultProfiles()
	if err := set.LoadDir(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Errorf("LoadDir(missing) error = %v, want nil", err)
	}
}
