package engine

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

// Persona is one debate voice: a display name and its system prompt.
type Persona struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Profile bundles the personas a council run draws from.
type Profile struct {
	Name      string  `yaml:"name"`
	Panelist  Persona `yaml:"panelist"`
	Pro       Persona `yaml:"pro"`
	Con       Persona `yaml:"con"`
	Moderator Persona `yaml:"moderator"`
}

// ProfileSet is the named persona profiles available to council mode.
type ProfileSet struct {
	profiles map[string]Profile
}

// DefaultProfiles returns the embedded stock profiles. The embedded YAML is
// fixed at build time, so a parse failure is a programmer error.
func DefaultProfiles() *ProfileSet {
	set := &ProfileSet{profiles: make(map[string]Profile)}
	entries, err := fs.ReadDir(profileFS, "profiles")
	if err != nil {
		panic(fmt.Sprintf("embedded profiles: %v", err))
	}
	for _, entry := range entries {
		data, err := profileFS.ReadFile("profiles/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("embedded profile %s: %v", entry.Name(), err))
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			panic(fmt.Sprintf("embedded profile %s: %v", entry.Name(), err))
		}
		set.profiles[p.Name] = p
	}
	return set
}

// LoadDir layers operator-supplied profile YAML files over the defaults.
// A missing directory is fine; a malformed file is skipped with a warning.
func (s *ProfileSet) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable profile")
			continue
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Skipping malformed profile")
			continue
		}
		if p.Name == "" {
			log.Warn().Str("file", name).Msg("Skipping profile without a name")
			continue
		}
		s.profiles[p.Name] = p
	}
	return nil
}

// Get returns the named profile, falling back to "default".
func (s *ProfileSet) Get(name string) Profile {
	if p, ok := s.profiles[name]; ok {
		return p
	}
	return s.profiles["default"]
}

// Names lists the available profiles, sorted.
func (s *ProfileSet) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
