// Package registry maintains the set of discovered model files: their parsed
// attributes, assigned tier and port, enablement, and per-model runtime
// overrides. The registry is the single source of truth the supervisor and
// router project from; it is single-writer, multi-reader, and persisted
// atomically as one JSON document.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/models"
)

// Registry holds the discovered-model document and guards mutations.
type Registry struct {
	mu   sync.RWMutex
	file models.RegistryFile
	path string // persistence location; empty disables persistence
}

// New creates a registry persisting to path (may be empty for in-memory use).
func New(path string, scanPath string, ports models.PortRange, th models.TierThresholds) *Registry {
	return &Registry{
		path: path,
		file: models.RegistryFile{
			ScanPath:       scanPath,
			PortRange:      ports,
			TierThresholds: th,
			Models:         make(map[string]*models.DiscoveredModel),
		},
	}
}

// Load reads a persisted registry document. A missing file is an error so
// callers fall back to New with their configured port range and thresholds.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &r.file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if r.file.Models == nil {
		r.file.Models = make(map[string]*models.DiscoveredModel)
	}
	return r, nil
}

// Scan walks the scan path, parses model files, assigns tiers and ports, and
// merges the result over the existing document. Operator overrides (tier,
// enablement, runtime overrides, port) on previously known models survive.
// Models whose file disappeared are dropped.
func (r *Registry) Scan() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, err := discoverModelFiles(r.file.ScanPath, r.file.TierThresholds)
	if err != nil {
		return 0, err
	}

	merged := make(map[string]*models.DiscoveredModel, len(found))
	for id, m := range found {
		if prev, ok := r.file.Models[id]; ok {
			m.Tier = prev.Tier
			m.Port = prev.Port
			m.Enabled = prev.Enabled
			m.Overrides = prev.Overrides
			m.TierOverride = prev.TierOverride
			m.ThinkingOverride = prev.ThinkingOverride
		}
		merged[id] = m
	}
	r.file.Models = merged
	r.file.LastScan = time.Now().UTC()

	if err := r.assignPortsLocked(); err != nil {
		return 0, err
	}
	if err := r.persistLocked(); err != nil {
		return 0, err
	}

	log.Info().
		Int("models", len(merged)).
		Str("path", r.file.ScanPath).
		Msg("Model scan complete")
	return len(merged), nil
}

// assignPortsLocked gives every model a port: the previous port when it is
// still in range and unclaimed, else the lowest free port. Iteration is by
// sorted model_id so assignment is deterministic.
func (r *Registry) assignPortsLocked() error {
	lo, hi := r.file.PortRange.Lo, r.file.PortRange.Hi
	used := make(map[int]string)

	ids := make([]string, 0, len(r.file.Models))
	for id := range r.file.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// First pass: keep valid existing assignments.
	for _, id := range ids {
		m := r.file.Models[id]
		if m.Port >= lo && m.Port <= hi && used[m.Port] == "" {
			used[m.Port] = id
		} else {
			m.Port = 0
		}
	}

	// Second pass: lowest free port for the rest.
	for _, id := range ids {
		m := r.file.Models[id]
		if m.Port != 0 {
			continue
		}
		assigned := false
		for p := lo; p <= hi; p++ {
			if used[p] == "" {
				used[p] = id
				m.Port = p
				assigned = true
				break
			}
		}
		if !assigned {
			return fmt.Errorf("assign port for %s: %w", id, models.ErrPortExhausted)
		}
	}
	return nil
}

// Get returns a copy of one model.
func (r *Registry) Get(modelID string) (*models.DiscoveredModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.file.Models[modelID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", modelID, models.ErrUnknownModel)
	}
	cp := *m
	return &cp, nil
}

// List returns copies of all models sorted by model_id.
func (r *Registry) List() []*models.DiscoveredModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DiscoveredModel, 0, len(r.file.Models))
	for _, m := range r.file.Models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// ListEnabled returns copies of the enabled models sorted by model_id.
func (r *Registry) ListEnabled() []*models.DiscoveredModel {
	all := r.List()
	out := all[:0]
	for _, m := range all {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot returns a deep copy of the registry document.
func (r *Registry) Snapshot() models.RegistryFile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := r.file
	cp.Models = make(map[string]*models.DiscoveredModel, len(r.file.Models))
	for id, m := range r.file.Models {
		mc := *m
		cp.Models[id] = &mc
	}
	return cp
}

// Update applies a partial patch to one model. Port changes are validated
// against the range and the other enabled models; invariants are re-checked
// before the document is persisted.
func (r *Registry) Update(modelID string, patch models.ModelPatch) (*models.DiscoveredModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.file.Models[modelID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", modelID, models.ErrUnknownModel)
	}

	if patch.Port != nil {
		p := *patch.Port
		if p < r.file.PortRange.Lo || p > r.file.PortRange.Hi {
			return nil, fmt.Errorf("port %d outside range [%d,%d]: %w",
				p, r.file.PortRange.Lo, r.file.PortRange.Hi, models.ErrInvalidRequest)
		}
		for id, other := range r.file.Models {
			if id != modelID && other.Enabled && other.Port == p {
				return nil, fmt.Errorf("port %d already used by %s: %w", p, id, models.ErrPortConflict)
			}
		}
		m.Port = p
	}
	if patch.Tier != nil {
		if !patch.Tier.Valid() {
			return nil, fmt.Errorf("tier %q: %w", *patch.Tier, models.ErrInvalidRequest)
		}
		m.Tier = *patch.Tier
	}
	if patch.TierOverride != nil {
		if !patch.TierOverride.Valid() {
			return nil, fmt.Errorf("tier override %q: %w", *patch.TierOverride, models.ErrInvalidRequest)
		}
		m.TierOverride = patch.TierOverride
	}
	if patch.ThinkingOverride != nil {
		m.ThinkingOverride = patch.ThinkingOverride
	}
	if patch.Overrides != nil {
		m.Overrides = patch.Overrides
	}
	if patch.Enabled != nil {
		if err := r.setEnabledLocked(m, *patch.Enabled); err != nil {
			return nil, err
		}
	}

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

// Enable marks a model enabled. Its port must not collide with another
// enabled model's.
func (r *Registry) Enable(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.file.Models[modelID]
	if !ok {
		return fmt.Errorf("%s: %w", modelID, models.ErrUnknownModel)
	}
	if err := r.setEnabledLocked(m, true); err != nil {
		return err
	}
	return r.persistLocked()
}

// Disable marks a model disabled. Routing sees the change immediately; the
// supervisor stops the server separately.
func (r *Registry) Disable(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.file.Models[modelID]
	if !ok {
		return fmt.Errorf("%s: %w", modelID, models.ErrUnknownModel)
	}
	if err := r.setEnabledLocked(m, false); err != nil {
		return err
	}
	return r.persistLocked()
}

func (r *Registry) setEnabledLocked(m *models.DiscoveredModel, enabled bool) error {
	if enabled {
		if m.Port < r.file.PortRange.Lo || m.Port > r.file.PortRange.Hi {
			return fmt.Errorf("%s has no port in range: %w", m.ModelID, models.ErrPortExhausted)
		}
		for id, other := range r.file.Models {
			if id != m.ModelID && other.Enabled && other.Port == m.Port {
				return fmt.Errorf("port %d already used by %s: %w", m.Port, id, models.ErrPortConflict)
			}
		}
	}
	m.Enabled = enabled
	return nil
}

// SetScanPath updates the scan root (used by the CLI before Scan).
func (r *Registry) SetScanPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.ScanPath = path
}

// persistLocked writes the document atomically: temp file then rename, so
// concurrent readers never observe a partial write.
func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&r.file, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Reset drops all models and removes the persisted document.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Models = make(map[string]*models.DiscoveredModel)
	r.file.LastScan = time.Time{}
	if r.path == "" {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
