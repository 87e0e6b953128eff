// Package pipeline tracks the per-query state machine: six fixed stages,
// append-only, exactly one active stage at a time. Every transition is
// published on the event bus; a background sweeper evicts finished
// pipelines after an hour and orphaned ones after fifteen minutes.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

const (
	// finishedTTL is how long completed/failed pipelines stay queryable.
	finishedTTL = time.Hour
	// orphanTTL evicts pipelines stuck in processing.
	orphanTTL = 15 * time.Minute
	// sweepInterval is the eviction cadence.
	sweepInterval = time.Minute
)

// stageIndex maps each stage to its position in the fixed order.
var stageIndex = func() map[models.StageName]int {
	m := make(map[models.StageName]int, len(models.StageOrder))
	for i, s := range models.StageOrder {
		m[s] = i
	}
	return m
}()

// Tracker is the in-memory pipeline registry.
type Tracker struct {
	mu        sync.RWMutex
	pipelines map[string]*models.Pipeline
	events    contracts.EventSink
}

// NewTracker creates a tracker publishing to the given sink.
func NewTracker(events contracts.EventSink) *Tracker {
	return &Tracker{
		pipelines: make(map[string]*models.Pipeline),
		events:    events,
	}
}

// Open creates a pipeline in the input stage.
func (t *Tracker) Open(queryID string) (*models.Pipeline, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pipelines[queryID]; exists {
		return nil, fmt.Errorf("pipeline %s already open: %w", queryID, models.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	p := &models.Pipeline{
		QueryID:      queryID,
		CurrentStage: models.StageInput,
		Status:       models.PipelineProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
		Stages: []models.Stage{{
			Name:      models.StageInput,
			Status:    models.StageActive,
			StartedAt: now,
		}},
	}
	t.pipelines[queryID] = p
	t.publishStage(queryID, models.StageInput, models.EventPipelineStageStart, nil)
	cp := clone(p)
	return &cp, nil
}

// Enter closes the active stage as completed and opens the named stage.
// Skipping forward is legal; entering backwards is a programmer error and
// is rejected.
func (t *Tracker) Enter(queryID string, stage models.StageName, metadata map[string]interface{}) error {
	idx, known := stageIndex[stage]
	if !known {
		return fmt.Errorf("unknown stage %q: %w", stage, models.ErrInvalidRequest)
	}

	t.mu.Lock()
	p, ok := t.pipelines[queryID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("pipeline %s: %w", queryID, models.ErrUnknownModel)
	}
	if p.Status != models.PipelineProcessing {
		t.mu.Unlock()
		return fmt.Errorf("pipeline %s is %s: %w", queryID, p.Status, models.ErrInvalidRequest)
	}
	if idx <= stageIndex[p.CurrentStage] {
		t.mu.Unlock()
		log.Error().
			Str("query_id", queryID).
			Str("from", string(p.CurrentStage)).
			Str("to", string(stage)).
			Msg("Pipeline entered backwards")
		return fmt.Errorf("stage %s after %s: %w", stage, p.CurrentStage, models.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	closed := t.closeActiveLocked(p, models.StageCompleted, now)
	p.Stages = append(p.Stages, models.Stage{
		Name:      stage,
		Status:    models.StageActive,
		StartedAt: now,
		Metadata:  metadata,
	})
	p.CurrentStage = stage
	p.UpdatedAt = now
	t.mu.Unlock()

	if closed != nil {
		t.publishStage(queryID, closed.Name, models.EventPipelineStageComplete, map[string]interface{}{
			"duration_ms": closed.DurationMs,
		})
	}
	t.publishStage(queryID, stage, models.EventPipelineStageStart, metadata)
	return nil
}

// Fail closes the active stage as failed and ends the pipeline.
func (t *Tracker) Fail(queryID string, cause error) error {
	t.mu.Lock()
	p, ok := t.pipelines[queryID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("pipeline %s: %w", queryID, models.ErrUnknownModel)
	}
	now := time.Now().UTC()
	t.closeActiveLocked(p, models.StageFailed, now)
	p.Status = models.PipelineFailed
	if cause != nil {
		p.Error = cause.Error()
	}
	p.UpdatedAt = now
	stage := p.CurrentStage
	t.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	t.events.Publish(models.Event{
		Type:     models.EventPipelineFailed,
		Severity: models.SeverityError,
		Message:  fmt.Sprintf("pipeline %s failed in %s", queryID, stage),
		Metadata: map[string]interface{}{
			"query_id": queryID,
			"stage":    string(stage),
			"reason":   reason,
		},
	})
	return nil
}

// Summary carries the fields recorded on completion.
type Summary struct {
	ModelSelected  string
	Tier           models.Tier
	ArtifactsCount int
}

// Complete closes the active stage and ends the pipeline successfully.
func (t *Tracker) Complete(queryID string, summary Summary) error {
	t.mu.Lock()
	p, ok := t.pipelines[queryID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("pipeline %s: %w", queryID, models.ErrUnknownModel)
	}
	now := time.Now().UTC()
	closed := t.closeActiveLocked(p, models.StageCompleted, now)
	p.Status = models.PipelineCompleted
	p.ModelSelected = summary.ModelSelected
	p.Tier = summary.Tier
	p.ArtifactsCount = summary.ArtifactsCount
	p.UpdatedAt = now
	t.mu.Unlock()

	if closed != nil {
		t.publishStage(queryID, closed.Name, models.EventPipelineStageComplete, map[string]interface{}{
			"duration_ms": closed.DurationMs,
		})
	}
	t.events.Publish(models.Event{
		Type:    models.EventPipelineComplete,
		Message: fmt.Sprintf("pipeline %s complete", queryID),
		Metadata: map[string]interface{}{
			"query_id": queryID,
			"model":    summary.ModelSelected,
			"tier":     string(summary.Tier),
		},
	})
	return nil
}

// Get returns a copy of one pipeline.
func (t *Tracker) Get(queryID string) (*models.Pipeline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pipelines[queryID]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", queryID, models.ErrUnknownModel)
	}
	cp := clone(p)
	return &cp, nil
}

// Stats summarizes all tracked pipelines.
func (t *Tracker) Stats() models.PipelineStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s models.PipelineStats
	for _, p := range t.pipelines {
		s.Total++
		switch p.Status {
		case models.PipelineProcessing:
			s.Processing++
		case models.PipelineCompleted:
			s.Completed++
		case models.PipelineFailed:
			s.Failed++
		}
	}
	return s
}

// StartSweeper evicts aged pipelines until stop is closed.
func (t *Tracker) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.sweep(time.Now().UTC())
			}
		}
	}()
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, p := range t.pipelines {
		age := now.Sub(p.UpdatedAt)
		switch {
		case p.Status == models.PipelineProcessing && age > orphanTTL:
			delete(t.pipelines, id)
			evicted++
		case p.Status != models.PipelineProcessing && age > finishedTTL:
			delete(t.pipelines, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Pipeline sweep")
	}
}

// closeActiveLocked stamps the active stage with the given terminal status.
// Returns the closed stage, or nil if none was active.
func (t *Tracker) closeActiveLocked(p *models.Pipeline, status models.StageStatus, now time.Time) *models.Stage {
	for i := len(p.Stages) - 1; i >= 0; i-- {
		if p.Stages[i].Status == models.StageActive {
			s := &p.Stages[i]
			s.Status = status
			end := now
			s.EndedAt = &end
			s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
			if s.DurationMs < 0 {
				s.DurationMs = 0
			}
			return s
		}
	}
	return nil
}

func (t *Tracker) publishStage(queryID string, stage models.StageName, typ models.EventType, metadata map[string]interface{}) {
	md := map[string]interface{}{
		"query_id": queryID,
		"stage":    string(stage),
	}
	for k, v := range metadata {
		md[k] = v
	}
	t.events.Publish(models.Event{
		Type:     typ,
		Message:  fmt.Sprintf("pipeline %s: %s", queryID, stage),
		Metadata: md,
	})
}

func clone(p *models.Pipeline) models.Pipeline {
	cp := *p
	cp.Stages = make([]models.Stage, len(p.Stages))
	copy(cp.Stages, p.Stages)
	return cp
}
