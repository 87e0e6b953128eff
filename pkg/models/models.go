// Package models defines the shared data model for the Maestro orchestrator:
// discovered models, registry documents, server runtime state, pipelines,
// query requests/responses, and the event schema emitted on the bus.
package models

import (
	"time"
)

// ── Tiers ───────────────────────────────────────────────────

// Tier is the coarse capability class of a model.
type Tier string

const (
	TierFast     Tier = "fast"     // Q2 — small models, short deadline
	TierBalanced Tier = "balanced" // Q3 — mid-size models
	TierPowerful Tier = "powerful" // Q4 — large models, long deadline
)

// QLabel returns the tier's short label used in query metadata (Q2/Q3/Q4).
func (t Tier) QLabel() string {
	switch t {
	case TierFast:
		return "Q2"
	case TierBalanced:
		return "Q3"
	case TierPowerful:
		return "Q4"
	}
	return string(t)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierBalanced || t == TierPowerful
}

// ── Discovered models & registry ────────────────────────────

// RuntimeOverrides are optional per-model llama-server settings layered over
// the global defaults. Nil fields inherit the default.
type RuntimeOverrides struct {
	GPULayers *int `json:"gpu_layers,omitempty"`
	CtxSize   *int `json:"ctx_size,omitempty"`
	Threads   *int `json:"threads,omitempty"`
	BatchSize *int `json:"batch_size,omitempty"`
}

// DiscoveredModel is one locally available model file plus its registry
// attributes (tier, port, enablement, overrides).
type DiscoveredModel struct {
	ModelID      string  `json:"model_id"`
	Path         string  `json:"path"`
	Family       string  `json:"family"`
	Version      string  `json:"version,omitempty"`
	SizeParamsB  float64 `json:"size_params_b"`
	Quantization string  `json:"quantization"`
	IsThinking   bool    `json:"is_thinking"`
	IsCoder      bool    `json:"is_coder"`
	IsInstruct   bool    `json:"is_instruct"`

	// Registry attributes, mutable by the operator.
	Tier             Tier              `json:"tier"`
	Port             int               `json:"port"`
	Enabled          bool              `json:"enabled"`
	Overrides        *RuntimeOverrides `json:"overrides,omitempty"`
	TierOverride     *Tier             `json:"tier_override,omitempty"`
	ThinkingOverride *bool             `json:"thinking_override,omitempty"`
}

// EffectiveTier returns the tier after applying any operator override.
func (m *DiscoveredModel) EffectiveTier() Tier {
	if m.TierOverride != nil {
		return *m.TierOverride
	}
	return m.Tier
}

// Thinking returns the thinking flag after applying any operator override.
func (m *DiscoveredModel) Thinking() bool {
	if m.ThinkingOverride != nil {
		return *m.ThinkingOverride
	}
	return m.IsThinking
}

// ModelPatch is a partial update applied to a registry entry.
// Nil fields are left untouched.
type ModelPatch struct {
	Tier             *Tier             `json:"tier,omitempty"`
	Port             *int              `json:"port,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
	Overrides        *RuntimeOverrides `json:"overrides,omitempty"`
	TierOverride     *Tier             `json:"tier_override,omitempty"`
	ThinkingOverride *bool             `json:"thinking_override,omitempty"`
}

// TierThresholds control default tier assignment by parameter count.
type TierThresholds struct {
	PowerfulMinB float64 `json:"powerful_min"`
	FastMaxB     float64 `json:"fast_max"`
}

// PortRange is the inclusive range ports are assigned from.
type PortRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// RegistryFile is the persisted registry document.
type RegistryFile struct {
	ScanPath       string                      `json:"scan_path"`
	LastScan       time.Time                   `json:"last_scan"`
	PortRange      PortRange                   `json:"port_range"`
	TierThresholds TierThresholds              `json:"tier_thresholds"`
	Models         map[string]*DiscoveredModel `json:"models"`
}

// ── Server runtime state ────────────────────────────────────

// ServerState is the supervisor's view of one inference server.
type ServerState string

const (
	ServerStopped  ServerState = "stopped"
	ServerStarting ServerState = "starting"
	ServerReady    ServerState = "ready"
	ServerDraining ServerState = "draining"
	ServerFailed   ServerState = "failed"
)

// ServerStatus is a snapshot of one supervised inference server.
type ServerStatus struct {
	ModelID      string      `json:"model_id"`
	State        ServerState `json:"state"`
	Port         int         `json:"port"`
	PID          int         `json:"pid,omitempty"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	LastProbe    time.Time   `json:"last_probe,omitempty"`
	UptimeSec    int64       `json:"uptime_sec"`
	Failures     int         `json:"consecutive_failures"`
	RestartCount int         `json:"restart_count"`
	Error        string      `json:"error,omitempty"`
}

// ── Complexity ──────────────────────────────────────────────

// Complexity is the assessor's verdict for one query. Immutable.
type Complexity struct {
	Tier       Tier     `json:"tier"`
	Score      float64  `json:"score"`
	Reasoning  string   `json:"reasoning"`
	Indicators []string `json:"indicators,omitempty"`
}

// ── Retrieval ───────────────────────────────────────────────

// ContextChunk is one retrieved artifact attached as context.
type ContextChunk struct {
	SourcePath string  `json:"source_path"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	TokenCount int     `json:"token_count"`
	Relevance  float64 `json:"relevance"`
}

// RetrievalResult holds the packed artifacts for one query.
type RetrievalResult struct {
	Artifacts    []ContextChunk `json:"artifacts"`
	TotalTokens  int            `json:"total_tokens"`
	WithinBudget bool           `json:"within_budget"`
}

// ── Pipeline ────────────────────────────────────────────────

// StageName identifies one of the six fixed pipeline stages.
type StageName string

const (
	StageInput      StageName = "input"
	StageComplexity StageName = "complexity"
	StageCGRAG      StageName = "cgrag"
	StageRouting    StageName = "routing"
	StageGeneration StageName = "generation"
	StageResponse   StageName = "response"
)

// StageOrder is the fixed pipeline stage order. Skipping forward is legal,
// entering backwards is not.
var StageOrder = []StageName{
	StageInput, StageComplexity, StageCGRAG,
	StageRouting, StageGeneration, StageResponse,
}

// StageStatus is the lifecycle status of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage records one pipeline stage's execution window.
type Stage struct {
	Name       StageName              `json:"name"`
	Status     StageStatus            `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// PipelineStatus is the overall status of a query pipeline.
type PipelineStatus string

const (
	PipelineProcessing PipelineStatus = "processing"
	PipelineCompleted  PipelineStatus = "completed"
	PipelineFailed     PipelineStatus = "failed"
	PipelineCancelled  PipelineStatus = "cancelled"
)

// Pipeline is the per-query state machine. Stages are append-only.
type Pipeline struct {
	QueryID        string         `json:"query_id"`
	Stages         []Stage        `json:"stages"`
	CurrentStage   StageName      `json:"current_stage"`
	Status         PipelineStatus `json:"overall_status"`
	ModelSelected  string         `json:"model_selected,omitempty"`
	Tier           Tier           `json:"tier,omitempty"`
	ArtifactsCount int            `json:"cgrag_artifacts_count,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PipelineStats summarizes tracked pipelines.
type PipelineStats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// ── Completion (inference client) ───────────────────────────

// CompletionOptions are the per-call sampling parameters.
type CompletionOptions struct {
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Completion is one inference server's reply.
type Completion struct {
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	Raw        []byte `json:"-"`
}

// ── Query requests & responses ──────────────────────────────

// QueryMode names an execution engine mode.
type QueryMode string

const (
	ModeSimple    QueryMode = "simple"
	ModeTwoStage  QueryMode = "two_stage"
	ModeBenchmark QueryMode = "benchmark"
	ModeCouncil   QueryMode = "council"
)

// ForcedComplexity optionally pins the assessor's verdict.
type ForcedComplexity string

const (
	ForcedSimple   ForcedComplexity = "simple"
	ForcedModerate ForcedComplexity = "moderate"
	ForcedComplex  ForcedComplexity = "complex"
)

// CouncilStyle selects the council dialogue shape.
type CouncilStyle string

const (
	CouncilConsensus   CouncilStyle = "consensus"
	CouncilAdversarial CouncilStyle = "adversarial"
)

// BenchmarkOptions configure benchmark mode.
type BenchmarkOptions struct {
	Parallel  bool `json:"parallel"`
	BatchSize int  `json:"batch_size,omitempty"` // default 5
}

// CouncilOptions configure council mode.
type CouncilOptions struct {
	Style              CouncilStyle `json:"style"`
	MaxTurns           int          `json:"max_turns"` // 2–20
	DynamicTermination bool         `json:"dynamic_termination"`
	Profile            string       `json:"profile,omitempty"` // named persona profile
	ProPersona         string       `json:"pro_persona,omitempty"`
	ConPersona         string       `json:"con_persona,omitempty"`
	Moderator          bool         `json:"moderator"`
}

// QueryRequest is the typed request consumed by the execution engine.
type QueryRequest struct {
	Query        string           `json:"query"`
	Mode         QueryMode        `json:"mode"`
	UseContext   bool             `json:"use_context"`
	UseWebSearch bool             `json:"use_web_search"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	Forced       ForcedComplexity `json:"forced_complexity,omitempty"`

	Benchmark *BenchmarkOptions `json:"benchmark,omitempty"`
	Council   *CouncilOptions   `json:"council,omitempty"`
}

// BenchmarkResult is one model's row in a benchmark comparison.
type BenchmarkResult struct {
	ModelID           string  `json:"model_id"`
	Tier              Tier    `json:"tier"`
	Response          string  `json:"response,omitempty"`
	ResponseTimeMs    int64   `json:"response_time_ms"`
	TokenCount        int     `json:"token_count"`
	Success           bool    `json:"success"`
	Error             string  `json:"error,omitempty"`
	EstimatedVRAMGB   float64 `json:"estimated_vram_gb"`
	GPULayersUsed     int     `json:"gpu_layers_used"`
	ContextWindowUsed int     `json:"context_window_used"`
}

// BenchmarkSummary aggregates a benchmark run.
type BenchmarkSummary struct {
	TotalModels      int   `json:"total_models"`
	SuccessfulModels int   `json:"successful_models"`
	TotalTimeMs      int64 `json:"total_time_ms"`
	Parallel         bool  `json:"parallel"`
	// TimingsApproximate is set under parallel execution, where per-model
	// timings are batch wall-clock divided by batch size.
	TimingsApproximate bool `json:"timings_approximate"`
}

// CouncilTurn is one utterance in a council dialogue.
type CouncilTurn struct {
	TurnNumber int       `json:"turn_number"`
	SpeakerID  string    `json:"speaker_id"`
	Persona    string    `json:"persona"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used"`
}

// ModeratorAnalysis is the moderator's post-debate structured verdict.
// Winner is "pro", "con", "tie", or empty when no verdict was reached.
type ModeratorAnalysis struct {
	ArgumentStrength     map[string]float64 `json:"argument_strength,omitempty"`
	LogicalFallacies     []string           `json:"logical_fallacies,omitempty"`
	RhetoricalTechniques []string           `json:"rhetorical_techniques,omitempty"`
	KeyTurningPoints     []string           `json:"key_turning_points,omitempty"`
	Winner               string             `json:"overall_winner,omitempty"`
	AnalysisText         string             `json:"analysis_text,omitempty"`
}

// TwoStageMetadata records both stages of a two-stage query.
type TwoStageMetadata struct {
	DraftModelID  string `json:"draft_model_id"`
	DraftTimeMs   int64  `json:"draft_time_ms"`
	DraftTokens   int    `json:"draft_tokens"`
	RefineModelID string `json:"refine_model_id"`
	RefineTimeMs  int64  `json:"refine_time_ms"`
	RefineTokens  int    `json:"refine_tokens"`
}

// BenchmarkMetadata is the benchmark-mode payload.
type BenchmarkMetadata struct {
	Results []BenchmarkResult `json:"benchmark_results"`
	Summary BenchmarkSummary  `json:"benchmark_summary"`
}

// CouncilMetadata is the council-mode payload.
type CouncilMetadata struct {
	Style             CouncilStyle       `json:"style"`
	Turns             []CouncilTurn      `json:"council_turns"`
	TerminationReason string             `json:"council_termination_reason"`
	Moderator         *ModeratorAnalysis `json:"moderator_analysis,omitempty"`
}

// QueryMetadata is a discriminated union keyed on Mode. Exactly one of the
// mode payloads is non-nil for multi-model modes; simple mode uses only the
// common fields.
type QueryMetadata struct {
	Mode             QueryMode  `json:"query_mode"`
	Tier             string     `json:"tier,omitempty"` // Q2/Q3/Q4
	ModelID          string     `json:"model_id,omitempty"`
	Complexity       Complexity `json:"complexity"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	TokenCount       int        `json:"token_count,omitempty"`
	ArtifactsUsed    int        `json:"cgrag_artifacts"`
	ContextTokens    int        `json:"context_tokens,omitempty"`

	TwoStage  *TwoStageMetadata  `json:"two_stage,omitempty"`
	Benchmark *BenchmarkMetadata `json:"benchmark,omitempty"`
	Council   *CouncilMetadata   `json:"council,omitempty"`
}

// QueryResponse is the immutable result of one engine query.
type QueryResponse struct {
	ID       string        `json:"id"`
	Query    string        `json:"query"`
	Response string        `json:"response"`
	Metadata QueryMetadata `json:"metadata"`
}

// ── Events ──────────────────────────────────────────────────

// EventType classifies a bus event.
type EventType string

const (
	EventPipelineStageStart    EventType = "pipeline_stage_start"
	EventPipelineStageComplete EventType = "pipeline_stage_complete"
	EventPipelineComplete      EventType = "pipeline_complete"
	EventPipelineFailed        EventType = "pipeline_failed"
	EventModelStateChanged     EventType = "model_state_changed"
	EventSupervisorRestart     EventType = "supervisor_restart"
)

// EventSeverity is the event severity level.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is the payload broadcast on the event bus.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  EventSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
