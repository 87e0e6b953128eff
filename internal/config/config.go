// Package config holds the Maestro configuration: environment-driven server
// settings plus the persisted runtime-settings document (llama-server
// defaults, CGRAG knobs, benchmark defaults).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maestro-llm/maestro/pkg/models"
)

// Config is the full orchestrator configuration.
type Config struct {
	Port    int
	DataDir string // registry.json, settings.json, CGRAG index live here

	ScanPath       string
	PortRange      models.PortRange
	TierThresholds models.TierThresholds

	LlamaServerBin  string
	ReadyTimeout    time.Duration
	StopGrace       time.Duration
	VRAMBudgetGB    float64
	EmbedEndpoint   string
	EmbedModel      string
	PgvectorURL     string // optional; empty selects the flat-file store
	WatchModels     bool
	Telemetry       TelemetryConfig
	Settings        Settings
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// TierConfig holds the per-tier inference client policy.
type TierConfig struct {
	Deadline   time.Duration `json:"deadline"`
	Retries    int           `json:"retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// Settings is the persisted runtime-settings document (settings.json).
type Settings struct {
	GPULayers int `json:"gpu_layers"`
	CtxSize   int `json:"ctx_size"`
	Threads   int `json:"threads"`
	BatchSize int `json:"batch_size"`

	CGRAGTokenBudget  int     `json:"cgrag_token_budget"`
	CGRAGMaxArtifacts int     `json:"cgrag_max_artifacts"`
	CGRAGMinRelevance float64 `json:"cgrag_min_relevance"`

	BenchmarkBatchSize int `json:"benchmark_batch_size"`

	// CouncilConvergence is the similarity above which two consecutive
	// turns count as converged/stalemated under dynamic termination.
	CouncilConvergence float64 `json:"council_convergence"`
}

// DefaultSettings returns the stock runtime settings.
func DefaultSettings() Settings {
	return Settings{
		GPULayers:          -1, // offload everything the hardware allows
		CtxSize:            4096,
		Threads:            0, // llama-server auto
		BatchSize:          512,
		CGRAGTokenBudget:   6000,
		CGRAGMaxArtifacts:  10,
		CGRAGMinRelevance:  0.35,
		BenchmarkBatchSize: 5,
		CouncilConvergence: 0.85,
	}
}

// TierPolicy returns the inference client policy for a tier:
// fast 30s/0 retries, balanced 45s/2, powerful 120s/1.
func TierPolicy(tier models.Tier) TierConfig {
	switch tier {
	case models.TierFast:
		return TierConfig{Deadline: 30 * time.Second, Retries: 0, RetryDelay: time.Second}
	case models.TierPowerful:
		return TierConfig{Deadline: 120 * time.Second, Retries: 1, RetryDelay: 3 * time.Second}
	default:
		return TierConfig{Deadline: 45 * time.Second, Retries: 2, RetryDelay: 2 * time.Second}
	}
}

// Load reads configuration from environment variables with defaults, and
// layers the persisted settings.json (if any) over DefaultSettings.
func Load() *Config {
	home, _ := os.UserHomeDir()
	dataDir := envStr("MAESTRO_DATA_DIR", filepath.Join(home, ".maestro"))

	cfg := &Config{
		Port:    envInt("MAESTRO_PORT", 8080),
		DataDir: dataDir,
		ScanPath: envStr("MAESTRO_MODELS_DIR", filepath.Join(home, "models")),
		PortRange: models.PortRange{
			Lo: envInt("MAESTRO_PORT_RANGE_LO", 9100),
			Hi: envInt("MAESTRO_PORT_RANGE_HI", 9199),
		},
		TierThresholds: models.TierThresholds{
			PowerfulMinB: envFloat("MAESTRO_POWERFUL_MIN_B", 30),
			FastMaxB:     envFloat("MAESTRO_FAST_MAX_B", 4),
		},
		LlamaServerBin: envStr("MAESTRO_LLAMA_SERVER", "llama-server"),
		ReadyTimeout:   envDuration("MAESTRO_READY_TIMEOUT", 120*time.Second),
		StopGrace:      envDuration("MAESTRO_STOP_GRACE", 5*time.Second),
		VRAMBudgetGB:   envFloat("MAESTRO_VRAM_BUDGET_GB", 24),
		EmbedEndpoint:  envStr("MAESTRO_EMBED_ENDPOINT", "http://localhost:11434"),
		EmbedModel:     envStr("MAESTRO_EMBED_MODEL", "nomic-embed-text"),
		PgvectorURL:    envStr("MAESTRO_PGVECTOR_URL", ""),
		WatchModels:    envBool("MAESTRO_WATCH_MODELS", true),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "maestro"),
		},
		Settings: DefaultSettings(),
	}

	if s, err := LoadSettings(cfg.SettingsPath()); err == nil {
		cfg.Settings = s
	}
	return cfg
}

// SettingsPath returns the settings.json location.
func (c *Config) SettingsPath() string { return filepath.Join(c.DataDir, "settings.json") }

// RegistryPath returns the registry.json location.
func (c *Config) RegistryPath() string { return filepath.Join(c.DataDir, "registry.json") }

// IndexDir returns the CGRAG index directory.
func (c *Config) IndexDir() string { return filepath.Join(c.DataDir, "index") }

// LoadSettings reads a persisted settings document.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// SaveSettings persists settings atomically (temp file + rename).
func SaveSettings(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
