package config

import (
	"time"

	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/jobs"
	"github.com/siftlabs/sift/internal/planner"
	"github.com/siftlabs/sift/internal/transform"
)

// Config holds sift configuration.
// Stored at: config.yaml (or the path passed via --config).
type Config struct {
	Transformer TransformerCfg `mapstructure:"transformer" yaml:"transformer"`
	Chunking    ChunkingCfg    `mapstructure:"chunking" yaml:"chunking"`
	Jobs        JobsCfg        `mapstructure:"jobs" yaml:"jobs"`
	Pricing     PricingCfg     `mapstructure:"pricing" yaml:"pricing"`
	Store       StoreCfg       `mapstructure:"store" yaml:"store"`
	Ingest      IngestCfg      `mapstructure:"ingest" yaml:"ingest"`
}

// TransformerCfg configures the LLM backend.
type TransformerCfg struct {
	Type        string  `mapstructure:"type" yaml:"type"`       // "openai", "mock"
	Model       string  `mapstructure:"model" yaml:"model"`     // default model for jobs
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
}

// TierCfg is one chunking strategy bucket.
type TierCfg struct {
	Name            string `mapstructure:"name" yaml:"name"`
	MaxPages        int    `mapstructure:"max_pages" yaml:"max_pages"` // 0 = unbounded
	ChunkSize       int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	ParallelWorkers int    `mapstructure:"parallel_workers" yaml:"parallel_workers"`
}

// ChunkingCfg configures how documents are split.
type ChunkingCfg struct {
	Tiers        []TierCfg `mapstructure:"tiers" yaml:"tiers"`
	OverlapPages int       `mapstructure:"overlap_pages" yaml:"overlap_pages"`
}

// JobsCfg configures job execution and retries.
type JobsCfg struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	StuckThreshold   time.Duration `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	BarrierTimeout   time.Duration `mapstructure:"barrier_timeout" yaml:"barrier_timeout"`
	TransformTimeout time.Duration `mapstructure:"transform_timeout" yaml:"transform_timeout"`
}

// PricingCfg configures the credit pricing table.
type PricingCfg struct {
	Version       string             `mapstructure:"version" yaml:"version"`
	Rates         map[string]float64 `mapstructure:"rates" yaml:"rates"` // credits per 1k tokens
	DefaultRate   float64            `mapstructure:"default_rate" yaml:"default_rate"`
	TokensPerPage int                `mapstructure:"tokens_per_page" yaml:"tokens_per_page"`
	MonthlyGrant  float64            `mapstructure:"monthly_grant" yaml:"monthly_grant"`
}

// StoreCfg configures persistence.
type StoreCfg struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "sqlite", "memory"
	Path   string `mapstructure:"path" yaml:"path"`     // sqlite database path
}

// IngestCfg configures document loading.
type IngestCfg struct {
	LinesPerPage int `mapstructure:"lines_per_page" yaml:"lines_per_page"` // plain-text pagination
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	tiers := make([]TierCfg, 0, 3)
	for _, t := range planner.DefaultTiers() {
		tiers = append(tiers, TierCfg{
			Name:            t.Name,
			MaxPages:        t.MaxPages,
			ChunkSize:       t.ChunkSize,
			ParallelWorkers: t.ParallelWorkers,
		})
	}
	pricing := credits.DefaultPricing()
	return &Config{
		Transformer: TransformerCfg{
			Type:        "openai",
			Model:       pricing.DefaultModel(),
			APIKey:      "${OPENAI_API_KEY}",
			Temperature: 0.2,
			RateLimit:   5.0,
		},
		Chunking: ChunkingCfg{
			Tiers:        tiers,
			OverlapPages: 1,
		},
		Jobs: JobsCfg{
			MaxRetries:       3,
			RetryDelay:       2 * time.Second,
			StuckThreshold:   5 * time.Minute,
			BarrierTimeout:   30 * time.Minute,
			TransformTimeout: 2 * time.Minute,
		},
		Pricing: PricingCfg{
			Version:       pricing.Version,
			Rates:         pricing.Rates,
			DefaultRate:   pricing.DefaultRate,
			TokensPerPage: pricing.TokensPerPage,
			MonthlyGrant:  1000,
		},
		Store: StoreCfg{
			Driver: "sqlite",
			Path:   "", // empty = ~/.sift/sift.db
		},
		Ingest: IngestCfg{
			LinesPerPage: 40,
		},
	}
}

// PlannerConfig converts the chunking section for the planner.
func (c *Config) PlannerConfig() planner.Config {
	tiers := make([]planner.Tier, 0, len(c.Chunking.Tiers))
	for _, t := range c.Chunking.Tiers {
		tiers = append(tiers, planner.Tier{
			Name:            t.Name,
			MaxPages:        t.MaxPages,
			ChunkSize:       t.ChunkSize,
			ParallelWorkers: t.ParallelWorkers,
		})
	}
	return planner.Config{
		Tiers:        tiers,
		OverlapPages: c.Chunking.OverlapPages,
	}
}

// JobsConfig converts the jobs section for the orchestrator.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		MaxRetries:       c.Jobs.MaxRetries,
		RetryDelay:       c.Jobs.RetryDelay,
		StuckThreshold:   c.Jobs.StuckThreshold,
		BarrierTimeout:   c.Jobs.BarrierTimeout,
		TransformTimeout: c.Jobs.TransformTimeout,
	}
}

// PricingTable converts the pricing section for the ledger.
func (c *Config) PricingTable() credits.Pricing {
	p := credits.Pricing{
		Version:       c.Pricing.Version,
		Rates:         c.Pricing.Rates,
		DefaultRate:   c.Pricing.DefaultRate,
		Default:       c.Transformer.Model,
		TokensPerPage: c.Pricing.TokensPerPage,
	}
	if p.Version == "" {
		return credits.DefaultPricing()
	}
	return p
}

// OpenAIConfig converts the transformer section for the OpenAI client.
// The API key has its ${ENV_VAR} references resolved.
func (c *Config) OpenAIConfig() transform.OpenAIConfig {
	return transform.OpenAIConfig{
		APIKey:      ResolveEnvVars(c.Transformer.APIKey),
		Model:       c.Transformer.Model,
		Temperature: c.Transformer.Temperature,
		RateLimit:   c.Transformer.RateLimit,
		BaseURL:     c.Transformer.BaseURL,
		Timeout:     c.Jobs.TransformTimeout,
	}
}
