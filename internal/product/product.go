// Package product loads and validates per-product triage configuration from
// YAML files. The pipeline treats a loaded Config as a read-only value object.
package product

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied to fields left unset in the YAML file.
const (
	DefaultBatchSize         = 25
	DefaultBatchDelaySeconds = 5
	DefaultThreshold         = 0.7
	DefaultBacktestDays      = 7
)

// StageConfig controls one matching stage (Pulses or Ideas) for a product.
type StageConfig struct {
	// Enabled toggles the stage. nil means enabled.
	Enabled *bool `yaml:"enabled"`
	// Threshold is the minimum model-reported confidence required for a
	// match to be kept. A match exactly at the threshold is retained.
	// nil means the default; an explicit 0 keeps every proposed match.
	Threshold *float64 `yaml:"threshold"`
}

// On reports whether the stage is enabled.
func (s StageConfig) On() bool {
	return s.Enabled == nil || *s.Enabled
}

// MinConfidence returns the effective match threshold for the stage.
func (s StageConfig) MinConfidence() float64 {
	if s.Threshold == nil {
		return DefaultThreshold
	}
	return *s.Threshold
}

// BatchDelay returns the inter-batch delay as a duration.
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySeconds) * time.Second
}

// Prompts holds optional system-prompt overrides for the pipeline stages.
// Empty fields fall back to the built-in prompts.
type Prompts struct {
	Alignment string `yaml:"alignment"`
	Pulses    string `yaml:"pulses"`
	Shortlist string `yaml:"shortlist"`
	Ideas     string `yaml:"ideas"`
	Summary   string `yaml:"summary"`
}

// Config is the triage configuration for a single product.
type Config struct {
	// Name is the product's display name, also used in verdict comparison.
	Name string `yaml:"name"`
	// Slug identifies the product in API routes and log fields.
	Slug string `yaml:"slug"`
	// DescriptionID is the store content id holding the product description
	// fetched during preparation. When empty, Description is used directly.
	DescriptionID string `yaml:"description_id"`
	// Description is an inline product description fallback.
	Description string `yaml:"description"`
	// BelongsAliases are additional verdict strings that mean "belongs to
	// this product", compared case-insensitively alongside Name.
	BelongsAliases []string `yaml:"belongs_aliases"`

	Pulses StageConfig `yaml:"pulses"`
	Ideas  StageConfig `yaml:"ideas"`

	// BatchSize bounds the FRs per batch (audit document and notification
	// size follow from it).
	BatchSize int `yaml:"batch_size"`
	// BatchDelaySeconds is the pause between batches, respecting store
	// rate limits.
	BatchDelaySeconds int `yaml:"batch_delay_seconds"`
	// BacktestDays is the lookback window for backtest runs.
	BacktestDays int `yaml:"backtest_days"`

	// NotifyTarget is the channel or user the run summary is sent to.
	// Empty disables notifications for this product.
	NotifyTarget string `yaml:"notify_target"`

	Prompts Prompts `yaml:"prompts"`
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelaySeconds == 0 {
		c.BatchDelaySeconds = DefaultBatchDelaySeconds
	}
	if c.BacktestDays == 0 {
		c.BacktestDays = DefaultBacktestDays
	}
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Slug == "" {
		errs = append(errs, errors.New("slug is required"))
	}
	if c.DescriptionID == "" && c.Description == "" {
		errs = append(errs, errors.New("one of description_id or description is required"))
	}
	if t := c.Pulses.Threshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("invalid pulses.threshold %v (must be 0..1)", *t))
	}
	if t := c.Ideas.Threshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("invalid ideas.threshold %v (must be 0..1)", *t))
	}
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("invalid batch_size %d (must be 1..100)", c.BatchSize))
	}
	if c.BatchDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid batch_delay_seconds %d (must be >= 0)", c.BatchDelaySeconds))
	}
	if c.BacktestDays <= 0 || c.BacktestDays > 365 {
		errs = append(errs, fmt.Errorf("invalid backtest_days %d (must be 1..365)", c.BacktestDays))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
