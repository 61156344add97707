package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds sift-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	LLMProvider           string
	AnthropicAPIKey       string
	AnthropicModel        string
	OllamaBaseURL         string
	OllamaModel           string
	DatabaseURL           string
	SlackWebhookURL       string
	ProductsDir           string
	APIToken              string
	RunIntervalMinutes    int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.LLMProvider, "llm-provider", "anthropic", "completion backend: anthropic or ollama")
	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "API key for the Anthropic completion backend")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "claude-sonnet-4-20250514", "Anthropic model to use")
	fs.StringVar(&c.OllamaBaseURL, "ollama-base-url", "http://localhost:11434/v1", "base URL of the Ollama OpenAI-compatible endpoint")
	fs.StringVar(&c.OllamaModel, "ollama-model", "llama3.1", "Ollama model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run notifications (empty = disabled)")
	fs.StringVar(&c.ProductsDir, "products-dir", "products", "directory of per-product YAML configuration files")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")
	fs.IntVar(&c.RunIntervalMinutes, "run-interval-minutes", 0, "minutes between automatic runs for every product (0 = disabled)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
		if c.AnthropicModel == "" {
			errs = append(errs, errors.New("ANTHROPIC_MODEL is required for the anthropic provider"))
		}
	case "ollama":
		if c.OllamaBaseURL == "" {
			errs = append(errs, errors.New("OLLAMA_BASE_URL is required for the ollama provider"))
		}
		if c.OllamaModel == "" {
			errs = append(errs, errors.New("OLLAMA_MODEL is required for the ollama provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be anthropic or ollama)", c.LLMProvider))
	}

	if c.ProductsDir == "" {
		errs = append(errs, errors.New("PRODUCTS_DIR is required"))
	}

	if c.RunIntervalMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid RUN_INTERVAL_MINUTES %d (must be >= 0)", c.RunIntervalMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
