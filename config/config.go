// Package config loads the YAML configuration for the agent: per-role
// LLM routing, registry location, iteration budgets, and feature flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig routes one role to a provider and model. APIKey and Endpoint
// support ${ENV_VAR} expansion.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// LLMRoles holds the per-role routing. Roles left empty fall back to
// Analyzer.
type LLMRoles struct {
	Analyzer    LLMConfig `yaml:"analyzer"`
	Synthesizer LLMConfig `yaml:"synthesizer"`
	Answerer    LLMConfig `yaml:"answerer"`
	Security    LLMConfig `yaml:"security"`
	SQL         LLMConfig `yaml:"sql"`
}

// MCPConfig locates the service registry and tunes invocation.
type MCPConfig struct {
	RegistryURL        string `yaml:"registry_url"`
	Concurrency        int    `yaml:"concurrency"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

// IterationConfig bounds the refinement loop and total node visits.
type IterationConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	MaxSteps      int `yaml:"max_steps"`
}

// SecurityConfig tunes the SQL validation gate.
type SecurityConfig struct {
	UseLLMCheck        bool `yaml:"use_llm_check"`
	DisableSQLBlocking bool `yaml:"disable_sql_blocking"`
}

// FeaturesConfig toggles optional stages.
type FeaturesConfig struct {
	DisableDatabases       bool `yaml:"disable_databases"`
	DisablePromptStage     bool `yaml:"disable_prompt_stage"`
	DisableResponseStage   bool `yaml:"disable_response_stage"`
	ReturnToolResultsToLLM bool `yaml:"return_tool_results_to_llm"`
	SplitSearchHits        bool `yaml:"split_search_hits"`
	SSHKeepAlive           bool `yaml:"ssh_keep_alive"`
}

// StoreConfig selects run-history persistence.
type StoreConfig struct {
	// Backend is "memory" (default), "sqlite", or "mysql".
	Backend string `yaml:"backend"`
	// DSN is the SQLite path or MySQL DSN.
	DSN string `yaml:"dsn"`
}

// Config is the full recognized option set.
type Config struct {
	LLM       LLMRoles        `yaml:"llm"`
	MCP       MCPConfig       `yaml:"mcp"`
	Iteration IterationConfig `yaml:"iteration"`
	Security  SecurityConfig  `yaml:"security"`
	Features  FeaturesConfig  `yaml:"features"`
	Store     StoreConfig     `yaml:"store"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		MCP: MCPConfig{
			Concurrency:        8,
			CallTimeoutSeconds: 60,
		},
		Iteration: IterationConfig{
			MaxIterations: 3,
			MaxSteps:      30,
		},
		Store: StoreConfig{Backend: "memory"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CallTimeout returns the per-call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.MCP.CallTimeoutSeconds) * time.Second
}

// Role returns the routing for a role, falling back to the analyzer
// block when the role's own block is empty.
func (c *Config) Role(name string) LLMConfig {
	var role LLMConfig
	switch name {
	case "analyzer":
		role = c.LLM.Analyzer
	case "synthesizer":
		role = c.LLM.Synthesizer
	case "answerer":
		role = c.LLM.Answerer
	case "security":
		role = c.LLM.Security
	case "sql":
		role = c.LLM.SQL
	}
	if role.Provider == "" {
		return c.LLM.Analyzer
	}
	return role
}

// Validate reports configuration errors that would only surface mid-run.
func (c *Config) Validate() error {
	if c.MCP.RegistryURL == "" {
		return fmt.Errorf("config: mcp.registry_url is required")
	}
	if c.LLM.Analyzer.Provider == "" {
		return fmt.Errorf("config: llm.analyzer.provider is required")
	}
	if c.LLM.Analyzer.Model == "" {
		return fmt.Errorf("config: llm.analyzer.model is required")
	}
	if c.Iteration.MaxIterations < 0 {
		return fmt.Errorf("config: iteration.max_iterations must be >= 0")
	}
	if c.Iteration.MaxSteps < 1 {
		return fmt.Errorf("config: iteration.max_steps must be >= 1")
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required for backend %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MCP.Concurrency <= 0 {
		c.MCP.Concurrency = 8
	}
	if c.MCP.CallTimeoutSeconds <= 0 {
		c.MCP.CallTimeoutSeconds = 60
	}
	if c.Iteration.MaxIterations == 0 && c.Iteration.MaxSteps == 0 {
		c.Iteration = Default().Iteration
	}
	if c.Iteration.MaxSteps == 0 {
		c.Iteration.MaxSteps = 30
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
}

func (c *Config) expandEnv() {
	for _, role := range []*LLMConfig{
		&c.LLM.Analyzer, &c.LLM.Synthesizer, &c.LLM.Answerer,
		&c.LLM.Security, &c.LLM.SQL,
	} {
		role.APIKey = os.ExpandEnv(role.APIKey)
		role.Endpoint = os.ExpandEnv(role.Endpoint)
	}
	c.MCP.RegistryURL = os.ExpandEnv(c.MCP.RegistryURL)
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
}
