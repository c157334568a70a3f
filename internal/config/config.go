package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is read from a YAML file. All fields are optional; Load applies
// defaults and then environment overrides.
//
// Example:
//
//	server:
//	  addr: ":8100"
//	database:
//	  driver: sqlite3
//	  dsn: "file:padchat.db?_foreign_keys=on&_busy_timeout=5000"
//	llm:
//	  provider: openai
//	  base_url: "http://localhost:11434/v1/"
//	  model: "llama3.1:8b"
//	history:
//	  mode: flat
//	  max_context_tokens: 8000
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	History    HistoryConfig    `yaml:"history"`
	Generation GenerationConfig `yaml:"generation"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Token        string        `yaml:"token"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Mode             string `yaml:"mode"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	MaxDepth         int    `yaml:"max_depth"`
	Encoding         string `yaml:"encoding"`
}

type GenerationConfig struct {
	OnInterrupt string `yaml:"on_interrupt"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	ModeFlat      = "flat"
	ModeBranching = "branching"

	InterruptMark    = "mark"
	InterruptDiscard = "discard"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8100",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			DSN:          "file:padchat.db?_foreign_keys=on&_busy_timeout=5000",
			MaxOpenConns: 10,
		},
		LLM: LLMConfig{
			Provider:     ProviderOpenAI,
			BaseURL:      "http://localhost:11434/v1/",
			Model:        "llama3.1:8b",
			SystemPrompt: "You are a helpful assistant",
			Timeout:      2 * time.Minute,
		},
		History: HistoryConfig{
			Mode:     ModeFlat,
			MaxDepth: 256,
			Encoding: "cl100k_base",
		},
		Generation: GenerationConfig{OnInterrupt: InterruptMark},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, "PADCHAT_ADDR")
	set(&c.Database.Driver, "PADCHAT_DB_DRIVER")
	set(&c.Database.DSN, "PADCHAT_DB_DSN")
	set(&c.LLM.BaseURL, "PADCHAT_LLM_BASE_URL")
	set(&c.LLM.Model, "PADCHAT_LLM_MODEL")
	set(&c.LLM.Token, "OPENAI_API_KEY")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	switch c.History.Mode {
	case ModeFlat, ModeBranching:
	default:
		return fmt.Errorf("unsupported history.mode %q", c.History.Mode)
	}
	if c.History.MaxDepth < 1 {
		return fmt.Errorf("history.max_depth must be at least 1")
	}
	if c.History.MaxContextTokens < 0 {
		return fmt.Errorf("history.max_context_tokens must not be negative")
	}
	switch c.Generation.OnInterrupt {
	case InterruptMark, InterruptDiscard:
	default:
		return fmt.Errorf("unsupported generation.on_interrupt %q", c.Generation.OnInterrupt)
	}
	return nil
}
