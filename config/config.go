package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type           string              `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	EmbeddingModel string              `mapstructure:"embedding_model"`
	Models         map[string]LLMModel `mapstructure:"models"`
	MaxRetries     int                 `mapstructure:"max_retries"`
	Timeout        time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"` // routing, verification, synthesis, etc.
}

// LLMRoutingConfig defines which model to use for different stages of a run
type LLMRoutingConfig struct {
	Routing      string `mapstructure:"routing"`      // orchestrator decision calls
	Expansion    string `mapstructure:"expansion"`    // query expansion
	Verification string `mapstructure:"verification"` // per-document relevance checks
	Answering    string `mapstructure:"answering"`    // branch sub-answers
	Synthesis    string `mapstructure:"synthesis"`    // closer
	Fallback     string `mapstructure:"fallback"`
}

// ResearchConfig bounds the orchestration loop and the retrieval pipeline.
type ResearchConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	MaxParallelBranches int           `mapstructure:"max_parallel_branches"`
	ExpansionQueries    int           `mapstructure:"expansion_queries"`
	ResultCap           int           `mapstructure:"result_cap"`
	BranchTimeout       time.Duration `mapstructure:"branch_timeout"`
	VerifyTimeout       time.Duration `mapstructure:"verify_timeout"`
	CollectFitStats     bool          `mapstructure:"collect_fit_stats"`
	EventBuffer         int           `mapstructure:"event_buffer"`
}

// BudgetConfig maps research tiers to absolute budgets and paths to unit costs.
type BudgetConfig struct {
	Tiers           map[string]float64 `mapstructure:"tiers"`      // fast, shallow, deep
	UnitCosts       map[string]float64 `mapstructure:"unit_costs"` // path name -> cost
	DefaultTier     string             `mapstructure:"default_tier"`
	DefaultUnitCost float64            `mapstructure:"default_unit_cost"`
}

// SourcesConfig configures external retrieval providers.
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Extract   ExtractConfig   `mapstructure:"extract"`
}

// WebSearchConfig holds internet search provider keys.
type WebSearchConfig struct {
	Provider     string `mapstructure:"provider"` // brave or serper
	BraveAPIKey  string `mapstructure:"brave_api_key"`
	SerperAPIKey string `mapstructure:"serper_api_key"`
	MaxResults   int    `mapstructure:"max_results"`
}

// ExtractConfig controls readability extraction of internet search results.
type ExtractConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxPages int           `mapstructure:"max_pages"`
}

// StoreConfig configures the document corpus store and the retrieval cache.
type StoreConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig for the corpus the internal index is hydrated from.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

func (p PostgresConfig) Validate() error {
	if p.URL != "" {
		return nil
	}
	if p.Host == "" || p.DBName == "" {
		return fmt.Errorf("postgres requires url or host+db_name")
	}
	return nil
}

// DSN builds a postgres connection string from either the URL or the parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig for the per-query retrieval cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Host == "" || r.Port == "" {
		return fmt.Errorf("redis requires host and port when enabled")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MetricsPort  int  `mapstructure:"metrics_port"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("research.max_iterations", 10)
	viper.SetDefault("research.max_parallel_branches", 8)
	viper.SetDefault("research.expansion_queries", 3)
	viper.SetDefault("research.result_cap", 10)
	viper.SetDefault("research.branch_timeout", "2m")
	viper.SetDefault("research.verify_timeout", "20s")
	viper.SetDefault("research.collect_fit_stats", true)
	viper.SetDefault("research.event_buffer", 256)
	viper.SetDefault("budget.tiers", map[string]float64{"fast": 3.0, "shallow": 6.0, "deep": 12.0})
	viper.SetDefault("budget.unit_costs", map[string]float64{
		"clarifier":        0.0,
		"orchestrator":     0.0,
		"internal_search":  1.0,
		"generic_tool":     1.0,
		"knowledge_graph":  2.0,
		"internet_search":  1.5,
		"image_generation": 2.0,
		"closer":           0.0,
	})
	viper.SetDefault("budget.default_tier", "shallow")
	viper.SetDefault("budget.default_unit_cost", 1.0)
	viper.SetDefault("sources.web_search.max_results", 10)
	viper.SetDefault("sources.extract.timeout", "10s")
	viper.SetDefault("sources.extract.max_pages", 3)
	viper.SetDefault("store.redis.ttl", "10m")
	viper.SetDefault("store.redis.timeout", "5s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			viper.AddConfigPath(exeDir)
			viper.AddConfigPath(filepath.Join(exeDir, ".."))
			viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPRESEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env + defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: unmarshal: %v\n", err)
	}
	return &cfg
}
