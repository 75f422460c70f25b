package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Search      SearchConfig      `mapstructure:"search"`
	Fitness     FitnessConfig     `mapstructure:"fitness"`
	Meta        MetaConfig        `mapstructure:"meta"`
	External    ExternalConfig    `mapstructure:"external"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// SearchConfig contains the genetic search budget
type SearchConfig struct {
	PopulationSize int     `mapstructure:"population_size"`
	Generations    int     `mapstructure:"generations"`
	MutationRate   float64 `mapstructure:"mutation_rate"`
	CrossoverRate  float64 `mapstructure:"crossover_rate"`
	EliteCount     int     `mapstructure:"elite_count"`
	Parallel       int     `mapstructure:"parallel"`
	Seed           int64   `mapstructure:"seed"`
}

// FitnessConfig contains the fitness weighting
type FitnessConfig struct {
	DrawdownWeight   float64 `mapstructure:"drawdown_weight"`
	SharpeWeight     float64 `mapstructure:"sharpe_weight"`
	SuccessThreshold float64 `mapstructure:"success_threshold"`
}

// MetaConfig contains the adaptive meta optimizer settings
type MetaConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	ExplorationRate float64 `mapstructure:"exploration_rate"`
	LearningRate    float64 `mapstructure:"learning_rate"`
	SaveEvery       int     `mapstructure:"save_every"`
}

// ExternalConfig contains the external mutation source settings
type ExternalConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	APIKey        string  `mapstructure:"api_key"`
	Temperature   float64 `mapstructure:"temperature"`   // 0.7
	ProposalCount int     `mapstructure:"proposal_count"` // 5
	Timeout       int     `mapstructure:"timeout"`        // 30000 (ms)
}

// PersistenceConfig contains state file locations
type PersistenceConfig struct {
	Dir          string `mapstructure:"dir"`
	OverrideFile string `mapstructure:"override_file"`
	MetaFile     string `mapstructure:"meta_file"`
}

// MonitoringConfig contains metrics endpoint settings
type MonitoringConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("SQUEEZEVOLVE")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "squeezevolve")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Search defaults
	v.SetDefault("search.population_size", 30)
	v.SetDefault("search.generations", 20)
	v.SetDefault("search.mutation_rate", 0.1)
	v.SetDefault("search.crossover_rate", 0.8)
	v.SetDefault("search.elite_count", 2)
	v.SetDefault("search.parallel", 4)
	v.SetDefault("search.seed", 0)

	// Fitness defaults
	v.SetDefault("fitness.drawdown_weight", 1.0)
	v.SetDefault("fitness.sharpe_weight", 0.1)
	v.SetDefault("fitness.success_threshold", 1.0)

	// Meta defaults
	v.SetDefault("meta.enabled", true)
	v.SetDefault("meta.exploration_rate", 0.3)
	v.SetDefault("meta.learning_rate", 0.1)
	v.SetDefault("meta.save_every", 5)

	// External mutation source defaults
	v.SetDefault("external.endpoint", "")
	v.SetDefault("external.temperature", 0.7)
	v.SetDefault("external.proposal_count", 5)
	v.SetDefault("external.timeout", 30000)

	// Persistence defaults
	v.SetDefault("persistence.dir", "./state")
	v.SetDefault("persistence.override_file", "overrides.json")
	v.SetDefault("persistence.meta_file", "meta_state.json")

	// Monitoring defaults
	v.SetDefault("monitoring.metrics_addr", "")
	v.SetDefault("monitoring.enable_metrics", false)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Search.PopulationSize < 2 {
		return fmt.Errorf("search.population_size must be >= 2, got %d", c.Search.PopulationSize)
	}
	if c.Search.Generations < 1 {
		return fmt.Errorf("search.generations must be >= 1, got %d", c.Search.Generations)
	}
	if c.Search.MutationRate < 0 || c.Search.MutationRate > 1 {
		return fmt.Errorf("search.mutation_rate must be in [0, 1], got %v", c.Search.MutationRate)
	}
	if c.Search.CrossoverRate < 0 || c.Search.CrossoverRate > 1 {
		return fmt.Errorf("search.crossover_rate must be in [0, 1], got %v", c.Search.CrossoverRate)
	}
	if c.Search.EliteCount < 0 || c.Search.EliteCount >= c.Search.PopulationSize {
		return fmt.Errorf("search.elite_count must be in [0, population), got %d", c.Search.EliteCount)
	}
	if c.Fitness.DrawdownWeight < 0 {
		return fmt.Errorf("fitness.drawdown_weight must be >= 0, got %v", c.Fitness.DrawdownWeight)
	}
	if c.Meta.ExplorationRate < 0 || c.Meta.ExplorationRate > 1 {
		return fmt.Errorf("meta.exploration_rate must be in [0, 1], got %v", c.Meta.ExplorationRate)
	}
	if c.Meta.LearningRate <= 0 || c.Meta.LearningRate > 1 {
		return fmt.Errorf("meta.learning_rate must be in (0, 1], got %v", c.Meta.LearningRate)
	}
	if c.External.Timeout < 0 {
		return fmt.Errorf("external.timeout must be >= 0, got %d", c.External.Timeout)
	}
	return nil
}

// GetTimeout returns the external source timeout as time.Duration
func (c *ExternalConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}
