// Package config holds the pipeline configuration: file paths and every
// tunable constant of the scoring, explanation and clustering stages.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/anomalynarrator/pkg/detectors"
	"github.com/hed1ad/anomalynarrator/pkg/embedding"
)

// Config is the complete pipeline configuration.
type Config struct {
	Paths     PathsConfig      `yaml:"paths"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Outlier   OutlierConfig    `yaml:"outlier"`
	Cluster   ClusterConfig    `yaml:"cluster"`
	Embedding embedding.Config `yaml:"embedding"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// PathsConfig lists every file a stage reads or writes.
type PathsConfig struct {
	Raw          string `yaml:"raw"`
	Scored       string `yaml:"scored"`
	Explained    string `yaml:"explained"`
	Clustered    string `yaml:"clustered"`
	OutlierModel string `yaml:"outlier_model"`
	ClusterModel string `yaml:"cluster_model"`
	SQLite       string `yaml:"sqlite"`
}

// IngestConfig bounds memory use when loading the raw table.
type IngestConfig struct {
	// MaxRows caps the rows read from the raw table.
	MaxRows int `yaml:"max_rows"`
}

// OutlierConfig configures the isolation forest.
type OutlierConfig struct {
	Contamination float64 `yaml:"contamination"`
	Trees         int     `yaml:"trees"`
	SampleSize    int     `yaml:"sample_size"`
	Seed          int64   `yaml:"seed"`
}

// ClusterConfig configures k-means over explanation embeddings.
type ClusterConfig struct {
	Clusters int   `yaml:"clusters"`
	Seed     int64 `yaml:"seed"`
	MaxIter  int   `yaml:"max_iter"`
	Init     int   `yaml:"init"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	det := detectors.DefaultConfig()
	return &Config{
		Paths: PathsConfig{
			Raw:          "data/synthetic_fraud_data.csv",
			Scored:       "data/transactions_with_anomalies.csv",
			Explained:    "data/transactions_with_explanations.csv",
			Clustered:    "data/transactions_with_clusters.csv",
			OutlierModel: "models/isolation_forest.gob",
			ClusterModel: "models/kmeans_fraud_clusters.gob",
			SQLite:       "data/transactions.db",
		},
		Ingest: IngestConfig{
			MaxRows: 50000,
		},
		Outlier: OutlierConfig{
			Contamination: det.Contamination,
			Trees:         det.Trees,
			SampleSize:    det.SampleSize,
			Seed:          det.RandomSeed,
		},
		Cluster: ClusterConfig{
			Clusters: 5,
			Seed:     42,
			MaxIter:  300,
			Init:     10,
		},
		Embedding: embedding.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Detector converts the outlier section into a detectors.Config.
func (c *Config) Detector() detectors.Config {
	return detectors.Config{
		Contamination: c.Outlier.Contamination,
		Trees:         c.Outlier.Trees,
		SampleSize:    c.Outlier.SampleSize,
		RandomSeed:    c.Outlier.Seed,
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("NARRATOR_MAX_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NARRATOR_MAX_ROWS: %w", err)
		}
		c.Ingest.MaxRows = n
	}
	if v := os.Getenv("NARRATOR_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("NARRATOR_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("NARRATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Outlier.Contamination <= 0 || c.Outlier.Contamination > 0.5 {
		return fmt.Errorf("outlier.contamination must be in (0, 0.5], got %v", c.Outlier.Contamination)
	}
	if c.Outlier.Trees <= 0 {
		return fmt.Errorf("outlier.trees must be positive, got %d", c.Outlier.Trees)
	}
	if c.Outlier.SampleSize <= 0 {
		return fmt.Errorf("outlier.sample_size must be positive, got %d", c.Outlier.SampleSize)
	}
	if c.Cluster.Clusters <= 0 {
		return fmt.Errorf("cluster.clusters must be positive, got %d", c.Cluster.Clusters)
	}
	if c.Ingest.MaxRows <= 0 {
		return fmt.Errorf("ingest.max_rows must be positive, got %d", c.Ingest.MaxRows)
	}

	switch c.Embedding.Provider {
	case embedding.ProviderHashing, embedding.ProviderOllama, embedding.ProviderGenAI:
	default:
		return fmt.Errorf("%w: %q", embedding.ErrUnsupportedProvider, c.Embedding.Provider)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
