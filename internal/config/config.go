// Package config handles configuration loading for msearcher.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the search and server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Search     SearchConfig     `yaml:"search"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one expression profile served by the API.
type DatasetConfig struct {
	ProfilePath string `yaml:"profile_path"`
	Name        string `yaml:"name"`
}

// DataConfig contains the configured datasets. Two layouts are accepted:
//
//	data:
//	  profile_path: ./data/profile.txt   # single dataset named "default"
//
//	data:
//	  default_dataset: liver
//	  pbmc:
//	    profile_path: ./data/pbmc.txt.gz
//	  liver:
//	    profile_path: ./data/liver.tsv
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset IDs in the order they appear in the file.
func (d DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML implements yaml.Unmarshaler, keeping dataset order.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}
	d.Datasets = make(map[string]DatasetConfig)
	var legacy DatasetConfig

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "default_dataset":
			if err := val.Decode(&d.DefaultDataset); err != nil {
				return fmt.Errorf("data.default_dataset: %w", err)
			}
		case "profile_path":
			if err := val.Decode(&legacy.ProfilePath); err != nil {
				return fmt.Errorf("data.profile_path: %w", err)
			}
		case "name":
			if err := val.Decode(&legacy.Name); err != nil {
				return fmt.Errorf("data.name: %w", err)
			}
		default:
			var ds DatasetConfig
			if err := val.Decode(&ds); err != nil {
				return fmt.Errorf("data.%s: %w", key, err)
			}
			if _, dup := d.Datasets[key]; !dup {
				d.order = append(d.order, key)
			}
			d.Datasets[key] = ds
		}
	}

	if legacy.ProfilePath != "" {
		if _, dup := d.Datasets["default"]; !dup {
			d.order = append([]string{"default"}, d.order...)
		}
		d.Datasets["default"] = legacy
	}
	return nil
}

// SearchConfig holds the marker search parameters.
type SearchConfig struct {
	TopNum        int     `yaml:"top_num"`
	Cutoff        float64 `yaml:"cutoff"`
	MaxCandidates int     `yaml:"max_candidates"`
	Workers       int     `yaml:"workers"`
}

// PreprocessConfig controls how profiles are prepared before searching.
type PreprocessConfig struct {
	Enabled                 *bool   `yaml:"enabled"`
	DetectLogScale          *bool   `yaml:"detect_log_scale"`
	LowExpressionPercentile float64 `yaml:"low_expression_percentile"`
	RowScaling              string  `yaml:"row_scaling"`
}

// IsEnabled reports whether preprocessing runs.
func (p PreprocessConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// DetectsLogScale reports whether log-transformed input is un-logged.
func (p PreprocessConfig) DetectsLogScale() bool { return p.DetectLogScale == nil || *p.DetectLogScale }

// JobsConfig contains search job settings for server mode.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	MatrixEntries    int `yaml:"matrix_entries"`
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "MSearcher",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {ProfilePath: "./data/profile.txt"},
			},
			order: []string{"default"},
		},
		Search: SearchConfig{
			TopNum:        20,
			Cutoff:        0.6,
			MaxCandidates: 2000,
			Workers:       runtime.NumCPU(),
		},
		Preprocess: PreprocessConfig{
			LowExpressionPercentile: 5,
			RowScaling:              "none",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/search_jobs.sqlite",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			MatrixEntries:    4,
			ResultSizeMB:     64,
			ResultTTLMinutes: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.Datasets = defaults.Data.Datasets
		cfg.Data.order = defaults.Data.order
	}
	if cfg.Data.DefaultDataset == "" {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	if cfg.Search.TopNum == 0 {
		cfg.Search.TopNum = defaults.Search.TopNum
	}
	if cfg.Search.Cutoff == 0 {
		cfg.Search.Cutoff = defaults.Search.Cutoff
	}
	if cfg.Search.MaxCandidates == 0 {
		cfg.Search.MaxCandidates = defaults.Search.MaxCandidates
	}
	if cfg.Search.Workers == 0 {
		cfg.Search.Workers = defaults.Search.Workers
	}
	if cfg.Preprocess.LowExpressionPercentile == 0 {
		cfg.Preprocess.LowExpressionPercentile = defaults.Preprocess.LowExpressionPercentile
	}
	if cfg.Preprocess.RowScaling == "" {
		cfg.Preprocess.RowScaling = defaults.Preprocess.RowScaling
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.MatrixEntries == 0 {
		cfg.Cache.MatrixEntries = defaults.Cache.MatrixEntries
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("default_dataset %q is not configured", c.Data.DefaultDataset)
	}
	for _, id := range c.Data.order {
		if c.Data.Datasets[id].ProfilePath == "" {
			return fmt.Errorf("dataset %q has no profile_path", id)
		}
	}
	if c.Search.TopNum < 1 {
		return fmt.Errorf("search.top_num must be positive, got %d", c.Search.TopNum)
	}
	if c.Search.Cutoff < 0 || c.Search.Cutoff >= 1 {
		return fmt.Errorf("search.cutoff must be in [0, 1), got %v", c.Search.Cutoff)
	}
	if c.Search.MaxCandidates < c.Search.TopNum {
		return fmt.Errorf("search.max_candidates (%d) must be at least top_num (%d)", c.Search.MaxCandidates, c.Search.TopNum)
	}
	if p := c.Preprocess.LowExpressionPercentile; p < 0 || p > 100 {
		return fmt.Errorf("preprocess.low_expression_percentile must be in [0, 100], got %v", p)
	}
	switch c.Preprocess.RowScaling {
	case "none", "zscore":
	default:
		return fmt.Errorf("preprocess.row_scaling must be none or zscore, got %q", c.Preprocess.RowScaling)
	}
	return nil
}
