package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Project struct {
		Root     string   `yaml:"root"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"project"`
	Persist struct {
		Dir string `yaml:"dir"`
	} `yaml:"persist"`
	Ingest struct {
		MaxConcurrentParsers int `yaml:"max_concurrent_parsers"`
	} `yaml:"ingest"`
	Query struct {
		TraversalCap int `yaml:"traversal_cap"`
	} `yaml:"query"`
	AI struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		APIKey    string `yaml:"api_key"`
		Dimension int    `yaml:"dimension"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"ai"`
	Cobol struct {
		FreeForm bool `yaml:"free_form"`
	} `yaml:"cobol"`
}

// DefaultPath is where LoadConfig looks when no --config flag is given.
const DefaultPath = "traceai.yaml"

// LoadConfig reads .env, then the YAML file, then environment-variable
// overrides. A missing file at the default path yields defaults rather
// than an error, so the CLI runs without any setup.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Project.Root = "."

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && path == DefaultPath:
		// Defaults only.
	default:
		return nil, err
	}

	if v := os.Getenv("TRACEAI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("TRACEAI_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("TRACEAI_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("TRACEAI_PERSIST_DIR"); v != "" {
		cfg.Persist.Dir = v
	}
	if v := os.Getenv("TRACEAI_MAX_PARSERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ingest.MaxConcurrentParsers = n
		}
	}
	return cfg, nil
}
