package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traceai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project:
  root: /data/pipelines
  patterns: ["*.dtsx", "*.jcl"]
persist:
  dir: /var/lib/traceai
ingest:
  max_concurrent_parsers: 4
ai:
  provider: ollama
  model: nomic-embed-text
cobol:
  free_form: true
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/pipelines", cfg.Project.Root)
	assert.Equal(t, []string{"*.dtsx", "*.jcl"}, cfg.Project.Patterns)
	assert.Equal(t, "/var/lib/traceai", cfg.Persist.Dir)
	assert.Equal(t, 4, cfg.Ingest.MaxConcurrentParsers)
	assert.Equal(t, "ollama", cfg.AI.Provider)
	assert.True(t, cfg.Cobol.FreeForm)
}

func TestLoadConfig_MissingDefaultYieldsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig(DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Project.Root)
	assert.Empty(t, cfg.Persist.Dir)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TRACEAI_API_KEY", "sk-test")
	t.Setenv("TRACEAI_AI_PROVIDER", "openai")
	t.Setenv("TRACEAI_MAX_PARSERS", "7")

	t.Chdir(t.TempDir())
	cfg, err := LoadConfig(DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, 7, cfg.Ingest.MaxConcurrentParsers)
}

func TestLoadConfig_MissingExplicitPathFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
