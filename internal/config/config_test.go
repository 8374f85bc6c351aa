package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/chat"},
		Auth:     AuthConfig{JWTSecret: "secret"},
		Chat:     ChatConfig{DefaultModel: "deepseek-chat"},
		Models: map[string]ModelEntry{
			"deepseek": {Provider: "openai", APIKey: "k", BaseURL: "https://api.deepseek.com/v1"},
		},
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "deepseek-chat", cfg.Chat.DefaultModel)
	assert.Equal(t, 10, cfg.Chat.HistoryLimit)
	assert.Equal(t, 4, cfg.RAG.TopK)
	assert.Equal(t, 500, cfg.RAG.ChunkSize)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.toml")
	body := `
[server]
port = 9999

[chat]
default_model = "kimi-latest"

[models.kimi]
provider = "openai"
api_key = "mk"
multimodal = true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "kimi-latest", cfg.Chat.DefaultModel)
	require.Contains(t, cfg.Models, "kimi")
	assert.True(t, cfg.Models["kimi"].Multimodal)
	// untouched defaults survive the file overlay
	assert.Equal(t, 10, cfg.Chat.HistoryLimit)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ZHIWEI_SERVER_PORT", "7070")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestModelEntryForPrefixMatch(t *testing.T) {
	cfg := &Config{Models: map[string]ModelEntry{
		"gpt":    {Provider: "openai", APIKey: "a"},
		"gpt-4o": {Provider: "openai", APIKey: "b", Multimodal: true},
	}}

	entry, ok := cfg.ModelEntryFor("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "b", entry.APIKey, "longest prefix wins")
	assert.Equal(t, "gpt-4o-mini", entry.Model, "concrete name fills empty Model")

	entry, ok = cfg.ModelEntryFor("gpt-3.5-turbo")
	require.True(t, ok)
	assert.Equal(t, "a", entry.APIKey)

	_, ok = cfg.ModelEntryFor("mistral-small")
	assert.False(t, ok)
}

func TestModelEntryForKeepsExplicitModel(t *testing.T) {
	cfg := &Config{Models: map[string]ModelEntry{
		"fast": {Provider: "ollama", Model: "llama3.2:3b"},
	}}

	entry, ok := cfg.ModelEntryFor("fast")
	require.True(t, ok)
	assert.Equal(t, "llama3.2:3b", entry.Model)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))

	cfg := validConfig()
	cfg.Auth.JWTSecret = ""
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Chat.DefaultModel = ""
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Models = nil
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Models["deepseek"] = ModelEntry{Provider: "mystery"}
	assert.Error(t, Validate(cfg))
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhiwei.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}
