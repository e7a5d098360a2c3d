package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

var allEnv = []string{EnvConfig, EnvURL, EnvAPIKey, EnvAgentMode, EnvLogLevel, EnvDraftDir, EnvMaxMalformed}

// isolate points XDG and HOME at temp dirs and unsets every variable Load
// reads; t.Setenv restores them afterwards.
func isolate(t *testing.T) (xdgConfig string) {
	t.Helper()
	home := t.TempDir()
	xdgConfig = filepath.Join(home, "xdg-config")
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", xdgConfig)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "xdg-data"))
	for _, k := range allEnv {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	return xdgConfig
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, cfg.Server.URL)
	assert.Equal(t, types.AgentModeAuto, cfg.AgentMode)
	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Contains(t, cfg.DraftDir(), filepath.Join("xdg-data", "agentstream", "storage"))
}

func TestLoad_Precedence(t *testing.T) {
	xdg := isolate(t)
	project := t.TempDir()

	write(t, filepath.Join(xdg, "agentstream", "agentstream.jsonc"), `{
		// global defaults
		"server": {"url": "https://global.example", "apiKey": "global-key"},
		"agentMode": "fast",
		"logLevel": "INFO",
	}`)
	write(t, filepath.Join(project, ".agentstream", "agentstream.jsonc"), `{
		"server": {"url": "https://project.example"},
		"stream": {"maxMalformedFragments": 4}
	}`)
	t.Setenv(EnvAgentMode, "thinking")

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "https://project.example", cfg.Server.URL)
	assert.Equal(t, "global-key", cfg.Server.APIKey)
	assert.Equal(t, types.AgentModeThinking, cfg.AgentMode)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Stream.MaxMalformedFragments)
}

func TestLoad_ExplicitConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.jsonc")
	write(t, path, `{"drafts": {"disabled": true, "dir": "/tmp/drafts"}, "mock": {"addr": ":9999"}}`)
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Drafts.Disabled)
	assert.Equal(t, "/tmp/drafts", cfg.DraftDir())
	assert.Equal(t, ":9999", cfg.Mock.Addr)
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	isolate(t)
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "nope.json"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	write(t, filepath.Join(project, ".env"), "AGENTSTREAM_API_KEY=from-dotenv\nAGENTSTREAM_URL=http://dotenv:1\n")
	t.Setenv(EnvURL, "http://already-set:2")

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Server.APIKey)
	assert.Equal(t, "http://already-set:2", cfg.Server.URL, ".env must not override the environment")
}

func TestLoad_Interpolation(t *testing.T) {
	isolate(t)
	project := t.TempDir()
	write(t, filepath.Join(project, "key.txt"), "file-secret\n")
	write(t, filepath.Join(project, "agentstream.json"), `{
		"server": {"url": "{env:TEST_AGENT_URL}", "apiKey": "{file:key.txt}"}
	}`)
	t.Setenv("TEST_AGENT_URL", "https://env.example")

	cfg, err := Load(project)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.Server.URL)
	assert.Equal(t, "file-secret", cfg.Server.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		env   map[string]string
		match string
	}{
		{name: "bad json", file: `{"server": `, match: "parse"},
		{name: "bad mode", file: `{"agentMode": "turbo"}`, match: "agent mode"},
		{name: "bad url", file: `{"server": {"url": "ftp://x"}}`, match: "server url"},
		{name: "bad env number", env: map[string]string{EnvMaxMalformed: "many"}, match: EnvMaxMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			project := t.TempDir()
			if tt.file != "" {
				write(t, filepath.Join(project, "agentstream.json"), tt.file)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(project)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.match)
		})
	}
}

func TestPaths_LogFile(t *testing.T) {
	isolate(t)

	p := GetPaths()
	f, err := p.OpenLogFile()
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, p.LogFile(), f.Name())
	assert.FileExists(t, filepath.Join(p.Data, "log", "agentchat.log"))
}
