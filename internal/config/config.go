package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig       = "AGENTSTREAM_CONFIG"
	EnvURL          = "AGENTSTREAM_URL"
	EnvAPIKey       = "AGENTSTREAM_API_KEY"
	EnvAgentMode    = "AGENTSTREAM_AGENT_MODE"
	EnvLogLevel     = "AGENTSTREAM_LOG_LEVEL"
	EnvDraftDir     = "AGENTSTREAM_DRAFT_DIR"
	EnvMaxMalformed = "AGENTSTREAM_MAX_MALFORMED"
)

// DefaultURL is the backend used when nothing is configured.
const DefaultURL = "http://127.0.0.1:8080"

// Config is the client configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	AgentMode types.AgentMode `json:"agentMode,omitempty"`
	LogLevel  string          `json:"logLevel,omitempty"`
	Stream    StreamConfig    `json:"stream"`
	Drafts    DraftConfig     `json:"drafts"`
	Mock      MockConfig      `json:"mock"`
}

// ServerConfig locates the agent backend.
type ServerConfig struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

// StreamConfig tunes the event decoder.
type StreamConfig struct {
	// MaxMalformedFragments is the consecutive malformed fragment bound.
	MaxMalformedFragments int `json:"maxMalformedFragments,omitempty"`
}

// DraftConfig controls draft persistence.
type DraftConfig struct {
	// Disabled keeps drafts in memory only.
	Disabled bool `json:"disabled,omitempty"`
	// Dir overrides the storage directory.
	Dir string `json:"dir,omitempty"`
}

// MockConfig configures the bundled mock backend.
type MockConfig struct {
	Addr      string `json:"addr,omitempty"`
	Scenarios string `json:"scenarios,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{URL: DefaultURL},
		AgentMode: types.AgentModeAuto,
		LogLevel:  "WARN",
		Mock:      MockConfig{Addr: "127.0.0.1:8080"},
	}
}

// DraftDir resolves the draft storage directory.
func (c *Config) DraftDir() string {
	if c.Drafts.Dir != "" {
		return c.Drafts.Dir
	}
	return GetPaths().StoragePath()
}

// Load loads configuration from multiple sources, later ones winning:
//  1. built-in defaults
//  2. global config (~/.config/agentstream/agentstream.json[c])
//  3. project config (<dir>/agentstream.json[c], <dir>/.agentstream/agentstream.json[c])
//  4. AGENTSTREAM_CONFIG file
//  5. environment variables, after loading <dir>/.env without overriding
//     variables that are already set
//
// Missing files are skipped; a file that exists but does not parse is an error.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		loaded[abs] = true
		err = loadConfigFile(path, cfg)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var paths []string
	global := GetPaths().Config
	paths = append(paths,
		filepath.Join(global, appName+".json"),
		filepath.Join(global, appName+".jsonc"),
	)
	if directory != "" {
		projectDir := filepath.Join(directory, "."+appName)
		paths = append(paths,
			filepath.Join(directory, appName+".json"),
			filepath.Join(directory, appName+".jsonc"),
			filepath.Join(projectDir, appName+".json"),
			filepath.Join(projectDir, appName+".jsonc"),
		)
	}
	if p := os.Getenv(EnvConfig); p != "" {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvConfig, err)
		}
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := loadOnce(p); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that are interpreted by the client.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server url %q", c.Server.URL)
	}
	mode, err := types.ParseAgentMode(string(c.AgentMode))
	if err != nil {
		return err
	}
	c.AgentMode = mode
	if c.Stream.MaxMalformedFragments < 0 {
		return fmt.Errorf("stream.maxMalformedFragments must not be negative")
	}
	return nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(jsonc.ToJSON(data), filepath.Dir(path))

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	merge(cfg, &file)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders. File contents
// are trimmed and escaped for use inside a JSON string.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return jsonEscape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		p := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(p, "~/") {
			p = filepath.Join(os.Getenv("HOME"), p[2:])
		} else if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return match
		}
		return jsonEscape(strings.TrimSpace(string(content)))
	})
	return []byte(str)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func merge(target, source *Config) {
	if source.Server.URL != "" {
		target.Server.URL = source.Server.URL
	}
	if source.Server.APIKey != "" {
		target.Server.APIKey = source.Server.APIKey
	}
	if source.AgentMode != "" {
		target.AgentMode = source.AgentMode
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Stream.MaxMalformedFragments != 0 {
		target.Stream.MaxMalformedFragments = source.Stream.MaxMalformedFragments
	}
	if source.Drafts.Disabled {
		target.Drafts.Disabled = true
	}
	if source.Drafts.Dir != "" {
		target.Drafts.Dir = source.Drafts.Dir
	}
	if source.Mock.Addr != "" {
		target.Mock.Addr = source.Mock.Addr
	}
	if source.Mock.Scenarios != "" {
		target.Mock.Scenarios = source.Mock.Scenarios
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvURL); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv(EnvAgentMode); v != "" {
		cfg.AgentMode = types.AgentMode(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvDraftDir); v != "" {
		cfg.Drafts.Dir = v
	}
	if v := os.Getenv(EnvMaxMalformed); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxMalformed, err)
		}
		cfg.Stream.MaxMalformedFragments = n
	}
	return nil
}
