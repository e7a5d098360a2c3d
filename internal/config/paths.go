// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "agentstream"

// Paths contains the standard per-user directories.
type Paths struct {
	Data   string // ~/.local/share/agentstream
	Config string // ~/.config/agentstream
}

// GetPaths returns the standard paths, honouring XDG overrides.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), appName),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), appName),
	}
}

// StoragePath is where the KV store (drafts) lives.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogFile is where the CLI writes its log when logs are not printed.
func (p *Paths) LogFile() string {
	return filepath.Join(p.Data, "log", "agentchat.log")
}

// OpenLogFile opens LogFile for appending, creating its directory.
func (p *Paths) OpenLogFile() (*os.File, error) {
	path := p.LogFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}
