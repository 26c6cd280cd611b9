package config

import (
	"os"
	"path/filepath"
)

// Paths contains the standard XDG paths for sessionmux data.
type Paths struct {
	Data   string // ~/.local/share/sessionmux
	Config string // ~/.config/sessionmux
	State  string // ~/.local/state/sessionmux
}

// GetPaths returns the standard paths for sessionmux data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultHome(".local", "share")), "sessionmux"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultHome(".config")), "sessionmux"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultHome(".local", "state")), "sessionmux"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the SQLite database path under a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "sessionmux.db")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultHome(elem ...string) string {
	return filepath.Join(append([]string{os.Getenv("HOME")}, elem...)...)
}
