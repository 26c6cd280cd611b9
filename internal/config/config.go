// Package config loads server configuration from layered JSONC files and
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// Load merges configuration from multiple sources (priority order, later
// wins):
//  1. Global config (~/.config/sessionmux/)
//  2. Workspace config (<dir>/.sessionmux/)
//  3. SESSIONMUX_CONFIG file
//  4. SESSIONMUX_CONFIG_CONTENT inline JSON
//  5. Environment variables
func Load(directory string) (*types.Config, error) {
	cfg := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "config.json"))
	loadOnce(filepath.Join(globalDir, "config.jsonc"))

	if directory != "" {
		loadOnce(filepath.Join(directory, ".sessionmux", "config.json"))
		loadOnce(filepath.Join(directory, ".sessionmux", "config.jsonc"))
	}

	if path := os.Getenv("SESSIONMUX_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("SESSIONMUX_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = GetPaths().Data
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// loadFile loads a single JSONC config file with {env:VAR} interpolation.
func loadFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileCfg types.Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	merge(cfg, &fileCfg)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate substitutes {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *types.Config) {
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.WorkspacesRoot != "" {
		dst.WorkspacesRoot = src.WorkspacesRoot
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.RetentionDays != 0 {
		dst.RetentionDays = src.RetentionDays
	}
	if src.MaxSubscriberQueue != 0 {
		dst.MaxSubscriberQueue = src.MaxSubscriberQueue
	}
	if src.SpawnTimeoutMs != 0 {
		dst.SpawnTimeoutMs = src.SpawnTimeoutMs
	}
	if src.HeartbeatMs != 0 {
		dst.HeartbeatMs = src.HeartbeatMs
	}
	if src.PongDeadlineMs != 0 {
		dst.PongDeadlineMs = src.PongDeadlineMs
	}
	if src.DefaultShell != "" {
		dst.DefaultShell = src.DefaultShell
	}
	if src.BypassPermissions {
		dst.BypassPermissions = true
	}
	if src.AuthToken != "" {
		dst.AuthToken = src.AuthToken
	}
	if src.JobsFile != "" {
		dst.JobsFile = src.JobsFile
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// applyEnvOverrides applies SESSIONMUX_* environment variables, the
// highest-priority source.
func applyEnvOverrides(cfg *types.Config) {
	if v := os.Getenv("SESSIONMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("SESSIONMUX_WORKSPACES_ROOT"); v != "" {
		cfg.WorkspacesRoot = v
	}
	if v := os.Getenv("SESSIONMUX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SESSIONMUX_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SESSIONMUX_DEFAULT_SHELL"); v != "" {
		cfg.DefaultShell = v
	}
	if v := os.Getenv("SESSIONMUX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SESSIONMUX_BYPASS_PERMISSIONS"); v == "1" || v == "true" {
		cfg.BypassPermissions = true
	}
}
