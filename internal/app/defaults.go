package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables overriding the default locations.
const (
	EnvConfigPath = "DEPLOY_CONFIG_PATH"
	EnvHome       = "DEPLOY_HOME"
)

// Paths are the locations a fresh install uses before any config exists.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths. An explicit DEPLOY_* variable wins, then the
// XDG base directories, then the home directory.
func DefaultPaths() (Paths, error) {
	configPath, err := resolve(EnvConfigPath, "XDG_CONFIG_HOME", []string{".config"}, "deploy.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := resolve(EnvHome, "XDG_DATA_HOME", []string{".local", "share"}, "deploy")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func resolve(env, xdgEnv string, homeRel []string, name string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}
	if dir := os.Getenv(xdgEnv); dir != "" {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{home}, homeRel...), name)...), nil
}
