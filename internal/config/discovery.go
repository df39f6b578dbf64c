package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides config discovery.
const ConfigDirEnv = "PIXELDISPATCH_CONFIG_DIR"

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $PIXELDISPATCH_CONFIG_DIR, ~/.config/pixeldispatch,
// /etc/pixeldispatch, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "pixeldispatch")
		if fileExists(filepath.Join(userConfigDir, "config.yaml")) {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/pixeldispatch"
	if fileExists(filepath.Join(systemConfigDir, "config.yaml")) {
		return systemConfigDir, nil
	}

	if fileExists("./config.yaml") {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/pixeldispatch, /etc/pixeldispatch, ./config.yaml)", ConfigDirEnv)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
