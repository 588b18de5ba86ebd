package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - Linux (root): /var/lib/hydromatic/
//   - Linux:        ~/.local/share/hydromatic/
//   - macOS:        ~/Library/Application Support/hydromatic/
//
// Falls back to ~/.hydromatic if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux", "freebsd":
		return unixDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - Linux (root): /etc/hydromatic/
//   - Linux:        ~/.config/hydromatic/
//   - macOS:        ~/Library/Application Support/hydromatic/
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux", "freebsd":
		return unixConfigDir()
	default:
		return fallbackDataDir()
	}
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "hydromatic")
}

// System daemons use FHS paths; user sessions follow XDG.

func unixDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/hydromatic"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "hydromatic")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "hydromatic")
}

func unixConfigDir() string {
	if os.Geteuid() == 0 {
		return "/etc/hydromatic"
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hydromatic")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hydromatic")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hydromatic")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	// 3. Data directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
		HydromaticDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
