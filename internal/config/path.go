package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks where queue data lives when data_dir is not set.
// Resolution order: $XDG_DATA_HOME, then the first conventional platform
// location that exists, then a dotdir under home. Without a home directory
// it degrades to ./data relative to the working directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "courier")
	}

	candidates := []struct {
		parent string
		dir    string
	}{
		{"/var/lib", "/var/lib/courier"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Courier")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Courier")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, ".courier")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
