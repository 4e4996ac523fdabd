package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a ptyhub instance.
type InstancePaths struct {
	Home     string // Instance home directory
	ConfigDB string // SQLite configuration store path
	Lock     string // Daemon lock file path
	Logs     string // Logs directory
	TempDir  string // Temporary files directory
}

// GetHome returns the ptyhub root directory (~/.ptyhub), honouring
// PTYHUB_HOME for tests and non-standard setups.
func GetHome() string {
	if custom := os.Getenv("PTYHUB_HOME"); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ptyhub"
	}
	return filepath.Join(home, ".ptyhub")
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetHome(), "instances", instanceName)

	return InstancePaths{
		Home:     instanceDir,
		ConfigDB: filepath.Join(instanceDir, "config.db"),
		Lock:     filepath.Join(instanceDir, "daemon.lock"),
		Logs:     filepath.Join(instanceDir, "logs"),
		TempDir:  filepath.Join(instanceDir, "tmp"),
	}
}

// EnsureInstanceDirs creates the directory layout for an instance and
// returns its paths.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)
	for _, dir := range []string{paths.Home, paths.Logs, paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return paths, nil
}
