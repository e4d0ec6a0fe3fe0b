package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.xipher.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".xipher")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// SecretsPath returns the secret store path.
func SecretsPath() string {
	return filepath.Join(BaseDir(), "secrets.db")
}

// LockPath returns the single-instance lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "xipherd.log")
}

// EnsureDirs creates the state directory tree with restricted permissions.
func EnsureDirs() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
