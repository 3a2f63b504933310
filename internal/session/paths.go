// Package session resolves per-session directories and names under
// ~/.souqtalk. Each session owns its projection db, media spool, logs
// and daemon lock.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.souqtalk.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".souqtalk")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// DBPath returns the session's projection database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "souqtalk.db")
}

// MediaSpoolDir returns where outgoing attachments are staged until their
// upload is durably committed.
func MediaSpoolDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "souqtalkd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with restricted permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), MediaSpoolDir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
