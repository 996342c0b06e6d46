package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.convsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the cache directory of one participant under root. An empty
// root means BaseDir().
func Dir(root, participant string) string {
	if root == "" {
		root = BaseDir()
	}
	return filepath.Join(root, "participants", participant)
}

// CacheDBPath returns the SQLite cache path of a participant.
func CacheDBPath(root, participant string) string {
	return filepath.Join(Dir(root, participant), "cache.db")
}

// BadgerDir returns the badger cache directory of a participant.
func BadgerDir(root, participant string) string {
	return filepath.Join(Dir(root, participant), "badger")
}

// LogDir returns the log directory of a participant.
func LogDir(root, participant string) string {
	return filepath.Join(Dir(root, participant), "logs")
}

// LogPath returns the engine log file path of a participant.
func LogPath(root, participant string) string {
	return filepath.Join(LogDir(root, participant), "convsync.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the participant directory tree with proper permissions.
func EnsureDir(root, participant string) error {
	dirs := []string{
		Dir(root, participant),
		LogDir(root, participant),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
