package core

import (
	"os"
	"path/filepath"
)

// Paths locates the durable stores under a data directory.
type Paths struct {
	Root     string
	KVPath   string
	BlobPath string
}

// DefaultDataDir returns ~/.local/share/threadline.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "threadline"), nil
}

// EnsurePaths creates the data directory and returns the store locations.
func EnsurePaths(dataDir string) (Paths, error) {
	root, err := filepath.Abs(dataDir)
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Paths{}, err
	}
	blob := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blob, 0o755); err != nil {
		return Paths{}, err
	}
	return Paths{
		Root:     root,
		KVPath:   filepath.Join(root, "threadline.db"),
		BlobPath: blob,
	}, nil
}
