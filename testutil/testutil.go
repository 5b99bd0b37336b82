// Package testutil provides shared test utilities for pool tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "pool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// PoolLayout creates the on-disk layout of an initialized pool under base:
// the setup file plus the data and control directories.
func PoolLayout(t *testing.T, base string) (dataDir, controlDir string) {
	t.Helper()
	dataDir = filepath.Join(base, "data")
	controlDir = filepath.Join(base, "control")
	for _, dir := range []string{dataDir, controlDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "setup"), nil, 0644); err != nil {
		t.Fatalf("failed to write setup file: %v", err)
	}
	return dataDir, controlDir
}

// WriteDataFile writes size zero bytes to dir/name and sets its
// modification time to mtime. It returns the file path.
func WriteDataFile(t *testing.T, dir, name string, size int, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("failed to write data file: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
	return path
}
