package jsonutils

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFile marshals data into pretty JSON and writes it at path with WriteFileAtomic.
func WriteFile(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	return WriteFileAtomic(path, b)
}

// WriteFileAtomic replaces the file at path with b. The bytes are written to a temporary file in
// the same directory, flushed to disk and renamed over the target, so a reader observes either the
// previous content or the new content, never a partial write. The parent directory is synced
// afterwards so the rename itself survives a crash.
func WriteFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err = os.Chmod(tmpPath, 0600); err != nil {
		cleanup()

		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		cleanup()

		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err = d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}

	return nil
}

// LoadFromFS loads a JSON file from the filesystem, instantiates and unmarshals it into T.
func LoadFromFS[T any](fs fs.ReadFileFS, path string) (T, error) {
	var v T

	f, err := fs.ReadFile(path)
	if err != nil {
		return v, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err = json.Unmarshal(f, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal JSON at path %s: %w", path, err)
	}

	return v, nil
}
