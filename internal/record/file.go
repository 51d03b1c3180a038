// Package record holds the two file contracts shared between the worker,
// the supervisor's watchdog and the feature modules: the heartbeat written
// by the worker and the maintenance flag written by the watchdog.
//
// Both records are small JSON documents written atomically (temporary file
// in the same directory, fsync, rename, parent directory fsync) so a reader
// never observes a partially written record.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ErrMalformed reports a record file that exists but cannot be decoded.
var ErrMalformed = errors.New("malformed record")

// writeJSON atomically replaces path with the JSON encoding of v.
// Missing parent directories are created.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmp := file.Name()

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temporary file: %w", err)
	}
	// CreateTemp uses 0600; readers run as other users in some deployments.
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// readJSON decodes path into v. A missing file is returned unwrapped from
// os.ReadFile so callers can test it with errors.Is(err, os.ErrNotExist).
func readJSON(path string, v any) error {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrMalformed, path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}
