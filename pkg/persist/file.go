package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Save writes a record to path through a temporary file in the same
// directory, so readers never see a partial record
func Save(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		return fmt.Errorf("error creating record file: %w", err)
	}
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing record: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load opens path and hands it to read
func Load[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("error opening record: %w", err)
	}
	defer f.Close()
	return read(f)
}
