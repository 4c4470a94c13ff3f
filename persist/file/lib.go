package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Persist implements the castore.Persist interface for storing and
// loading blobs from files.
type Persist struct {
	basepath string
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.basepath, name))
}

// Store persists the given bytes in a file of the given name, if it
// doesn't exist already. The file appears atomically.
func (p Persist) Store(ctx context.Context, name string, bytes []byte) error {
	path := filepath.Join(p.basepath, name)
	_, err := os.Stat(path)
	if !os.IsNotExist(err) {
		return err
	}
	tmp, err := os.CreateTemp(p.basepath, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

// NewPersistForPath returns a Persist that loads and stores blobs as
// files in the directory at the given path, creating it if needed.
//
//	p, err := NewPersistForPath("/var/db/users")
//	blob, err := p.Load(ctx, "mO0a7q3k5JYtpnWZ2cWkJfT1v2VhG1tZy3qQ2kz0lAI")
func NewPersistForPath(path string) (Persist, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Persist{}, fmt.Errorf("create %s: %w", path, err)
	}
	return Persist{path}, nil
}
