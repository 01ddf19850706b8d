package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks in-flight writes. Files carrying it are never adopted.
const TempPrefix = ".folio-tmp-"

// IsTemp reports whether name is an in-flight write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// writeTemp writes content to a fresh temp file in dir and fsyncs it.
func writeTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp: %w", err)
	}
	return name, nil
}

// WriteFileAtomic replaces path: tmp file → fsync → rename.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := writeTemp(dir, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	_ = syncDir(dir)
	return nil
}

// CreateFileExclusive publishes content at path only if nothing exists there:
// tmp file → fsync → hard link. An existing target yields fs.ErrExist and is
// left untouched.
func CreateFileExclusive(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := writeTemp(dir, content)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("link: %w", err)
	}
	_ = syncDir(dir)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
