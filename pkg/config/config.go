// Package config loads YAML configuration files. ${VAR} references are
// expanded from the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNoFile is returned by Load when the file does not exist.
var ErrNoFile = errors.New("config file not found")

// Validator is implemented by targets that check themselves after decoding.
type Validator interface {
	Validate() error
}

// Decode expands environment references in data, unmarshals it over target
// and validates the result. Fields absent from data keep their current values,
// so target usually starts out holding the defaults.
func Decode[T any](data []byte, target *T) error {
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), target); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return validate(target)
}

// Load reads filename and decodes it over target.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoFile, filename)
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", filename, err)
	}
	if err := Decode(data, target); err != nil {
		return fmt.Errorf("config file %s: %w", filename, err)
	}
	return nil
}

// LoadOptional is Load, except that a missing file leaves target as is.
// The defaults are still validated. It reports whether a file was read.
func LoadOptional[T any](filename string, target *T) (bool, error) {
	err := Load(filename, target)
	if errors.Is(err, ErrNoFile) {
		return false, validate(target)
	}
	return err == nil, err
}

func validate[T any](target *T) error {
	if v, ok := any(target).(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}
