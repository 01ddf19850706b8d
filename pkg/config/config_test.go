package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func TestDecodeKeepsDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "folio")
	s := &sample{Name: "default", Port: 80}
	if err := Decode([]byte("name: ${SAMPLE_NAME}\n"), s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "folio" || s.Port != 80 {
		t.Errorf("got %+v", s)
	}
}

func TestDecodeValidates(t *testing.T) {
	s := &sample{}
	if err := Decode([]byte("port: 0\n"), s); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := &sample{Port: 1}
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), s)
	if !errors.Is(err, ErrNoFile) {
		t.Fatalf("err = %v, want ErrNoFile", err)
	}

	read, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), s)
	if err != nil || read {
		t.Fatalf("LoadOptional = %v, %v", read, err)
	}

	bad := &sample{}
	if _, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), bad); err == nil {
		t.Fatal("invalid defaults should still fail")
	}
}

func TestLoadOptionalReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("port: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &sample{Port: 1}
	read, err := LoadOptional(path, s)
	if err != nil || !read || s.Port != 9 {
		t.Fatalf("read=%v err=%v s=%+v", read, err, s)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("port: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Load(path, &sample{Port: 1}); err == nil || errors.Is(err, ErrNoFile) {
		t.Fatalf("err = %v", err)
	}
}
