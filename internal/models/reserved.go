package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Reserved metadata namespaces.
const (
	RelPrefix  = "rel:"
	BlobPrefix = "blob:"
)

// RelKey returns the metadata key holding edges of the given type.
func RelKey(relType string) string {
	return RelPrefix + relType
}

// RelType extracts the relationship type from a reserved key.
func RelType(key string) (string, bool) {
	if !strings.HasPrefix(key, RelPrefix) || len(key) == len(RelPrefix) {
		return "", false
	}
	return key[len(RelPrefix):], true
}

// Relationship is a typed directed edge derived from a note's head metadata.
type Relationship struct {
	From NoteID `json:"from"`
	To   NoteID `json:"to"`
	Type string `json:"type"`
}

var blobRefRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// BlobRef is a content address of the form "sha256:<hex>".
type BlobRef string

// ParseBlobRef validates a blob reference.
func ParseBlobRef(s string) (BlobRef, error) {
	if !blobRefRe.MatchString(s) {
		return "", fmt.Errorf("invalid blob ref %q", s)
	}
	return BlobRef(s), nil
}

// Digest returns the hex digest part of the reference.
func (r BlobRef) Digest() string {
	return strings.TrimPrefix(string(r), "sha256:")
}
