// Package models defines the domain types for folio.
package models

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var noteIDRe = regexp.MustCompile(`^[0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)

// NoteID is the immutable identifier of a note: a lowercase hyphenated UUID.
type NoteID string

// NewNoteID allocates a fresh random identifier.
func NewNoteID() NoteID {
	return NoteID(uuid.NewString())
}

// ParseNoteID accepts only the canonical lowercase form. The nil UUID is rejected.
func ParseNoteID(s string) (NoteID, error) {
	if !noteIDRe.MatchString(s) {
		return "", fmt.Errorf("invalid note id %q", s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid note id %q: %w", s, err)
	}
	if u == uuid.Nil {
		return "", fmt.Errorf("invalid note id %q: nil id", s)
	}
	return NoteID(s), nil
}

// String implements fmt.Stringer.
func (id NoteID) String() string { return string(id) }

// VersionID is a per-note sequence number. The first version is 1; 0 means "none".
type VersionID uint64

// ParseVersionID parses a decimal version number.
func ParseVersionID(s string) (VersionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid version id %q", s)
	}
	return VersionID(n), nil
}

// String implements fmt.Stringer.
func (v VersionID) String() string { return strconv.FormatUint(uint64(v), 10) }

// Version is an immutable snapshot of a note.
type Version struct {
	NoteID    NoteID    `json:"note_id"`
	ID        VersionID `json:"version"`
	Parent    VersionID `json:"parent"`
	Content   []Node    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Draft returns the mutable parts of v, deep-copied.
func (v Version) Draft() Draft {
	return Draft{
		Content:  CloneNodes(v.Content),
		Metadata: v.Metadata.Clone(),
		Deleted:  v.Deleted,
	}
}

// Equal reports whether two versions carry the same identity and payload.
// Nil and empty collections compare equal.
func (v Version) Equal(o Version) bool {
	return v.NoteID == o.NoteID &&
		v.ID == o.ID &&
		v.Parent == o.Parent &&
		v.Deleted == o.Deleted &&
		v.CreatedAt.Equal(o.CreatedAt) &&
		v.Metadata.Equal(o.Metadata) &&
		NodesEqual(v.Content, o.Content)
}

// Draft is the payload of a version that is about to be written.
type Draft struct {
	Content  []Node   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// Equal reports whether two drafts carry the same payload.
func (d Draft) Equal(o Draft) bool {
	return d.Deleted == o.Deleted && d.Metadata.Equal(o.Metadata) && NodesEqual(d.Content, o.Content)
}

// Metadata maps a key to one or more ordered string values.
type Metadata map[string][]string

// Get returns the first value for key, or "".
func (m Metadata) Get(key string) string {
	if vs := m[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether key carries value.
func (m Metadata) Has(key, value string) bool {
	return slices.Contains(m[key], value)
}

// Add appends value under key unless it is already present. It reports whether m changed.
func (m Metadata) Add(key, value string) bool {
	if m.Has(key, value) {
		return false
	}
	m[key] = append(m[key], value)
	return true
}

// Remove drops value from key, deleting the key once empty. It reports whether m changed.
func (m Metadata) Remove(key, value string) bool {
	vs := m[key]
	i := slices.Index(vs, value)
	if i < 0 {
		return false
	}
	vs = slices.Delete(slices.Clone(vs), i, i+1)
	if len(vs) == 0 {
		delete(m, key)
	} else {
		m[key] = vs
	}
	return true
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a deep copy. A nil map clones to an empty one.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, vs := range m {
		out[k] = slices.Clone(vs)
	}
	return out
}

// Equal compares key sets and per-key value order. Keys without values are ignored.
func (m Metadata) Equal(o Metadata) bool {
	if m.nonEmpty() != o.nonEmpty() {
		return false
	}
	for k, vs := range m {
		if len(vs) == 0 {
			continue
		}
		if !slices.Equal(vs, o[k]) {
			return false
		}
	}
	return true
}

func (m Metadata) nonEmpty() int {
	n := 0
	for _, vs := range m {
		if len(vs) > 0 {
			n++
		}
	}
	return n
}
