// Package codec serializes note versions to and from a human-readable YAML file.
package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
)

// Header is the first line of every note file.
const Header = "# folio note v1\n"

var lineRe = regexp.MustCompile(`line (\d+)`)

type fileNode struct {
	Type     string     `yaml:"type"`
	Text     string     `yaml:"text,omitempty"`
	Children []fileNode `yaml:"children,omitempty"`
}

type file struct {
	Note     string              `yaml:"note"`
	Version  uint64              `yaml:"version"`
	Parent   uint64              `yaml:"parent"`
	Deleted  bool                `yaml:"deleted"`
	Created  string              `yaml:"created"`
	Metadata map[string][]string `yaml:"metadata,omitempty"`
	Content  []fileNode          `yaml:"content,omitempty"`
}

// Encode renders v as a YAML document.
func Encode(v models.Version) ([]byte, error) {
	if _, err := models.ParseNoteID(string(v.NoteID)); err != nil {
		return nil, fmt.Errorf("codec: encode: %w: %v", apperr.ErrInvalidArgument, err)
	}
	if v.ID == 0 || v.Parent >= v.ID {
		return nil, fmt.Errorf("codec: encode: %w: version %d with parent %d", apperr.ErrInvalidArgument, v.ID, v.Parent)
	}
	for _, n := range v.Content {
		if err := checkNode(n); err != nil {
			return nil, fmt.Errorf("codec: encode: %w: %v", apperr.ErrInvalidArgument, err)
		}
	}

	for k, vs := range v.Metadata {
		if len(vs) > 0 && (k == "" || !utf8.ValidString(k)) {
			return nil, fmt.Errorf("codec: encode: %w: metadata key %q", apperr.ErrInvalidArgument, k)
		}
	}

	root := Map(
		"note", Str(string(v.NoteID)),
		"version", Uint(uint64(v.ID)),
		"parent", Uint(uint64(v.Parent)),
		"deleted", Bool(v.Deleted),
		"created", Str(v.CreatedAt.UTC().Format(time.RFC3339Nano)),
	)
	if md := MetadataNode(v.Metadata); len(md.Content) > 0 {
		root.Content = append(root.Content, Str("metadata"), md)
	}
	if len(v.Content) > 0 {
		root.Content = append(root.Content, Str("content"), Nodes(v.Content))
	}
	out, err := Render(Header, root)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return out, nil
}

// Decode parses a note file. Any failure is reported as *apperr.CorruptFormatError.
func Decode(data []byte) (models.Version, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.Version{}, corrupt(lineFromError(err), err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return models.Version{}, corrupt(0, errors.New("empty document"))
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return models.Version{}, corrupt(root.Line, errors.New("top level is not a mapping"))
	}

	var f file
	if err := root.Decode(&f); err != nil {
		return models.Version{}, corrupt(lineFromError(err), err)
	}

	id, err := models.ParseNoteID(f.Note)
	if err != nil {
		return models.Version{}, corrupt(lineOf(root, "note"), err)
	}
	if f.Version == 0 {
		return models.Version{}, corrupt(lineOf(root, "version"), errors.New("missing or zero version"))
	}
	if f.Parent >= f.Version {
		return models.Version{}, corrupt(lineOf(root, "parent"), fmt.Errorf("parent %d not below version %d", f.Parent, f.Version))
	}
	created, err := time.Parse(time.RFC3339Nano, f.Created)
	if err != nil {
		return models.Version{}, corrupt(lineOf(root, "created"), err)
	}
	content, err := fromFileNodes(f.Content)
	if err != nil {
		return models.Version{}, corrupt(lineOf(root, "content"), err)
	}

	md := make(models.Metadata, len(f.Metadata))
	for k, vs := range f.Metadata {
		if k == "" {
			return models.Version{}, corrupt(lineOf(root, "metadata"), errors.New("empty metadata key"))
		}
		if len(vs) > 0 {
			md[k] = vs
		}
	}

	return models.Version{
		NoteID:    id,
		ID:        models.VersionID(f.Version),
		Parent:    models.VersionID(f.Parent),
		Content:   content,
		Metadata:  md,
		CreatedAt: created,
		Deleted:   f.Deleted,
	}, nil
}

func checkNode(n models.Node) error {
	if n.Type == "" {
		return errors.New("node without type")
	}
	for _, c := range n.Children {
		if err := checkNode(c); err != nil {
			return err
		}
	}
	return nil
}

func fromFileNodes(nodes []fileNode) ([]models.Node, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	out := make([]models.Node, len(nodes))
	for i, n := range nodes {
		if n.Type == "" {
			return nil, fmt.Errorf("node %d has no type", i)
		}
		children, err := fromFileNodes(n.Children)
		if err != nil {
			return nil, err
		}
		out[i] = models.Node{Type: n.Type, Text: n.Text, Children: children}
	}
	return out, nil
}

// lineOf returns the line of key's value inside a mapping node, or the mapping's line.
func lineOf(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1].Line
		}
	}
	return m.Line
}

func lineFromError(err error) int {
	if m := lineRe.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func corrupt(line int, err error) error {
	return &apperr.CorruptFormatError{Line: line, Err: err}
}
