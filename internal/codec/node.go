package codec

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/folio/internal/models"
)

// Files are assembled as explicit yaml.Node trees so that every string gets
// a style that reads back to the same bytes. The encoder's own style choice
// breaks on leading tabs in block scalars, on merge-key lookalikes and on a
// lone newline.

var plainRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./@+-]*$`)

// Str returns a scalar holding s exactly.
//
// Multi-line text uses a literal block when it is safe to; anything
// awkward is double-quoted, which escapes every byte it needs to. Invalid
// UTF-8 is written as !!binary and decodes back into a string unchanged.
func Str(s string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	switch {
	case !utf8.ValidString(s):
		n.Tag = "!!binary"
		n.Value = base64.StdEncoding.EncodeToString([]byte(s))
	case literalSafe(s):
		n.Style = yaml.LiteralStyle
	case !plainRe.MatchString(s):
		n.Style = yaml.DoubleQuotedStyle
	}
	// Plain values that would resolve to another type (true, 12, null) are
	// quoted by the encoder because the tag is !!str.
	return n
}

// literalSafe reports whether s survives a literal block scalar: it spans
// lines, its first line sets the indentation, no line ends in or consists
// of blanks, it does not end in blank lines and it holds no characters a
// block scalar cannot carry.
func literalSafe(s string) bool {
	if !strings.Contains(s, "\n") || strings.HasSuffix(s, "\n\n") {
		return false
	}
	if s[0] == ' ' || s[0] == '\t' || s[0] == '\n' {
		return false
	}
	for _, r := range s {
		if r != '\n' && r != '\t' && !unicode.IsPrint(r) {
			return false
		}
	}
	for line := range strings.SplitSeq(strings.TrimSuffix(s, "\n"), "\n") {
		if line != strings.TrimRight(line, " \t") {
			return false
		}
	}
	return true
}

// Key returns a double-quoted mapping key, so no key is ever read as a
// merge key or a non-string.
func Key(s string) *yaml.Node {
	n := Str(s)
	if n.Tag == "!!str" {
		n.Style = yaml.DoubleQuotedStyle
	}
	return n
}

// Uint returns an integer scalar.
func Uint(v uint64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(v, 10)}
}

// Int returns an integer scalar.
func Int(v int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(v)}
}

// Bool returns a boolean scalar.
func Bool(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}
}

// Map builds a mapping from alternating field names and values. Field
// names are fixed schema words; free-form keys go through Key.
func Map(kv ...any) *yaml.Node {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Content = append(m.Content, Str(kv[i].(string)), kv[i+1].(*yaml.Node))
	}
	return m
}

// Seq builds a sequence.
func Seq(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: items}
}

// Strs builds a sequence of strings.
func Strs(vs []string) *yaml.Node {
	s := Seq()
	for _, v := range vs {
		s.Content = append(s.Content, Str(v))
	}
	return s
}

// Nodes renders a content tree. Empty text and children are omitted.
func Nodes(nodes []models.Node) *yaml.Node {
	s := Seq()
	for _, n := range nodes {
		m := Map("type", Str(n.Type))
		if n.Text != "" {
			m.Content = append(m.Content, Str("text"), Str(n.Text))
		}
		if len(n.Children) > 0 {
			m.Content = append(m.Content, Str("children"), Nodes(n.Children))
		}
		s.Content = append(s.Content, m)
	}
	return s
}

// MetadataNode renders metadata with sorted keys. Keys without values are
// dropped.
func MetadataNode(md models.Metadata) *yaml.Node {
	m := Map()
	for _, k := range md.Keys() {
		if len(md[k]) == 0 {
			continue
		}
		m.Content = append(m.Content, Key(k), Strs(md[k]))
	}
	return m
}

// Render writes header followed by root as one YAML document.
func Render(header string, root *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
