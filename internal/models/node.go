package models

import "strings"

// Known node kinds. Any other tag is treated as an opaque node.
const (
	KindText      = "text"
	KindParagraph = "paragraph"
	KindHeading   = "heading"
	KindList      = "list"
	KindItem      = "item"
	KindCode      = "code"
	KindQuote     = "quote"
)

// Node is one element of a content tree: a type tag, a text payload and
// ordered children.
type Node struct {
	Type     string `json:"type" yaml:"type"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	Children []Node `json:"children,omitempty" yaml:"children,omitempty"`
}

// Text is a shorthand for a leaf text node.
func Text(s string) Node {
	return Node{Type: KindText, Text: s}
}

// IsKnown reports whether the node kind is one the engine understands.
func (n Node) IsKnown() bool {
	switch n.Type {
	case KindText, KindParagraph, KindHeading, KindList, KindItem, KindCode, KindQuote:
		return true
	default:
		return false
	}
}

// Walk visits nodes depth-first in document order. Returning false from fn
// skips the node's children.
func Walk(nodes []Node, fn func(n Node) bool) {
	for _, n := range nodes {
		if fn(n) {
			Walk(n.Children, fn)
		}
	}
}

// PlainText concatenates the text of every known node, one per line.
func PlainText(nodes []Node) string {
	var b strings.Builder
	Walk(nodes, func(n Node) bool {
		if n.IsKnown() && n.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(n.Text)
		}
		return true
	})
	return b.String()
}

// CloneNodes deep-copies a content tree.
func CloneNodes(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = Node{Type: n.Type, Text: n.Text, Children: CloneNodes(n.Children)}
	}
	return out
}

// NodesEqual compares two trees structurally. Nil and empty child lists are equal.
func NodesEqual(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Text != b[i].Text {
			return false
		}
		if !NodesEqual(a[i].Children, b[i].Children) {
			return false
		}
	}
	return true
}
