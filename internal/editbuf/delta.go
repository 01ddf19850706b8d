package editbuf

import (
	"errors"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
)

// Op names a delta operation.
type Op string

const (
	OpSetContent Op = "set_content" // replace the whole tree with Nodes
	OpAppendText Op = "append_text" // append Text to the node at Path
	OpSetText    Op = "set_text"    // replace the text of the node at Path
	OpInsertNode Op = "insert_node" // insert Nodes before index Path[len-1] of the parent at Path[:len-1]
	OpRemoveNode Op = "remove_node" // remove the node at Path
	OpSetMeta    Op = "set_meta"    // replace Key's values with Values
	OpAddMeta    Op = "add_meta"    // add each of Values to Key
	OpRemoveMeta Op = "remove_meta" // remove each of Values from Key
	OpDeleteMeta Op = "delete_meta" // drop Key
)

// Delta is one recorded change. Nodes are addressed by a path of child
// indexes from the root list, so [1 0] is the first child of the second
// top-level node.
type Delta struct {
	Op     Op            `json:"op" yaml:"op"`
	Path   []int         `json:"path,omitempty" yaml:"path,omitempty"`
	Text   string        `json:"text,omitempty" yaml:"text,omitempty"`
	Nodes  []models.Node `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Key    string        `json:"key,omitempty" yaml:"key,omitempty"`
	Values []string      `json:"values,omitempty" yaml:"values,omitempty"`
}

func (d Delta) Validate() error {
	isMeta := slices.Contains([]Op{OpSetMeta, OpAddMeta, OpRemoveMeta, OpDeleteMeta}, d.Op)
	needsPath := slices.Contains([]Op{OpAppendText, OpSetText, OpInsertNode, OpRemoveNode}, d.Op)
	return validation.ValidateStruct(&d,
		validation.Field(&d.Op, validation.Required, validation.In(
			OpSetContent, OpAppendText, OpSetText, OpInsertNode, OpRemoveNode,
			OpSetMeta, OpAddMeta, OpRemoveMeta, OpDeleteMeta,
		)),
		validation.Field(&d.Path, validation.When(needsPath, validation.Required)),
		validation.Field(&d.Key, validation.When(isMeta, validation.Required)),
		validation.Field(&d.Nodes,
			validation.When(d.Op == OpInsertNode, validation.Required),
			validation.By(typedNodes)),
	)
}

func typedNodes(value any) error {
	nodes, _ := value.([]models.Node)
	var bad error
	models.Walk(nodes, func(n models.Node) bool {
		if n.Type == "" && bad == nil {
			bad = errors.New("node without type")
		}
		return bad == nil
	})
	return bad
}

// Apply applies delta to d in place. A failing delta leaves d unchanged.
func Apply(d *models.Draft, delta Delta) error {
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("editbuf: %s: %w: %v", delta.Op, apperr.ErrInvalidArgument, err)
	}
	switch delta.Op {
	case OpSetContent:
		d.Content = models.CloneNodes(delta.Nodes)
	case OpAppendText, OpSetText:
		n, err := nodeAt(d.Content, delta.Path)
		if err != nil {
			return err
		}
		if delta.Op == OpAppendText {
			n.Text += delta.Text
		} else {
			n.Text = delta.Text
		}
	case OpInsertNode:
		list, i, err := slot(&d.Content, delta.Path)
		if err != nil {
			return err
		}
		if i > len(*list) {
			return pathErr(delta.Path)
		}
		*list = slices.Insert(*list, i, models.CloneNodes(delta.Nodes)...)
	case OpRemoveNode:
		list, i, err := slot(&d.Content, delta.Path)
		if err != nil {
			return err
		}
		if i >= len(*list) {
			return pathErr(delta.Path)
		}
		*list = slices.Delete(*list, i, i+1)
	case OpSetMeta, OpAddMeta, OpRemoveMeta, OpDeleteMeta:
		if d.Metadata == nil {
			d.Metadata = models.Metadata{}
		}
		applyMeta(d.Metadata, delta)
	}
	return nil
}

func applyMeta(md models.Metadata, delta Delta) {
	switch delta.Op {
	case OpSetMeta:
		if len(delta.Values) == 0 {
			delete(md, delta.Key)
		} else {
			md[delta.Key] = slices.Clone(delta.Values)
		}
	case OpAddMeta:
		for _, v := range delta.Values {
			md.Add(delta.Key, v)
		}
	case OpRemoveMeta:
		for _, v := range delta.Values {
			md.Remove(delta.Key, v)
		}
	case OpDeleteMeta:
		delete(md, delta.Key)
	}
}

func nodeAt(nodes []models.Node, path []int) (*models.Node, error) {
	var n *models.Node
	for _, i := range path {
		if i < 0 || i >= len(nodes) {
			return nil, pathErr(path)
		}
		n = &nodes[i]
		nodes = n.Children
	}
	return n, nil
}

// slot resolves path to the list holding its last element and that index.
func slot(root *[]models.Node, path []int) (*[]models.Node, int, error) {
	list := root
	if len(path) > 1 {
		parent, err := nodeAt(*root, path[:len(path)-1])
		if err != nil {
			return nil, 0, err
		}
		list = &parent.Children
	}
	i := path[len(path)-1]
	if i < 0 {
		return nil, 0, pathErr(path)
	}
	return list, i, nil
}

func pathErr(path []int) error {
	return fmt.Errorf("editbuf: %w: no node at path %v", apperr.ErrInvalidArgument, path)
}
