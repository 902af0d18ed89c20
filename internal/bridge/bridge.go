// Package bridge converts between the flat, order-keyed block list that is
// persisted and the ProseMirror/TipTap JSON document the editor works with.
// Every function here is pure.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"ghostwriter/api/internal/orderkey"
	"ghostwriter/api/internal/screenplay"
)

// Node type names used by the editor schema. Block nodes are named after
// their block type.
const (
	// DocType is the type of the document root.
	DocType = "doc"
	// TextType is the type of the inline text children of a block node.
	TextType = "text"
)

// ErrMalformedBlock is returned when a block or node lacks a blockId or a known type.
var ErrMalformedBlock = errors.New("malformed block")

// Node is one node of the editor document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting on a text node. Marks never reach block content.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Document is the root of the editor tree.
type Document struct {
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

// ToDocument sorts blocks by order key and emits one node per block. Blocks
// sharing an order key keep their input order.
func ToDocument(blocks []screenplay.Block) (Document, error) {
	sorted := make([]screenplay.Block, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return orderkey.Compare(sorted[i].Order, sorted[j].Order) < 0
	})

	doc := Document{Type: DocType, Content: make([]Node, 0, len(sorted))}
	for _, block := range sorted {
		node, err := ToNode(block)
		if err != nil {
			return Document{}, err
		}
		doc.Content = append(doc.Content, node)
	}
	return doc, nil
}

// ToNode converts a single block.
func ToNode(block screenplay.Block) (Node, error) {
	if strings.TrimSpace(block.BlockID) == "" {
		return Node{}, fmt.Errorf("%w: block at order %q has no blockId", ErrMalformedBlock, block.Order)
	}
	if !block.Type.Valid() {
		return Node{}, fmt.Errorf("%w: block %s has type %q", ErrMalformedBlock, block.BlockID, block.Type)
	}

	attrs := map[string]any{
		"blockId": block.BlockID,
		"type":    string(block.Type),
	}
	if md := block.Metadata; !md.IsZero() {
		if md.CharacterName != nil {
			attrs["characterName"] = *md.CharacterName
		}
		if md.SceneNumber != nil {
			attrs["sceneNumber"] = *md.SceneNumber
		}
	}

	node := Node{Type: string(block.Type), Attrs: attrs}
	if block.Content != "" {
		node.Content = []Node{{Type: TextType, Text: block.Content}}
	}
	return node, nil
}

// FromNode rebuilds a block from an edited node. The node's own type attribute
// wins over the node type name.
func FromNode(node Node, scriptID, order string) (screenplay.Block, error) {
	blockID := stringAttr(node.Attrs, "blockId")
	if strings.TrimSpace(blockID) == "" {
		return screenplay.Block{}, fmt.Errorf("%w: node %q has no blockId", ErrMalformedBlock, node.Type)
	}
	typeName := stringAttr(node.Attrs, "type")
	if typeName == "" {
		typeName = node.Type
	}
	blockType, err := screenplay.ParseBlockType(typeName)
	if err != nil {
		return screenplay.Block{}, fmt.Errorf("%w: node %s: %v", ErrMalformedBlock, blockID, err)
	}

	return screenplay.Block{
		ScriptID: scriptID,
		BlockID:  blockID,
		Type:     blockType,
		Content:  TextContent(node),
		Order:    order,
		Metadata: metadataFromAttrs(node.Attrs),
	}, nil
}

// TextContent joins the text children of node in order.
func TextContent(node Node) string {
	var b strings.Builder
	for _, child := range node.Content {
		if child.Type == TextType {
			b.WriteString(child.Text)
		}
	}
	return b.String()
}

// FromDocument rebuilds the full block list of a saved document. orders maps
// blockId to the order key the block had when the document was loaded. Nodes
// whose keys still appear in ascending document order keep them; every other
// node (new or moved) gets a fresh key between its kept neighbours.
func FromDocument(doc Document, scriptID string, orders map[string]string) ([]screenplay.Block, error) {
	blocks := make([]screenplay.Block, len(doc.Content))
	seen := make(map[string]struct{}, len(doc.Content))
	for i, node := range doc.Content {
		block, err := FromNode(node, scriptID, "")
		if err != nil {
			return nil, err
		}
		if _, dup := seen[block.BlockID]; dup {
			return nil, fmt.Errorf("%w: blockId %s appears twice", ErrMalformedBlock, block.BlockID)
		}
		seen[block.BlockID] = struct{}{}
		blocks[i] = block
	}

	known := make([]string, len(blocks))
	for i, block := range blocks {
		known[i] = orders[block.BlockID]
	}
	for _, i := range keptIndexes(known) {
		blocks[i].Order = known[i]
	}

	for i := 0; i < len(blocks); {
		if blocks[i].Order != "" {
			i++
			continue
		}
		j := i
		for j < len(blocks) && blocks[j].Order == "" {
			j++
		}
		lower, upper := "", ""
		if i > 0 {
			lower = blocks[i-1].Order
		}
		if j < len(blocks) {
			upper = blocks[j].Order
		}
		keys, err := orderkey.KeysBetween(lower, upper, j-i)
		if err != nil {
			return nil, fmt.Errorf("assign order keys: %w", err)
		}
		for k, key := range keys {
			blocks[i+k].Order = key
		}
		i = j
	}
	return blocks, nil
}

// keptIndexes returns the indexes of the longest strictly increasing run of
// non-empty keys, so the fewest blocks are re-keyed.
func keptIndexes(keys []string) []int {
	tails := make([]int, 0, len(keys))
	prev := make([]int, len(keys))
	for i, key := range keys {
		prev[i] = -1
		if key == "" || orderkey.Validate(key) != nil {
			continue
		}
		pos := sort.Search(len(tails), func(n int) bool {
			return keys[tails[n]] >= key
		})
		if pos > 0 {
			prev[i] = tails[pos-1]
		}
		if pos == len(tails) {
			tails = append(tails, i)
		} else {
			tails[pos] = i
		}
	}
	if len(tails) == 0 {
		return nil
	}
	kept := make([]int, len(tails))
	for i, k := len(tails)-1, tails[len(tails)-1]; i >= 0; i, k = i-1, prev[k] {
		kept[i] = k
	}
	return kept
}

func stringAttr(attrs map[string]any, key string) string {
	value, _ := attrs[key].(string)
	return value
}

func metadataFromAttrs(attrs map[string]any) *screenplay.Metadata {
	md := &screenplay.Metadata{}
	if name, ok := attrs["characterName"].(string); ok && name != "" {
		md.CharacterName = &name
	}
	if n, ok := intAttr(attrs["sceneNumber"]); ok {
		md.SceneNumber = &n
	}
	if md.IsZero() {
		return nil
	}
	return md
}

func intAttr(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
