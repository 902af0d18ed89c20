// Package screenplay holds the block model shared by storage, the document
// bridge and the HTTP layer.
package screenplay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BlockType is one screenplay element kind. The set is closed.
type BlockType string

const (
	SceneHeading  BlockType = "sceneHeading"
	Action        BlockType = "action"
	Character     BlockType = "character"
	Dialogue      BlockType = "dialogue"
	Parenthetical BlockType = "parenthetical"
	Transition    BlockType = "transition"
	Shot          BlockType = "shot"
)

var ErrUnknownBlockType = errors.New("unknown block type")

// AllBlockTypes lists every block type in Tab-cycle order.
func AllBlockTypes() []BlockType {
	return []BlockType{SceneHeading, Action, Character, Dialogue, Parenthetical, Transition, Shot}
}

// Valid reports whether t is one of the seven screenplay block types.
func (t BlockType) Valid() bool {
	switch t {
	case SceneHeading, Action, Character, Dialogue, Parenthetical, Transition, Shot:
		return true
	default:
		return false
	}
}

// ParseBlockType converts a wire value to a BlockType, failing with
// ErrUnknownBlockType for anything outside AllBlockTypes.
func ParseBlockType(value string) (BlockType, error) {
	t := BlockType(value)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBlockType, value)
	}
	return t, nil
}

// Metadata holds optional per-type fields. They never affect ordering or identity.
type Metadata struct {
	CharacterName *string `json:"characterName,omitempty"`
	SceneNumber   *int    `json:"sceneNumber,omitempty"`
}

// IsZero reports whether m is nil or sets no field.
func (m *Metadata) IsZero() bool {
	return m == nil || (m.CharacterName == nil && m.SceneNumber == nil)
}

// Block is one screenplay element.
type Block struct {
	ScriptID string    `json:"scriptId"`
	BlockID  string    `json:"blockId"`
	Type     BlockType `json:"type"`
	Content  string    `json:"content"`
	Order    string    `json:"order"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

type Script struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBlockID returns a fresh client-style block identity.
func NewBlockID() string {
	return uuid.NewString()
}

// ValidBlockID reports whether id is a UUID.
func ValidBlockID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
