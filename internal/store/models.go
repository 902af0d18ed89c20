package store

import (
	"errors"
	"time"

	"ghostwriter/api/internal/screenplay"
)

var (
	// ErrVersionConflict means the block changed since the caller last read it.
	ErrVersionConflict = errors.New("block version conflict")
	// ErrOrderConflict means another block in the script already holds the order key.
	ErrOrderConflict = errors.New("order key already in use")
	// ErrDuplicateBlock means the blockId already exists in the script.
	ErrDuplicateBlock = errors.New("block already exists")
)

type User struct {
	ID          string
	DisplayName string
	Color       string
	CreatedAt   time.Time
}

// Block is a persisted screenplay block. ID is the storage identity and is
// never exposed as, or confused with, BlockID.
type Block struct {
	screenplay.Block
	ID        int64
	Version   int64
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BlockPatch updates a block in place. Nil fields are left unchanged. A zero
// ExpectedVersion skips the version check.
type BlockPatch struct {
	ScriptID        string
	BlockID         string
	Content         *string
	Type            *screenplay.BlockType
	Order           *string
	Metadata        *screenplay.Metadata
	ExpectedVersion int64
	UpdatedBy       string
}

// BlockDelete removes a block from a saved document. A zero ExpectedVersion
// skips the version check.
type BlockDelete struct {
	BlockID         string
	ExpectedVersion int64
}

type Collaborator struct {
	ScriptID   string
	UserID     string
	UserName   string
	Permission string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PresenceRecord struct {
	ScriptID      string    `json:"scriptId"`
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	UserColor     string    `json:"userColor"`
	ActiveBlockID string    `json:"activeBlockId,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	Label     string
	CreatedAt time.Time
}
