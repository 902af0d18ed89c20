package gitrepo

import "ghostwriter/api/internal/screenplay"

// Changes summarises how the blocks of two snapshots differ, matched by blockId.
type Changes struct {
	TitleChanged bool     `json:"titleChanged"`
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	Edited       []string `json:"edited"`
	Moved        []string `json:"moved"`
}

func (c Changes) Changed() bool {
	return c.TitleChanged || len(c.Added) > 0 || len(c.Removed) > 0 || len(c.Edited) > 0 || len(c.Moved) > 0
}

// Diff compares two snapshots. A block is edited when its type, content or
// metadata changed, and moved when its order key changed.
func Diff(from, to Snapshot) Changes {
	changes := Changes{
		TitleChanged: from.Title != to.Title || from.Author != to.Author,
		Added:        []string{},
		Removed:      []string{},
		Edited:       []string{},
		Moved:        []string{},
	}

	before := make(map[string]screenplay.Block, len(from.Blocks))
	for _, b := range from.Blocks {
		before[b.BlockID] = b
	}
	seen := make(map[string]struct{}, len(to.Blocks))
	for _, b := range to.Blocks {
		seen[b.BlockID] = struct{}{}
		old, ok := before[b.BlockID]
		if !ok {
			changes.Added = append(changes.Added, b.BlockID)
			continue
		}
		if old.Type != b.Type || old.Content != b.Content || !sameMetadata(old.Metadata, b.Metadata) {
			changes.Edited = append(changes.Edited, b.BlockID)
		}
		if old.Order != b.Order {
			changes.Moved = append(changes.Moved, b.BlockID)
		}
	}
	for _, b := range from.Blocks {
		if _, ok := seen[b.BlockID]; !ok {
			changes.Removed = append(changes.Removed, b.BlockID)
		}
	}
	return changes
}

func sameMetadata(a, b *screenplay.Metadata) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return equalPtr(a.CharacterName, b.CharacterName) && equalPtr(a.SceneNumber, b.SceneNumber)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
