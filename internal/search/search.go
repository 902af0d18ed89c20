package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultScript ResultType = "script"
	ResultBlock  ResultType = "block"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ScriptID  string     `json:"scriptId"`
	BlockID   string     `json:"blockId,omitempty"`
	BlockType string     `json:"blockType,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterScriptID string
	// ScriptIDs restricts hits to scripts the caller may read. Nil means no restriction.
	ScriptIDs []string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ScriptRecord is the data indexed for a script.
type ScriptRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

// BlockRecord is the data indexed for a block. ID combines script and block
// ids because block ids are only unique within a script.
type BlockRecord struct {
	ID          string `json:"id"`
	ScriptID    string `json:"scriptId"`
	ScriptTitle string `json:"scriptTitle"`
	BlockID     string `json:"blockId"`
	Type        string `json:"type"`
	Content     string `json:"content"`
}

// BlockDocumentID returns the index id of a block.
func BlockDocumentID(scriptID, blockID string) string {
	return scriptID + "_" + blockID
}
