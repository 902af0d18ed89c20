package search

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
)

type fakeIndex struct {
	healthy   bool
	searchErr error
	results   []Result
	scripts   map[string]ScriptRecord
	blocks    map[string]BlockRecord
	lastQuery Query
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{healthy: true, scripts: map[string]ScriptRecord{}, blocks: map[string]BlockRecord{}}
}

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexScripts(scripts []ScriptRecord) error {
	for _, s := range scripts {
		f.scripts[s.ID] = s
	}
	return nil
}

func (f *fakeIndex) IndexBlocks(blocks []BlockRecord) error {
	for _, b := range blocks {
		f.blocks[b.ID] = b
	}
	return nil
}

func (f *fakeIndex) BlockIDs(scriptID string) ([]string, error) {
	var ids []string
	for id, b := range f.blocks {
		if b.ScriptID == scriptID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeIndex) DeleteScript(id string) error {
	delete(f.scripts, id)
	return nil
}

func (f *fakeIndex) DeleteBlock(documentID string) error {
	delete(f.blocks, documentID)
	return nil
}

type fakeFallback struct {
	results []Result
	scripts []ScriptRecord
	blocks  []BlockRecord
	called  bool
}

func (f *fakeFallback) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.called = true
	return f.results, len(f.results), nil
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) LoadScriptRecords(_ context.Context, scriptID string) ([]ScriptRecord, []BlockRecord, error) {
	var scripts []ScriptRecord
	for _, s := range f.scripts {
		if scriptID == "" || s.ID == scriptID {
			scripts = append(scripts, s)
		}
	}
	var blocks []BlockRecord
	for _, b := range f.blocks {
		if scriptID == "" || b.ScriptID == scriptID {
			blocks = append(blocks, b)
		}
	}
	return scripts, blocks, nil
}

func blockRecord(scriptID, blockID, content string) BlockRecord {
	return BlockRecord{ID: BlockDocumentID(scriptID, blockID), ScriptID: scriptID, BlockID: blockID, Type: "action", Content: content}
}

func TestSearchPrefersIndex(t *testing.T) {
	idx := newFakeIndex()
	idx.results = []Result{{Type: ResultBlock, ID: "s1_b1"}}
	fb := &fakeFallback{}
	svc := &Service{index: idx, fallback: fb}

	resp := svc.Search(context.Background(), Query{Text: "kitchen", FilterScriptID: "s1"})
	if len(resp.Results) != 1 || fb.called {
		t.Fatalf("expected index results only, got %+v (fallback called: %v)", resp, fb.called)
	}
	if idx.lastQuery.FilterScriptID != "s1" {
		t.Fatalf("filter not passed through: %+v", idx.lastQuery)
	}
}

func TestSearchFallsBackOnIndexError(t *testing.T) {
	idx := newFakeIndex()
	idx.searchErr = errors.New("timeout")
	fb := &fakeFallback{results: []Result{{Type: ResultScript, ID: "s1"}}}
	svc := &Service{index: idx, fallback: fb}

	resp := svc.Search(context.Background(), Query{Text: "pilot"})
	if !fb.called || len(resp.Results) != 1 || resp.Query != "pilot" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchWithoutMeiliUsesFallbackAndNeverReturnsNil(t *testing.T) {
	svc := &Service{fallback: &fakeFallback{}}
	resp := svc.Search(context.Background(), Query{Text: "nothing"})
	if resp.Results == nil {
		t.Fatal("results must be an empty slice, not nil")
	}
}

func TestNewServiceWithNilMeiliHasNoIndex(t *testing.T) {
	svc := NewService(nil, nil)
	if svc.indexReady() {
		t.Fatal("service without Meilisearch must not report an index")
	}
	if err := svc.ReindexScript(context.Background(), "s1"); err != nil {
		t.Fatalf("ReindexScript() error = %v", err)
	}
}

func TestReindexScriptDropsRemovedBlocks(t *testing.T) {
	idx := newFakeIndex()
	idx.blocks["s1_gone"] = blockRecord("s1", "gone", "deleted line")
	idx.blocks["s2_other"] = blockRecord("s2", "other", "other script")
	fb := &fakeFallback{
		scripts: []ScriptRecord{{ID: "s1", Title: "Pilot"}},
		blocks:  []BlockRecord{blockRecord("s1", "b1", "INT. KITCHEN - NIGHT"), blockRecord("s1", "b2", "She waits.")},
	}
	svc := &Service{index: idx, fallback: fb}

	if err := svc.ReindexScript(context.Background(), "s1"); err != nil {
		t.Fatalf("ReindexScript() error = %v", err)
	}
	var ids []string
	for id := range idx.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	want := []string{"s1_b1", "s1_b2", "s2_other"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("indexed blocks = %v, want %v", ids, want)
	}
	if _, ok := idx.scripts["s1"]; !ok {
		t.Fatal("script record was not indexed")
	}
}

func TestReindexMissingScriptRemovesIt(t *testing.T) {
	idx := newFakeIndex()
	idx.scripts["s1"] = ScriptRecord{ID: "s1"}
	idx.blocks["s1_b1"] = blockRecord("s1", "b1", "line")
	svc := &Service{index: idx, fallback: &fakeFallback{}}

	if err := svc.ReindexScript(context.Background(), "s1"); err != nil {
		t.Fatalf("ReindexScript() error = %v", err)
	}
	if len(idx.scripts) != 0 || len(idx.blocks) != 0 {
		t.Fatalf("expected script to be removed, scripts=%v blocks=%v", idx.scripts, idx.blocks)
	}
}

func TestInFilter(t *testing.T) {
	got := inFilter("scriptId", []string{"a", "b"})
	if got != `scriptId IN ["a", "b"]` {
		t.Fatalf("inFilter() = %s", got)
	}
}
