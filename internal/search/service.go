package search

import (
	"context"
	"errors"
	"fmt"
	"log"
)

type index interface {
	Searcher
	IndexScripts(scripts []ScriptRecord) error
	IndexBlocks(blocks []BlockRecord) error
	BlockIDs(scriptID string) ([]string, error)
	DeleteScript(id string) error
	DeleteBlock(documentID string) error
}

type fallback interface {
	Searcher
	LoadScriptRecords(ctx context.Context, scriptID string) ([]ScriptRecord, []BlockRecord, error)
}

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	index    index
	fallback fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{fallback: pgfts}
	if meili != nil {
		s.index = meili
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// ReindexScript pushes the current state of one script into Meilisearch and
// drops index entries for blocks that no longer exist. A script that no
// longer exists is removed from the index.
func (s *Service) ReindexScript(ctx context.Context, scriptID string) error {
	if !s.indexReady() {
		return nil
	}
	scripts, blocks, err := s.fallback.LoadScriptRecords(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("load script %s: %w", scriptID, err)
	}
	if len(scripts) == 0 {
		return s.DeleteScript(scriptID)
	}

	if err := s.index.IndexScripts(scripts); err != nil {
		return fmt.Errorf("index script %s: %w", scriptID, err)
	}
	if err := s.index.IndexBlocks(blocks); err != nil {
		return fmt.Errorf("index blocks of %s: %w", scriptID, err)
	}

	current := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		current[b.ID] = struct{}{}
	}
	indexed, err := s.index.BlockIDs(scriptID)
	if err != nil {
		return fmt.Errorf("list indexed blocks of %s: %w", scriptID, err)
	}
	var errs []error
	for _, id := range indexed {
		if _, ok := current[id]; ok {
			continue
		}
		if err := s.index.DeleteBlock(id); err != nil {
			errs = append(errs, fmt.Errorf("delete block %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteScript removes a script and all of its blocks from the index.
func (s *Service) DeleteScript(scriptID string) error {
	if !s.indexReady() {
		return nil
	}
	var errs []error
	if err := s.index.DeleteScript(scriptID); err != nil {
		errs = append(errs, fmt.Errorf("delete script %s: %w", scriptID, err))
	}
	indexed, err := s.index.BlockIDs(scriptID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list indexed blocks of %s: %w", scriptID, err))
	}
	for _, id := range indexed {
		if err := s.index.DeleteBlock(id); err != nil {
			errs = append(errs, fmt.Errorf("delete block %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ReindexAllFromPG pushes every script and block from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.fallback == nil {
		return
	}
	scripts, blocks, err := s.fallback.LoadScriptRecords(ctx, "")
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.IndexScripts(scripts); err != nil {
		log.Printf("search: reindex scripts: %v", err)
	}
	if err := s.index.IndexBlocks(blocks); err != nil {
		log.Printf("search: reindex blocks: %v", err)
	}
	log.Printf("search: reindexed %d scripts and %d blocks", len(scripts), len(blocks))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
