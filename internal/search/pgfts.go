package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over scripts and script_blocks using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.ScriptIDs != nil && len(q.ScriptIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	scriptFilter := func(column string) string {
		var clauses []string
		if q.FilterScriptID != "" {
			args = append(args, q.FilterScriptID)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
		}
		if q.ScriptIDs != nil {
			placeholders := make([]string, len(q.ScriptIDs))
			for i, id := range q.ScriptIDs {
				args = append(args, id)
				placeholders[i] = fmt.Sprintf("$%d", len(args))
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
		}
		if len(clauses) == 0 {
			return ""
		}
		return " AND " + strings.Join(clauses, " AND ")
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultScript {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'script'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.author, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS script_id, ''::text AS block_id, ''::text AS block_type,
				ts_rank(s.fts, %s) AS rank
			FROM scripts s
			WHERE s.fts @@ %s%s`, tsQuery, tsQuery, tsQuery, scriptFilter("s.id")))
	}
	if q.FilterType == "" || q.FilterType == ResultBlock {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'block'::text AS type, b.script_id || '_' || b.block_id, s.title,
				ts_headline('english', b.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.script_id, b.block_id, b.type AS block_type,
				ts_rank(b.fts, %s) AS rank
			FROM script_blocks b
			JOIN scripts s ON s.id = b.script_id
			WHERE b.fts @@ %s%s`, tsQuery, tsQuery, tsQuery, scriptFilter("b.script_id")))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, script_id, block_id, block_type
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ScriptID, &r.BlockID, &r.BlockType); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadScriptRecords returns the search records for one script, or for every
// script when scriptID is empty.
func (p *PgFTS) LoadScriptRecords(ctx context.Context, scriptID string) ([]ScriptRecord, []BlockRecord, error) {
	scriptRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author FROM scripts WHERE $1 = '' OR id = $1
	`, scriptID)
	if err != nil {
		return nil, nil, fmt.Errorf("load scripts: %w", err)
	}
	defer scriptRows.Close()

	scripts := make([]ScriptRecord, 0)
	for scriptRows.Next() {
		var s ScriptRecord
		if err := scriptRows.Scan(&s.ID, &s.Title, &s.Author); err != nil {
			return nil, nil, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, s)
	}
	if err := scriptRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate scripts: %w", err)
	}

	blockRows, err := p.db.QueryContext(ctx, `
		SELECT b.script_id, s.title, b.block_id, b.type, b.content
		FROM script_blocks b
		JOIN scripts s ON s.id = b.script_id
		WHERE $1 = '' OR b.script_id = $1
		ORDER BY b.script_id, b.order_key COLLATE "C"
	`, scriptID)
	if err != nil {
		return nil, nil, fmt.Errorf("load blocks: %w", err)
	}
	defer blockRows.Close()

	blocks := make([]BlockRecord, 0)
	for blockRows.Next() {
		var b BlockRecord
		if err := blockRows.Scan(&b.ScriptID, &b.ScriptTitle, &b.BlockID, &b.Type, &b.Content); err != nil {
			return nil, nil, fmt.Errorf("scan block: %w", err)
		}
		b.ID = BlockDocumentID(b.ScriptID, b.BlockID)
		blocks = append(blocks, b)
	}
	if err := blockRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return scripts, blocks, nil
}
