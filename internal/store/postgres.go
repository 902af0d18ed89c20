package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ghostwriter/api/internal/screenplay"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation       = "23505"
	blockUniqueConstraint = "script_blocks_block_unique"
	orderUniqueConstraint = "script_blocks_order_unique"
	blockColumns          = `id, script_id, block_id, type, content, order_key, character_name, scene_number, version, updated_by, created_at, updated_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, color string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, color, created_at FROM users WHERE display_name = $1`, name).
		Scan(&user.ID, &user.DisplayName, &user.Color, &user.CreatedAt)
	if err == nil {
		if color != "" && color != user.Color {
			if _, err := s.db.ExecContext(ctx, `UPDATE users SET color=$2 WHERE id=$1`, user.ID, color); err != nil {
				return User{}, fmt.Errorf("update user color: %w", err)
			}
			user.Color = color
		}
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	if color == "" {
		color = "#6b7280"
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, color)
		VALUES ($1, $2, $3)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, color, created_at
	`, uuid.NewString(), name, color).Scan(&user.ID, &user.DisplayName, &user.Color, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, color, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Color, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ListScripts returns the scripts userID collaborates on, most recently
// edited first.
func (s *PostgresStore) ListScripts(ctx context.Context, userID string) ([]screenplay.Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.author, s.created_at, s.updated_at
		FROM scripts s
		JOIN collaborators c ON c.script_id = s.id
		WHERE c.user_id = $1
		ORDER BY s.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	items := make([]screenplay.Script, 0)
	for rows.Next() {
		var item screenplay.Script
		if err := rows.Scan(&item.ID, &item.Title, &item.Author, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scripts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetScript(ctx context.Context, scriptID string) (screenplay.Script, error) {
	var item screenplay.Script
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, created_at, updated_at
		FROM scripts
		WHERE id=$1
	`, scriptID).Scan(&item.ID, &item.Title, &item.Author, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return screenplay.Script{}, err
	}
	return item, nil
}

// InsertScript inserts the script, its seed blocks and the owner's admin
// membership in one transaction.
func (s *PostgresStore) InsertScript(ctx context.Context, script screenplay.Script, ownerID string, seed []Block) (screenplay.Script, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return screenplay.Script{}, fmt.Errorf("begin create script: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO scripts (id, title, author)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, script.ID, script.Title, script.Author).Scan(&script.CreatedAt, &script.UpdatedAt)
	if err != nil {
		return screenplay.Script{}, fmt.Errorf("insert script: %w", err)
	}

	if ownerID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collaborators (script_id, user_id, permission)
			VALUES ($1, $2, 'admin')
		`, script.ID, ownerID); err != nil {
			return screenplay.Script{}, fmt.Errorf("insert owner: %w", err)
		}
	}

	for _, block := range seed {
		if _, err := insertBlock(ctx, tx, block); err != nil {
			return screenplay.Script{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return screenplay.Script{}, mapConstraintError(fmt.Errorf("commit create script: %w", err))
	}
	return script, nil
}

func (s *PostgresStore) UpdateScript(ctx context.Context, scriptID string, title, author *string) (screenplay.Script, error) {
	var item screenplay.Script
	err := s.db.QueryRowContext(ctx, `
		UPDATE scripts
		SET title = COALESCE($2, title),
			author = COALESCE($3, author),
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, title, author, created_at, updated_at
	`, scriptID, title, author).Scan(&item.ID, &item.Title, &item.Author, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return screenplay.Script{}, err
	}
	return item, nil
}

// DeleteScript removes the script; blocks, collaborators and presence cascade.
func (s *PostgresStore) DeleteScript(ctx context.Context, scriptID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id=$1`, scriptID)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListBlocks(ctx context.Context, scriptID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM script_blocks
		WHERE script_id = $1
		ORDER BY order_key COLLATE "C", id
	`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	items := make([]Block, 0)
	for rows.Next() {
		item, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, scriptID, blockID string) (Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+blockColumns+`
		FROM script_blocks
		WHERE script_id = $1 AND block_id = $2
	`, scriptID, blockID)
	return scanBlock(row)
}

func (s *PostgresStore) InsertBlock(ctx context.Context, block Block) (Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin insert block: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertBlock(ctx, tx, block)
	if err != nil {
		return Block{}, err
	}
	if err := touchScript(ctx, tx, block.ScriptID); err != nil {
		return Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return Block{}, mapConstraintError(fmt.Errorf("commit insert block: %w", err))
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateBlock(ctx context.Context, patch BlockPatch) (Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin update block: %w", err)
	}
	defer tx.Rollback()

	updated, err := updateBlock(ctx, tx, patch)
	if err != nil {
		return Block{}, err
	}
	if err := touchScript(ctx, tx, patch.ScriptID); err != nil {
		return Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return Block{}, mapConstraintError(fmt.Errorf("commit update block: %w", err))
	}
	return updated, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, scriptID, blockID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete block: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM script_blocks WHERE script_id=$1 AND block_id=$2`, scriptID, blockID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if err := touchScript(ctx, tx, scriptID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete block: %w", err)
	}
	return nil
}

// ApplyBlockChanges writes a saved document in one transaction: deletes
// first, then updates, then inserts. Order-key uniqueness is checked at commit.
func (s *PostgresStore) ApplyBlockChanges(ctx context.Context, scriptID string, inserts []Block, updates []BlockPatch, deletes []BlockDelete) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply blocks: %w", err)
	}
	defer tx.Rollback()

	for _, del := range deletes {
		if err := deleteBlockAtVersion(ctx, tx, scriptID, del); err != nil {
			return err
		}
	}
	for _, patch := range updates {
		if _, err := updateBlock(ctx, tx, patch); err != nil {
			return err
		}
	}
	for _, block := range inserts {
		if _, err := insertBlock(ctx, tx, block); err != nil {
			return err
		}
	}
	if err := touchScript(ctx, tx, scriptID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapConstraintError(fmt.Errorf("commit apply blocks: %w", err))
	}
	return nil
}

// deleteBlockAtVersion removes a block unless it changed since
// del.ExpectedVersion. A block that is already gone is not an error.
func deleteBlockAtVersion(ctx context.Context, tx *sql.Tx, scriptID string, del BlockDelete) error {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM script_blocks
		WHERE script_id=$1 AND block_id=$2 AND ($3::bigint = 0 OR version = $3::bigint)
	`, scriptID, del.BlockID, del.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("delete block %s: %w", del.BlockID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete block %s: %w", del.BlockID, err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM script_blocks WHERE script_id=$1 AND block_id=$2)`, scriptID, del.BlockID).Scan(&exists); err != nil {
		return fmt.Errorf("check block %s: %w", del.BlockID, err)
	}
	if exists {
		return fmt.Errorf("%w: block %s", ErrVersionConflict, del.BlockID)
	}
	return nil
}

// MoveBlock gives the block a new order key. Neighbouring blocks are untouched.
func (s *PostgresStore) MoveBlock(ctx context.Context, scriptID, blockID, order string, expectedVersion int64, updatedBy string) (Block, error) {
	return s.UpdateBlock(ctx, BlockPatch{
		ScriptID:        scriptID,
		BlockID:         blockID,
		Order:           &order,
		ExpectedVersion: expectedVersion,
		UpdatedBy:       updatedBy,
	})
}

// ReplaceBlocks swaps the whole block list of a script, used for imports and
// revision restores.
func (s *PostgresStore) ReplaceBlocks(ctx context.Context, scriptID string, blocks []Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace blocks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM script_blocks WHERE script_id=$1`, scriptID); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	for _, block := range blocks {
		block.ScriptID = scriptID
		if _, err := insertBlock(ctx, tx, block); err != nil {
			return err
		}
	}
	if err := touchScript(ctx, tx, scriptID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapConstraintError(fmt.Errorf("commit replace blocks: %w", err))
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, scriptID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.script_id, c.user_id, u.display_name, c.permission, c.created_at, c.updated_at
		FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.script_id = $1
		ORDER BY c.created_at
	`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.ScriptID, &item.UserID, &item.UserName, &item.Permission, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, scriptID, userID, permission string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (script_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (script_id, user_id) DO UPDATE SET permission=EXCLUDED.permission, updated_at=NOW()
	`, scriptID, userID, permission)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

// GetPermission returns "" when the user is not a collaborator on the script.
func (s *PostgresStore) GetPermission(ctx context.Context, scriptID, userID string) (string, error) {
	var permission string
	err := s.db.QueryRowContext(ctx, `SELECT permission FROM collaborators WHERE script_id=$1 AND user_id=$2`, scriptID, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read permission: %w", err)
	}
	return permission, nil
}

// Heartbeat records presence when Redis is not configured. One row per user,
// so a heartbeat from another script moves the user there.
func (s *PostgresStore) Heartbeat(ctx context.Context, record PresenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, script_id, user_name, user_color, active_block_id, last_seen)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			script_id=EXCLUDED.script_id,
			user_name=EXCLUDED.user_name,
			user_color=EXCLUDED.user_color,
			active_block_id=EXCLUDED.active_block_id,
			last_seen=NOW()
	`, record.UserID, record.ScriptID, record.UserName, record.UserColor, nullIfEmpty(record.ActiveBlockID))
	if err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActiveBlock(ctx context.Context, userID, activeBlockID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE presence SET active_block_id=$2, last_seen=NOW() WHERE user_id=$1
	`, userID, nullIfEmpty(activeBlockID))
	if err != nil {
		return fmt.Errorf("update active block: %w", err)
	}
	return nil
}

func (s *PostgresStore) Leave(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveUsers(ctx context.Context, scriptID string, since time.Time) ([]PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT script_id, user_id, user_name, user_color, COALESCE(active_block_id, ''), last_seen
		FROM presence
		WHERE script_id = $1 AND last_seen > $2
		ORDER BY last_seen DESC
	`, scriptID, since)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	items := make([]PresenceRecord, 0)
	for rows.Next() {
		var item PresenceRecord
		if err := rows.Scan(&item.ScriptID, &item.UserID, &item.UserName, &item.UserColor, &item.ActiveBlockID, &item.LastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return items, nil
}

type execQuerier interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertBlock(ctx context.Context, q execQuerier, block Block) (Block, error) {
	characterName, sceneNumber := metadataColumns(block.Metadata)
	row := q.QueryRowContext(ctx, `
		INSERT INTO script_blocks (script_id, block_id, type, content, order_key, character_name, scene_number, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+blockColumns,
		block.ScriptID, block.BlockID, string(block.Type), block.Content, block.Order, characterName, sceneNumber, block.UpdatedBy)
	inserted, err := scanBlock(row)
	if err != nil {
		return Block{}, mapConstraintError(fmt.Errorf("insert block %s: %w", block.BlockID, err))
	}
	return inserted, nil
}

func updateBlock(ctx context.Context, q execQuerier, patch BlockPatch) (Block, error) {
	var blockType *string
	if patch.Type != nil {
		value := string(*patch.Type)
		blockType = &value
	}
	setMetadata := patch.Metadata != nil
	characterName, sceneNumber := metadataColumns(patch.Metadata)

	row := q.QueryRowContext(ctx, `
		UPDATE script_blocks
		SET content = COALESCE($3, content),
			type = COALESCE($4, type),
			order_key = COALESCE($5, order_key),
			character_name = CASE WHEN $6 THEN $7 ELSE character_name END,
			scene_number = CASE WHEN $6 THEN $8 ELSE scene_number END,
			updated_by = $9,
			version = version + 1,
			updated_at = NOW()
		WHERE script_id = $1 AND block_id = $2 AND ($10 = 0 OR version = $10)
		RETURNING `+blockColumns,
		patch.ScriptID, patch.BlockID, patch.Content, blockType, patch.Order,
		setMetadata, characterName, sceneNumber, patch.UpdatedBy, patch.ExpectedVersion)
	updated, err := scanBlock(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Block{}, mapConstraintError(fmt.Errorf("update block %s: %w", patch.BlockID, err))
	}
	if patch.ExpectedVersion == 0 {
		return Block{}, err
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM script_blocks WHERE script_id=$1 AND block_id=$2)`, patch.ScriptID, patch.BlockID).Scan(&exists); err != nil {
		return Block{}, fmt.Errorf("check block %s: %w", patch.BlockID, err)
	}
	if !exists {
		return Block{}, sql.ErrNoRows
	}
	return Block{}, fmt.Errorf("%w: block %s", ErrVersionConflict, patch.BlockID)
}

func touchScript(ctx context.Context, q execQuerier, scriptID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE scripts SET updated_at=NOW() WHERE id=$1`, scriptID); err != nil {
		return fmt.Errorf("touch script: %w", err)
	}
	return nil
}

func scanBlock(row rowScanner) (Block, error) {
	var (
		item          Block
		blockType     string
		characterName sql.NullString
		sceneNumber   sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.ScriptID, &item.BlockID, &blockType, &item.Content, &item.Order,
		&characterName, &sceneNumber, &item.Version, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Block{}, err
	}
	item.Type = screenplay.BlockType(blockType)
	if characterName.Valid || sceneNumber.Valid {
		item.Metadata = &screenplay.Metadata{}
		if characterName.Valid {
			name := characterName.String
			item.Metadata.CharacterName = &name
		}
		if sceneNumber.Valid {
			n := int(sceneNumber.Int64)
			item.Metadata.SceneNumber = &n
		}
	}
	return item, nil
}

func metadataColumns(md *screenplay.Metadata) (any, any) {
	var characterName, sceneNumber any
	if md == nil {
		return characterName, sceneNumber
	}
	if md.CharacterName != nil {
		characterName = *md.CharacterName
	}
	if md.SceneNumber != nil {
		sceneNumber = *md.SceneNumber
	}
	return characterName, sceneNumber
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case orderUniqueConstraint:
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case blockUniqueConstraint:
		return fmt.Errorf("%w: %v", ErrDuplicateBlock, err)
	default:
		return err
	}
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
