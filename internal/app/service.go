package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"ghostwriter/api/internal/auth"
	"ghostwriter/api/internal/autosave"
	"ghostwriter/api/internal/bridge"
	"ghostwriter/api/internal/config"
	"ghostwriter/api/internal/export"
	"ghostwriter/api/internal/gitrepo"
	"ghostwriter/api/internal/orderkey"
	"ghostwriter/api/internal/rbac"
	"ghostwriter/api/internal/screenplay"
	"ghostwriter/api/internal/search"
	"ghostwriter/api/internal/store"

	"github.com/google/uuid"
)

const (
	defaultScriptTitle = "Untitled Screenplay"
	defaultUserColor   = "#7c3aed"
	maxRevisionHistory = 200
	// maxKeyAttempts bounds how often a write recomputes order keys after
	// another writer took the same key.
	maxKeyAttempts = 3
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	UserColor string
	JTI       string
	ExpiresAt time.Time
}

// BlockView is a block as returned to editors, with the version the client
// must echo back on its next write.
type BlockView struct {
	screenplay.Block
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DocumentView struct {
	Script screenplay.Script `json:"script"`
	Doc    bridge.Document   `json:"doc"`
	Blocks []BlockView       `json:"blocks"`
}

type RevisionView struct {
	Commit  store.CommitInfo `json:"commit"`
	Title   string           `json:"title"`
	Author  string           `json:"author"`
	Doc     bridge.Document  `json:"doc"`
	Changes gitrepo.Changes  `json:"changes"`
}

type CreateBlockInput struct {
	BlockID  string               `json:"blockId"`
	Type     string               `json:"type"`
	Content  string               `json:"content"`
	Metadata *screenplay.Metadata `json:"metadata"`
	// AfterBlockID nil appends at the end; an empty string inserts at the top.
	AfterBlockID *string `json:"afterBlockId"`
	Order        string  `json:"order"`
}

type PatchBlockInput struct {
	Content         *string              `json:"content"`
	Type            *string              `json:"type"`
	Metadata        *screenplay.Metadata `json:"metadata"`
	ExpectedVersion int64                `json:"expectedVersion"`
}

type CollaboratorInput struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	Permission string `json:"permission"`
}

type SearchInput struct {
	Text     string
	Type     string
	ScriptID string
	Limit    int
	Offset   int
}

type dataStore interface {
	Ping(context.Context) error
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListScripts(context.Context, string) ([]screenplay.Script, error)
	GetScript(context.Context, string) (screenplay.Script, error)
	InsertScript(context.Context, screenplay.Script, string, []store.Block) (screenplay.Script, error)
	UpdateScript(context.Context, string, *string, *string) (screenplay.Script, error)
	DeleteScript(context.Context, string) error
	ListBlocks(context.Context, string) ([]store.Block, error)
	GetBlock(context.Context, string, string) (store.Block, error)
	InsertBlock(context.Context, store.Block) (store.Block, error)
	UpdateBlock(context.Context, store.BlockPatch) (store.Block, error)
	DeleteBlock(context.Context, string, string) error
	ApplyBlockChanges(context.Context, string, []store.Block, []store.BlockPatch, []store.BlockDelete) error
	MoveBlock(context.Context, string, string, string, int64, string) (store.Block, error)
	ReplaceBlocks(context.Context, string, []store.Block) error
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	UpsertCollaborator(context.Context, string, string, string) error
	GetPermission(context.Context, string, string) (string, error)
}

type presenceStore interface {
	Heartbeat(context.Context, store.PresenceRecord) error
	SetActiveBlock(context.Context, string, string) error
	Leave(context.Context, string) error
	ActiveUsers(context.Context, string, time.Time) ([]store.PresenceRecord, error)
}

type revisionStore interface {
	Commit(string, gitrepo.Snapshot, []byte, string, string) (store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	Revision(string, string) (gitrepo.Snapshot, store.CommitInfo, gitrepo.Changes, error)
	Remove(string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	ReindexScript(context.Context, string) error
	DeleteScript(string) error
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	presence  presenceStore
	revisions revisionStore
	search    searchService
	exporter  exporter
	reindex   *autosave.Queue
	now       func() time.Time
}

// New wires the service. presence is the Redis store when configured and the
// Postgres store otherwise. archive may be nil.
func New(cfg config.Config, dataStore *store.PostgresStore, presence presenceStore, gitService *gitrepo.Service, searchSvc *search.Service, archive export.Archiver) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		presence:  presence,
		revisions: gitService,
		search:    searchSvc,
		now:       time.Now,
	}
	s.exporter = export.NewService(s, archive)
	s.reindex = autosave.New(s.search.ReindexScript, autosave.Options{
		Delay:       cfg.SaveDebounce,
		MaxRetries:  3,
		IsPermanent: isPermanentSaveError,
	})
	return s
}

// isPermanentSaveError reports failures that a retry would repeat.
func isPermanentSaveError(err error) bool {
	return errors.Is(err, orderkey.ErrInvalidRange) ||
		errors.Is(err, orderkey.ErrInvalidKey) ||
		errors.Is(err, bridge.ErrMalformedBlock)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown runs any pending index updates before the process exits.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.reindex == nil {
		return nil
	}
	return s.reindex.Flush(ctx)
}

func (s *Service) scheduleReindex(scriptID string) {
	if s.reindex == nil {
		return
	}
	s.reindex.Schedule(scriptID)
}

// IndexStatus reports the state of the background search update for a script.
func (s *Service) IndexStatus(ctx context.Context, session Session, scriptID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	status, lastErr := autosave.StatusIdle, error(nil)
	if s.reindex != nil {
		status, lastErr = s.reindex.Status(scriptID)
	}
	payload := map[string]any{"status": status}
	if lastErr != nil {
		payload["error"] = lastErr.Error()
	}
	return payload, nil
}

func (s *Service) Login(ctx context.Context, name, color string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, validationError("name is required")
	}
	color = strings.TrimSpace(color)
	if color == "" {
		color = defaultUserColor
	}
	user, err := s.store.EnsureUserByName(ctx, name, color)
	if err != nil {
		return Session{}, err
	}

	expiresAt := s.now().Add(s.cfg.TokenTTL)
	jti := uuid.NewString()
	token, err := auth.IssueToken([]byte(s.cfg.Secret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Color: user.Color,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		UserColor: user.Color,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Secret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		UserColor: user.Color,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// authorize returns the caller's permission on the script, or an error when
// it does not allow action. Scripts the caller cannot see at all report
// not found only when they do not exist.
func (s *Service) authorize(ctx context.Context, session Session, scriptID string, action rbac.Action) (rbac.Permission, error) {
	value, err := s.store.GetPermission(ctx, scriptID, session.UserID)
	if err != nil {
		return rbac.PermissionNone, err
	}
	permission, _ := rbac.Parse(value)
	if permission == rbac.PermissionNone {
		if _, err := s.store.GetScript(ctx, scriptID); err != nil {
			return rbac.PermissionNone, err
		}
		return rbac.PermissionNone, forbidden()
	}
	if !rbac.Can(permission, action) {
		return permission, forbidden()
	}
	return permission, nil
}

func (s *Service) ListScripts(ctx context.Context, session Session) ([]screenplay.Script, error) {
	return s.store.ListScripts(ctx, session.UserID)
}

func (s *Service) CreateScript(ctx context.Context, session Session, title, author string) (screenplay.Script, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultScriptTitle
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = session.UserName
	}
	scriptID := uuid.NewString()
	seed := []store.Block{{
		Block: screenplay.Block{
			ScriptID: scriptID,
			BlockID:  screenplay.NewBlockID(),
			Type:     screenplay.Action,
			Order:    orderkey.InitialKey(),
		},
		UpdatedBy: session.UserID,
	}}
	script, err := s.store.InsertScript(ctx, screenplay.Script{ID: scriptID, Title: title, Author: author}, session.UserID, seed)
	if err != nil {
		return screenplay.Script{}, err
	}
	s.scheduleReindex(script.ID)
	return script, nil
}

func (s *Service) GetScript(ctx context.Context, session Session, scriptID string) (screenplay.Script, rbac.Permission, error) {
	permission, err := s.authorize(ctx, session, scriptID, rbac.ActionRead)
	if err != nil {
		return screenplay.Script{}, permission, err
	}
	script, err := s.store.GetScript(ctx, scriptID)
	return script, permission, err
}

func (s *Service) UpdateScript(ctx context.Context, session Session, scriptID string, title, author *string) (screenplay.Script, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return screenplay.Script{}, err
	}
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" {
			return screenplay.Script{}, validationError("title cannot be empty")
		}
		title = &trimmed
	}
	if author != nil {
		trimmed := strings.TrimSpace(*author)
		author = &trimmed
	}
	script, err := s.store.UpdateScript(ctx, scriptID, title, author)
	if err != nil {
		return screenplay.Script{}, err
	}
	s.scheduleReindex(scriptID)
	return script, nil
}

func (s *Service) DeleteScript(ctx context.Context, session Session, scriptID string) error {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.store.DeleteScript(ctx, scriptID); err != nil {
		return err
	}
	if s.reindex != nil {
		s.reindex.Cancel(scriptID)
	}
	if err := s.search.DeleteScript(scriptID); err != nil {
		log.Printf("search: drop script %s: %v", scriptID, err)
	}
	if err := s.revisions.Remove(scriptID); err != nil {
		log.Printf("revisions: remove script %s: %v", scriptID, err)
	}
	return nil
}

// LoadScript returns a script and its blocks in document order.
func (s *Service) LoadScript(ctx context.Context, scriptID string) (screenplay.Script, []screenplay.Block, error) {
	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return screenplay.Script{}, nil, err
	}
	stored, err := s.store.ListBlocks(ctx, scriptID)
	if err != nil {
		return screenplay.Script{}, nil, err
	}
	return script, plainBlocks(stored), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, scriptID string) (DocumentView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return DocumentView{}, err
	}
	return s.documentView(ctx, scriptID)
}

func (s *Service) documentView(ctx context.Context, scriptID string) (DocumentView, error) {
	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return DocumentView{}, err
	}
	stored, err := s.store.ListBlocks(ctx, scriptID)
	if err != nil {
		return DocumentView{}, err
	}
	doc, err := bridge.ToDocument(plainBlocks(stored))
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{Script: script, Doc: doc, Blocks: blockViews(stored)}, nil
}

// SaveDocument stores a whole editor document. versions holds the version of
// every block the client loaded; only those blocks can be changed or deleted
// through the document, and each write is checked against that version.
// Blocks created by others since the load are left alone.
func (s *Service) SaveDocument(ctx context.Context, session Session, scriptID string, doc bridge.Document, versions map[string]int64) (DocumentView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return DocumentView{}, err
	}
	if doc.Type != bridge.DocType {
		return DocumentView{}, fmt.Errorf("%w: document type %q", bridge.ErrMalformedBlock, doc.Type)
	}
	if versions == nil {
		return DocumentView{}, validationError("versions of the loaded blocks are required")
	}
	for blockID, version := range versions {
		if version <= 0 {
			return DocumentView{}, validationError(fmt.Sprintf("version of block %s must be positive", blockID))
		}
	}

	for attempt := 1; ; attempt++ {
		changed, err := s.applyDocument(ctx, session, scriptID, doc, versions)
		if errors.Is(err, store.ErrOrderConflict) && attempt < maxKeyAttempts {
			continue
		}
		if err != nil {
			return DocumentView{}, err
		}
		if changed {
			s.scheduleReindex(scriptID)
		}
		return s.documentView(ctx, scriptID)
	}
}

// applyDocument diffs doc against the stored blocks and writes the result in
// one transaction. It reports whether anything was written.
func (s *Service) applyDocument(ctx context.Context, session Session, scriptID string, doc bridge.Document, versions map[string]int64) (bool, error) {
	stored, err := s.store.ListBlocks(ctx, scriptID)
	if err != nil {
		return false, err
	}
	existing := make(map[string]store.Block, len(stored))
	orders := make(map[string]string, len(stored))
	for _, block := range stored {
		existing[block.BlockID] = block
		orders[block.BlockID] = block.Order
	}

	blocks, err := bridge.FromDocument(doc, scriptID, orders)
	if err != nil {
		return false, err
	}

	var (
		inserts []store.Block
		updates []store.BlockPatch
		deletes []store.BlockDelete
		others  []string
	)
	kept := make(map[string]struct{}, len(blocks))
	for _, block := range blocks {
		kept[block.BlockID] = struct{}{}
	}
	for _, block := range stored {
		if _, ok := kept[block.BlockID]; ok {
			continue
		}
		if version, loaded := versions[block.BlockID]; loaded {
			deletes = append(deletes, store.BlockDelete{BlockID: block.BlockID, ExpectedVersion: version})
			continue
		}
		others = append(others, block.Order)
	}
	if err := avoidKeyCollisions(blocks, existing, others); err != nil {
		return false, err
	}

	for _, block := range blocks {
		current, ok := existing[block.BlockID]
		if !ok {
			inserts = append(inserts, store.Block{Block: block, UpdatedBy: session.UserID})
			continue
		}
		patch, changed := diffBlock(current.Block, block)
		if !changed {
			continue
		}
		version, loaded := versions[block.BlockID]
		if !loaded {
			return false, fmt.Errorf("%w: block %s was not loaded by this client", store.ErrVersionConflict, block.BlockID)
		}
		patch.ExpectedVersion = version
		patch.UpdatedBy = session.UserID
		updates = append(updates, patch)
	}

	if len(inserts)+len(updates)+len(deletes) == 0 {
		return false, nil
	}
	if err := s.store.ApplyBlockChanges(ctx, scriptID, inserts, updates, deletes); err != nil {
		return false, err
	}
	return true, nil
}

// avoidKeyCollisions gives a fresh key to any new or moved block whose key is
// held by a block outside the saved document. blocks are in document order and
// keep that order.
func avoidKeyCollisions(blocks []screenplay.Block, existing map[string]store.Block, others []string) error {
	if len(others) == 0 {
		return nil
	}
	reserved := make(map[string]struct{}, len(others))
	keys := make([]string, 0, len(blocks)+len(others))
	for _, key := range others {
		reserved[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, block := range blocks {
		if _, ok := reserved[block.Order]; !ok {
			keys = append(keys, block.Order)
		}
	}
	sort.Strings(keys)

	for i := range blocks {
		block := &blocks[i]
		if current, ok := existing[block.BlockID]; ok && current.Order == block.Order {
			continue
		}
		if _, ok := reserved[block.Order]; !ok {
			continue
		}
		at := sort.SearchStrings(keys, block.Order)
		upper := ""
		if at+1 < len(keys) {
			upper = keys[at+1]
		}
		key, err := orderkey.KeyBetween(block.Order, upper)
		if err != nil {
			return err
		}
		block.Order = key
		at = sort.SearchStrings(keys, key)
		keys = append(keys, "")
		copy(keys[at+1:], keys[at:])
		keys[at] = key
	}
	return nil
}

// diffBlock builds the patch that turns current into next.
func diffBlock(current, next screenplay.Block) (store.BlockPatch, bool) {
	patch := store.BlockPatch{ScriptID: current.ScriptID, BlockID: current.BlockID}
	changed := false
	if current.Content != next.Content {
		patch.Content = &next.Content
		changed = true
	}
	if current.Type != next.Type {
		patch.Type = &next.Type
		changed = true
	}
	if current.Order != next.Order {
		patch.Order = &next.Order
		changed = true
	}
	if !reflect.DeepEqual(normalizeMetadata(current.Metadata), normalizeMetadata(next.Metadata)) {
		patch.Metadata = metadataOrEmpty(next.Metadata)
		changed = true
	}
	return patch, changed
}

func normalizeMetadata(md *screenplay.Metadata) *screenplay.Metadata {
	if md.IsZero() {
		return nil
	}
	return md
}

// metadataOrEmpty returns a non-nil patch value so that clearing metadata is
// written instead of skipped.
func metadataOrEmpty(md *screenplay.Metadata) *screenplay.Metadata {
	if md == nil {
		return &screenplay.Metadata{}
	}
	return md
}

func (s *Service) CreateBlock(ctx context.Context, session Session, scriptID string, input CreateBlockInput) (BlockView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return BlockView{}, err
	}

	blockID := strings.TrimSpace(input.BlockID)
	if blockID == "" {
		blockID = screenplay.NewBlockID()
	} else if !screenplay.ValidBlockID(blockID) {
		return BlockView{}, validationError("blockId must be a UUID")
	}

	for attempt := 1; ; attempt++ {
		created, err := s.insertBlock(ctx, session, scriptID, blockID, input)
		if errors.Is(err, store.ErrOrderConflict) && strings.TrimSpace(input.Order) == "" && attempt < maxKeyAttempts {
			continue
		}
		if err != nil {
			return BlockView{}, err
		}
		s.scheduleReindex(scriptID)
		return blockView(created), nil
	}
}

// insertBlock places a new block against the current neighbours. A concurrent
// insert at the same position makes it fail with store.ErrOrderConflict.
func (s *Service) insertBlock(ctx context.Context, session Session, scriptID, blockID string, input CreateBlockInput) (store.Block, error) {
	stored, err := s.store.ListBlocks(ctx, scriptID)
	if err != nil {
		return store.Block{}, err
	}

	var after *store.Block
	position := len(stored)
	if input.AfterBlockID != nil {
		position = 0
		if *input.AfterBlockID != "" {
			index := indexOfBlock(stored, *input.AfterBlockID)
			if index < 0 {
				return store.Block{}, validationError("afterBlockId does not exist in this script")
			}
			position = index + 1
		}
	}
	if position > 0 {
		after = &stored[position-1]
	}

	blockType, err := s.newBlockType(input, after)
	if err != nil {
		return store.Block{}, err
	}

	order := strings.TrimSpace(input.Order)
	if order != "" {
		if err := orderkey.Validate(order); err != nil {
			return store.Block{}, err
		}
	} else {
		lower, upper := neighbourKeys(stored, position)
		order, err = orderkey.KeyBetween(lower, upper)
		if err != nil {
			return store.Block{}, err
		}
	}

	return s.store.InsertBlock(ctx, store.Block{
		Block: screenplay.Block{
			ScriptID: scriptID,
			BlockID:  blockID,
			Type:     blockType,
			Content:  input.Content,
			Order:    order,
			Metadata: normalizeMetadata(input.Metadata),
		},
		UpdatedBy: session.UserID,
	})
}

// newBlockType picks the type of a new block: an explicit type wins, then
// auto-detection from the content, then the smart-Enter successor of the
// block it follows.
func (s *Service) newBlockType(input CreateBlockInput, after *store.Block) (screenplay.BlockType, error) {
	if strings.TrimSpace(input.Type) != "" {
		return screenplay.ParseBlockType(input.Type)
	}
	if detected, ok := screenplay.DetectType(input.Content); ok {
		return detected, nil
	}
	if after != nil {
		return screenplay.NextType(after.Type), nil
	}
	return screenplay.Action, nil
}

// SaveNode stores one edited document node. The block keeps its order key.
func (s *Service) SaveNode(ctx context.Context, session Session, scriptID, blockID string, node bridge.Node, expectedVersion int64) (BlockView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return BlockView{}, err
	}
	current, err := s.store.GetBlock(ctx, scriptID, blockID)
	if err != nil {
		return BlockView{}, err
	}
	block, err := bridge.FromNode(node, scriptID, current.Order)
	if err != nil {
		return BlockView{}, err
	}
	if block.BlockID != blockID {
		return BlockView{}, validationError("node blockId does not match the request path")
	}

	patch, changed := diffBlock(current.Block, block)
	if !changed {
		if expectedVersion != 0 && expectedVersion != current.Version {
			return BlockView{}, fmt.Errorf("%w: block %s", store.ErrVersionConflict, blockID)
		}
		return blockView(current), nil
	}
	patch.ExpectedVersion = expectedVersion
	patch.UpdatedBy = session.UserID
	updated, err := s.store.UpdateBlock(ctx, patch)
	if err != nil {
		return BlockView{}, err
	}
	s.scheduleReindex(scriptID)
	return blockView(updated), nil
}

func (s *Service) PatchBlock(ctx context.Context, session Session, scriptID, blockID string, input PatchBlockInput) (BlockView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return BlockView{}, err
	}
	patch := store.BlockPatch{
		ScriptID:        scriptID,
		BlockID:         blockID,
		Content:         input.Content,
		ExpectedVersion: input.ExpectedVersion,
		UpdatedBy:       session.UserID,
	}
	if input.Type != nil {
		blockType, err := screenplay.ParseBlockType(*input.Type)
		if err != nil {
			return BlockView{}, err
		}
		patch.Type = &blockType
	}
	if input.Metadata != nil {
		patch.Metadata = input.Metadata
	}
	if patch.Content == nil && patch.Type == nil && patch.Metadata == nil {
		return BlockView{}, validationError("nothing to update")
	}
	updated, err := s.store.UpdateBlock(ctx, patch)
	if err != nil {
		return BlockView{}, err
	}
	s.scheduleReindex(scriptID)
	return blockView(updated), nil
}

// MoveBlock places the block directly after afterBlockID, or first when
// afterBlockID is empty. Only the moved block gets a new key.
func (s *Service) MoveBlock(ctx context.Context, session Session, scriptID, blockID, afterBlockID string, expectedVersion int64) (BlockView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return BlockView{}, err
	}
	if afterBlockID == blockID {
		return BlockView{}, validationError("a block cannot be moved after itself")
	}
	for attempt := 1; ; attempt++ {
		view, err := s.moveBlock(ctx, session, scriptID, blockID, afterBlockID, expectedVersion)
		if errors.Is(err, store.ErrOrderConflict) && attempt < maxKeyAttempts {
			continue
		}
		return view, err
	}
}

func (s *Service) moveBlock(ctx context.Context, session Session, scriptID, blockID, afterBlockID string, expectedVersion int64) (BlockView, error) {
	stored, err := s.store.ListBlocks(ctx, scriptID)
	if err != nil {
		return BlockView{}, err
	}
	index := indexOfBlock(stored, blockID)
	if index < 0 {
		return BlockView{}, sql.ErrNoRows
	}
	moved := stored[index]
	others := append(append([]store.Block(nil), stored[:index]...), stored[index+1:]...)

	position := 0
	if afterBlockID != "" {
		afterIndex := indexOfBlock(others, afterBlockID)
		if afterIndex < 0 {
			return BlockView{}, validationError("afterBlockId does not exist in this script")
		}
		position = afterIndex + 1
	}
	if position == index {
		return blockView(moved), nil
	}

	lower, upper := neighbourKeys(others, position)
	order, err := orderkey.KeyBetween(lower, upper)
	if err != nil {
		return BlockView{}, err
	}
	updated, err := s.store.MoveBlock(ctx, scriptID, blockID, order, expectedVersion, session.UserID)
	if err != nil {
		return BlockView{}, err
	}
	s.scheduleReindex(scriptID)
	return blockView(updated), nil
}

// CycleBlock applies Tab (or Shift-Tab when reverse) to the block's type.
func (s *Service) CycleBlock(ctx context.Context, session Session, scriptID, blockID string, reverse bool, expectedVersion int64) (BlockView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return BlockView{}, err
	}
	current, err := s.store.GetBlock(ctx, scriptID, blockID)
	if err != nil {
		return BlockView{}, err
	}
	next := screenplay.CycleType(current.Type, reverse)
	if expectedVersion == 0 {
		expectedVersion = current.Version
	}
	updated, err := s.store.UpdateBlock(ctx, store.BlockPatch{
		ScriptID:        scriptID,
		BlockID:         blockID,
		Type:            &next,
		ExpectedVersion: expectedVersion,
		UpdatedBy:       session.UserID,
	})
	if err != nil {
		return BlockView{}, err
	}
	s.scheduleReindex(scriptID)
	return blockView(updated), nil
}

func (s *Service) DeleteBlock(ctx context.Context, session Session, scriptID, blockID string) error {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteBlock(ctx, scriptID, blockID); err != nil {
		return err
	}
	s.scheduleReindex(scriptID)
	return nil
}

func (s *Service) ListCollaborators(ctx context.Context, session Session, scriptID string) ([]store.Collaborator, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListCollaborators(ctx, scriptID)
}

// AddCollaborator grants or changes a permission. Admins cannot change their
// own permission, so a script always keeps an admin.
func (s *Service) AddCollaborator(ctx context.Context, session Session, scriptID string, input CollaboratorInput) ([]store.Collaborator, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionManage); err != nil {
		return nil, err
	}
	permission, ok := rbac.Parse(strings.TrimSpace(input.Permission))
	if !ok {
		return nil, validationError("permission must be read, write or admin")
	}

	var (
		user store.User
		err  error
	)
	switch {
	case strings.TrimSpace(input.UserID) != "":
		user, err = s.store.GetUserByID(ctx, strings.TrimSpace(input.UserID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("unknown userId")
		}
	case strings.TrimSpace(input.UserName) != "":
		user, err = s.store.EnsureUserByName(ctx, strings.TrimSpace(input.UserName), defaultUserColor)
	default:
		return nil, validationError("userId or userName is required")
	}
	if err != nil {
		return nil, err
	}
	if user.ID == session.UserID {
		return nil, domainError(http.StatusConflict, "SELF_PERMISSION", "You cannot change your own permission", nil)
	}

	if err := s.store.UpsertCollaborator(ctx, scriptID, user.ID, string(permission)); err != nil {
		return nil, err
	}
	return s.store.ListCollaborators(ctx, scriptID)
}

// Heartbeat marks the caller present in the script and returns everyone
// currently there.
func (s *Service) Heartbeat(ctx context.Context, session Session, scriptID, activeBlockID string) ([]store.PresenceRecord, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	err := s.presence.Heartbeat(ctx, store.PresenceRecord{
		ScriptID:      scriptID,
		UserID:        session.UserID,
		UserName:      session.UserName,
		UserColor:     session.UserColor,
		ActiveBlockID: activeBlockID,
	})
	if err != nil {
		return nil, err
	}
	return s.activeUsers(ctx, scriptID)
}

func (s *Service) SetActiveBlock(ctx context.Context, session Session, scriptID, activeBlockID string) error {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return err
	}
	return s.presence.SetActiveBlock(ctx, session.UserID, activeBlockID)
}

func (s *Service) LeaveScript(ctx context.Context, session Session, scriptID string) error {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return err
	}
	return s.presence.Leave(ctx, session.UserID)
}

func (s *Service) ListPresence(ctx context.Context, session Session, scriptID string) ([]store.PresenceRecord, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.activeUsers(ctx, scriptID)
}

func (s *Service) activeUsers(ctx context.Context, scriptID string) ([]store.PresenceRecord, error) {
	records, err := s.presence.ActiveUsers(ctx, scriptID, s.now().Add(-s.cfg.PresenceTimeout))
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []store.PresenceRecord{}
	}
	return records, nil
}

// CreateRevision snapshots the current script into its revision history.
func (s *Service) CreateRevision(ctx context.Context, session Session, scriptID, label string) (store.CommitInfo, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return store.CommitInfo{}, err
	}
	script, blocks, err := s.LoadScript(ctx, scriptID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	snapshot := gitrepo.Snapshot{Title: script.Title, Author: script.Author, Blocks: blocks}
	fountain := export.Fountain(script.Title, script.Author, blocks)
	return s.revisions.Commit(scriptID, snapshot, fountain, session.UserName, strings.TrimSpace(label))
}

func (s *Service) ListRevisions(ctx context.Context, session Session, scriptID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxRevisionHistory {
		limit = maxRevisionHistory
	}
	history, err := s.revisions.History(scriptID, limit)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []store.CommitInfo{}
	}
	return history, nil
}

func (s *Service) GetRevision(ctx context.Context, session Session, scriptID, hash string) (RevisionView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return RevisionView{}, err
	}
	snapshot, commit, changes, err := s.revisions.Revision(scriptID, hash)
	if err != nil {
		return RevisionView{}, err
	}
	doc, err := bridge.ToDocument(snapshot.Blocks)
	if err != nil {
		return RevisionView{}, err
	}
	return RevisionView{Commit: commit, Title: snapshot.Title, Author: snapshot.Author, Doc: doc, Changes: changes}, nil
}

// RestoreRevision replaces the script's blocks, title and author with those
// stored in the revision.
func (s *Service) RestoreRevision(ctx context.Context, session Session, scriptID, hash string) (DocumentView, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionWrite); err != nil {
		return DocumentView{}, err
	}
	snapshot, _, _, err := s.revisions.Revision(scriptID, hash)
	if err != nil {
		return DocumentView{}, err
	}
	blocks := make([]store.Block, 0, len(snapshot.Blocks))
	for _, block := range snapshot.Blocks {
		block.ScriptID = scriptID
		blocks = append(blocks, store.Block{Block: block, UpdatedBy: session.UserID})
	}
	if err := s.store.ReplaceBlocks(ctx, scriptID, blocks); err != nil {
		return DocumentView{}, err
	}
	title, author := snapshot.Title, snapshot.Author
	if strings.TrimSpace(title) != "" {
		if _, err := s.store.UpdateScript(ctx, scriptID, &title, &author); err != nil {
			return DocumentView{}, err
		}
	}
	s.scheduleReindex(scriptID)
	return s.documentView(ctx, scriptID)
}

func (s *Service) Export(ctx context.Context, session Session, scriptID, format string, archive bool) (*export.Result, error) {
	if _, err := s.authorize(ctx, session, scriptID, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{ScriptID: scriptID, Format: parsed, Archive: archive})
}

// Search runs a full-text query restricted to scripts the caller can read.
func (s *Service) Search(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	filterType := search.ResultType(strings.TrimSpace(input.Type))
	switch filterType {
	case "", search.ResultScript, search.ResultBlock:
	default:
		return search.Response{}, validationError("type must be script or block")
	}

	scripts, err := s.store.ListScripts(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	scriptIDs := make([]string, 0, len(scripts))
	for _, script := range scripts {
		scriptIDs = append(scriptIDs, script.ID)
	}
	if len(scriptIDs) == 0 {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(ctx, search.Query{
		Text:           text,
		FilterType:     filterType,
		FilterScriptID: strings.TrimSpace(input.ScriptID),
		ScriptIDs:      scriptIDs,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

func indexOfBlock(blocks []store.Block, blockID string) int {
	for i, block := range blocks {
		if block.BlockID == blockID {
			return i
		}
	}
	return -1
}

// neighbourKeys returns the keys around insertion point position in a
// key-sorted list; "" means no bound.
func neighbourKeys(blocks []store.Block, position int) (string, string) {
	lower, upper := "", ""
	if position > 0 {
		lower = blocks[position-1].Order
	}
	if position < len(blocks) {
		upper = blocks[position].Order
	}
	return lower, upper
}

func plainBlocks(stored []store.Block) []screenplay.Block {
	blocks := make([]screenplay.Block, len(stored))
	for i, block := range stored {
		blocks[i] = block.Block
	}
	return blocks
}

func blockView(block store.Block) BlockView {
	return BlockView{Block: block.Block, Version: block.Version, UpdatedBy: block.UpdatedBy, UpdatedAt: block.UpdatedAt}
}

func blockViews(stored []store.Block) []BlockView {
	views := make([]BlockView, len(stored))
	for i, block := range stored {
		views[i] = blockView(block)
	}
	return views
}
