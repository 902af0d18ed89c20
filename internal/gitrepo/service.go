// Package gitrepo keeps the revision history of each script in its own git
// repository. Every revision stores script.json (the blocks) and
// script.fountain (a plain-text rendering readable with any git tool).
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ghostwriter/api/internal/screenplay"
	"ghostwriter/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	mainBranch   = "main"
	snapshotFile = "script.json"
	fountainFile = "script.fountain"
	labelTrailer = "label: "
)

var (
	// ErrNoChanges is returned when an unlabelled snapshot matches the latest revision.
	ErrNoChanges = errors.New("no changes since last revision")
	// ErrRevisionNotFound is returned for an unknown script or hash.
	ErrRevisionNotFound = errors.New("revision not found")
)

// Snapshot is the content of one revision.
type Snapshot struct {
	Title  string             `json:"title"`
	Author string             `json:"author"`
	Blocks []screenplay.Block `json:"blocks"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Commit records snapshot as a new revision of scriptID, creating the
// repository on first use. A non-empty label also tags the revision.
func (s *Service) Commit(scriptID string, snapshot Snapshot, fountain []byte, author, label string) (store.CommitInfo, error) {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	label = strings.TrimSpace(label)
	repo, err := s.openOrInit(scriptID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
		}
		previous, err := readSnapshot(commitObj)
		if err != nil {
			return store.CommitInfo{}, err
		}
		if label == "" && !Diff(previous, snapshot).Changed() {
			return store.CommitInfo{}, ErrNoChanges
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, fountainFile), fountain, 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write %s: %w", fountainFile, err)
	}
	for _, name := range []string{snapshotFile, fountainFile} {
		if _, err := worktree.Add(name); err != nil {
			return store.CommitInfo{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(commitMessage(label), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(author),
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	if label != "" {
		if err := s.tag(repo, hash, label); err != nil {
			return store.CommitInfo{}, err
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists revisions newest first. A script without revisions has an
// empty history.
func (s *Service) History(scriptID string, limit int) ([]store.CommitInfo, error) {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]store.CommitInfo, 0)
	repo, err := git.PlainOpen(s.repoPath(scriptID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Revision returns the snapshot stored at hash (full or abbreviated) and the
// changes relative to its parent revision.
func (s *Service) Revision(scriptID, hash string) (Snapshot, store.CommitInfo, Changes, error) {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(scriptID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, store.CommitInfo{}, Changes{}, ErrRevisionNotFound
	}
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, Changes{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, Changes{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, Changes{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	snapshot, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, Changes{}, err
	}

	var parent Snapshot
	if commitObj.NumParents() > 0 {
		parentObj, err := commitObj.Parent(0)
		if err != nil {
			return Snapshot{}, store.CommitInfo{}, Changes{}, fmt.Errorf("load parent commit: %w", err)
		}
		if parent, err = readSnapshot(parentObj); err != nil {
			return Snapshot{}, store.CommitInfo{}, Changes{}, err
		}
	}
	return snapshot, toCommitInfo(commitObj), Diff(parent, snapshot), nil
}

// Remove deletes the repository of a deleted script.
func (s *Service) Remove(scriptID string) error {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(scriptID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(scriptID string) (*git.Repository, error) {
	path := s.repoPath(scriptID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) tag(repo *git.Repository, hash plumbing.Hash, label string) error {
	base := "draft-" + slug(label)
	name := base
	for i := 2; ; i++ {
		if _, err := repo.Tag(name); errors.Is(err, git.ErrTagNotFound) {
			break
		} else if err != nil {
			return fmt.Errorf("lookup tag %s: %w", name, err)
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	_, err := repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger:  s.signature("GhostWriter"),
		Message: label,
	})
	if err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) signature(name string) *object.Signature {
	if strings.TrimSpace(name) == "" {
		name = "GhostWriter"
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@local.ghostwriter.dev", slug(name)),
		When:  s.now(),
	}
}

func (s *Service) repoPath(scriptID string) string {
	return filepath.Join(s.baseDir, scriptID)
}

func (s *Service) scriptLock(scriptID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[scriptID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[scriptID] = lock
	return lock
}

func commitMessage(label string) string {
	if label == "" {
		return "Snapshot"
	}
	return fmt.Sprintf("Draft: %s\n\n%s%s", label, labelTrailer, label)
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", snapshotFile, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(contents), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	info := store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(strings.SplitN(commitObj.Message, "\n", 2)[0]),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if strings.HasPrefix(line, labelTrailer) {
			info.Label = strings.TrimSpace(strings.TrimPrefix(line, labelTrailer))
		}
	}
	return info
}

func slug(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if len(out) > 0 && out[len(out)-1] != '-' {
				out = append(out, '-')
			}
		}
	}
	result := strings.Trim(string(out), "-")
	if result == "" {
		return "user"
	}
	return result
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) < 4 {
		return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrRevisionNotFound, hash)
	}
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	return *resolved, nil
}
