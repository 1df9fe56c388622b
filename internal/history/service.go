// Package history records every confirmed baseline of a workspace as a git
// commit so earlier versions can be listed and restored for inspection.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-logr/logr"

	"roster/api/internal/model"
	"roster/api/internal/workspace"
)

const (
	snapshotFile = "snapshot.json"
	branchName   = "main"
)

var (
	ErrNoHistory          = errors.New("workspace has no history")
	ErrInvalidWorkspaceID = errors.New("invalid workspace id")
)

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	log     logr.Logger
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, log logr.Logger) *Service {
	return &Service{
		baseDir: baseDir,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits snapshot unless it equals the latest recorded one. The
// boolean reports whether a commit was made.
func (s *Service) Record(workspaceID string, snapshot model.Set, author, message string) (Commit, bool, error) {
	if !workspaceIDPattern.MatchString(workspaceID) {
		return Commit{}, false, ErrInvalidWorkspaceID
	}
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(workspaceID)
	if err != nil {
		return Commit{}, false, err
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	payload = append(payload, '\n')

	if head, ok, err := headCommit(repo); err != nil {
		return Commit{}, false, err
	} else if ok {
		previous, err := readSnapshotBytes(head)
		if err != nil {
			return Commit{}, false, err
		}
		if bytes.Equal(previous, payload) {
			return toCommit(head), false, nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), payload, 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add snapshot: %w", err)
	}
	if author == "" {
		author = "roster"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.roster.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// List returns recorded commits, newest first.
func (s *Service) List(workspaceID string, limit int) ([]Commit, error) {
	repo, unlock, err := s.open(workspaceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, ok, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Commit{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Load returns the snapshot stored at hash (full or abbreviated).
func (s *Service) Load(workspaceID, hash string) (model.Set, error) {
	repo, unlock, err := s.open(workspaceID)
	if err != nil {
		return model.Set{}, err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return model.Set{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return model.Set{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	raw, err := readSnapshotBytes(commitObj)
	if err != nil {
		return model.Set{}, err
	}
	var set model.Set
	if err := json.Unmarshal(raw, &set); err != nil {
		return model.Set{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return set, nil
}

// OnSync records the new baseline after each successful remote write.
func (s *Service) OnSync(_ context.Context, event workspace.SyncEvent) {
	message := fmt.Sprintf("%s: %d rows, %d columns", event.Kind, len(event.Baseline.Rows), len(event.Baseline.Schema))
	commit, created, err := s.Record(event.WorkspaceID, event.Baseline, event.ActorName, message)
	if err != nil {
		s.log.Error(err, "record history", "workspace", event.WorkspaceID)
		return
	}
	if created {
		s.log.V(1).Info("history recorded", "workspace", event.WorkspaceID, "commit", commit.Hash)
	}
}

func (s *Service) open(workspaceID string) (*git.Repository, func(), error) {
	if !workspaceIDPattern.MatchString(workspaceID) {
		return nil, nil, ErrInvalidWorkspaceID
	}
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	repo, err := git.PlainOpen(s.repoPath(workspaceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		lock.Unlock()
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) openOrInit(workspaceID string) (*git.Repository, error) {
	path := s.repoPath(workspaceID)
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func (s *Service) repoPath(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID)
}

func (s *Service) workspaceLock(workspaceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[workspaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[workspaceID] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, bool, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, true, nil
}

func readSnapshotBytes(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return raw, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
