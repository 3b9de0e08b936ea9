// Package history keeps every feed a session has seen in a git repository
// per session, so earlier states of the annotations can be listed and
// restored.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"annosync/internal/annotation"
	"annosync/internal/xfdf"
)

const (
	feedFile   = "feed.xfdf"
	mainBranch = "main"
)

// ErrNoHistory is returned for sessions that never recorded a feed.
var ErrNoHistory = errors.New("history: no snapshots for session")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Key derives the repository name for a session URL.
func Key(sessionURL string) string {
	sum := sha256.Sum256([]byte(sessionURL))
	return hex.EncodeToString(sum[:8])
}

// Record commits feed as the newest snapshot of session. An identical feed
// adds no commit; the current head is returned instead.
func (s *Service) Record(session string, feed xfdf.Document, author, message string) (Commit, error) {
	lock := s.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(session)
	repo, err := git.PlainOpen(path)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		return s.initRepo(path, feed, author, message)
	case err != nil:
		return Commit{}, fmt.Errorf("open repo: %w", err)
	}

	if err := checkoutBranch(repo, mainBranch); err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeFeed(worktree, feed); err != nil {
		return Commit{}, err
	}
	status, err := worktree.Status()
	if err != nil {
		return Commit{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return Commit{}, fmt.Errorf("resolve head: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Commit{}, fmt.Errorf("read head commit: %w", err)
		}
		return toCommit(commitObj), nil
	}

	hash, err := commit(worktree, author, message)
	if err != nil {
		return Commit{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists snapshots newest first. limit <= 0 means all.
func (s *Service) History(session string, limit int) ([]Commit, error) {
	lock := s.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(session)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// FeedAt returns the feed recorded in commit hash (short or full).
func (s *Service) FeedAt(session, hash string) (xfdf.Document, error) {
	lock := s.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(session)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(feedFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", feedFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open feed reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read feed bytes: %w", err)
	}
	return xfdf.Document(data), nil
}

// Diff lists annotation ids added, removed and changed between two feeds.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func DiffFeeds(from, to xfdf.Feed) Diff {
	var diff Diff
	for id, after := range to.Records {
		before, ok := from.Records[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		if !sameRecord(before, after) {
			diff.Changed = append(diff.Changed, id)
		}
	}
	for id := range from.Records {
		if _, ok := to.Records[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func sameRecord(a, b annotation.Record) bool {
	return a.Kind == b.Kind &&
		a.Page == b.Page &&
		a.Rect == b.Rect &&
		a.Author == b.Author &&
		a.Contents == b.Contents &&
		a.ReplyTo == b.ReplyTo &&
		a.Color == b.Color &&
		a.Points == b.Points &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.ModifiedAt.Equal(b.ModifiedAt)
}

func (s *Service) initRepo(path string, feed xfdf.Document, author, message string) (Commit, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Commit{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return Commit{}, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeFeed(worktree, feed); err != nil {
		return Commit{}, err
	}
	hash, err := commit(worktree, author, message)
	if err != nil {
		return Commit{}, err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return Commit{}, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return Commit{}, fmt.Errorf("set HEAD to main: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

func (s *Service) open(session string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(session))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(session string) string {
	return filepath.Join(s.baseDir, session)
}

func (s *Service) sessionLock(session string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[session]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[session] = lock
	return lock
}

func writeFeed(worktree *git.Worktree, feed xfdf.Document) error {
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, feedFile), feed, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", feedFile, err)
	}
	if _, err := worktree.Add(feedFile); err != nil {
		return fmt.Errorf("git add feed: %w", err)
	}
	return nil
}

func commit(worktree *git.Worktree, author, message string) (plumbing.Hash, error) {
	if author == "" {
		author = "annosync"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.annosync", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit feed: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branchName), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
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
