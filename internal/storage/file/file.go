// Package file stores session snapshots as JSON documents on local disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

const snapshotExt = ".json"

// Store keeps one file per session under a root directory.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
//
// Precondition: dir must be non-empty; logger must be non-nil.
// Postcondition: Returns a Store whose root directory exists, or an error.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("file-store"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Path returns the file that holds sessionID's snapshot.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+snapshotExt)
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Save writes the snapshot to a temporary file, syncs it and renames it
// over the previous one.
//
// Postcondition: On success the file holds exactly snap. On failure the
// previous file, if any, is untouched.
func (s *Store) Save(ctx context.Context, sessionID string, snap story.Snapshot) error {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := story.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(sessionID)); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	committed = true

	s.logger.Debug("snapshot saved",
		zap.String("session_id", sessionID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load reads and decodes the snapshot for sessionID.
//
// Postcondition: A missing file yields story.ErrSessionNotFound; an
// unparseable file yields story.ErrSessionCorrupted.
func (s *Store) Load(ctx context.Context, sessionID string) (story.Snapshot, error) {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return story.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return story.Snapshot{}, err
	}

	l := s.lockFor(sessionID)
	l.Lock()
	data, err := os.ReadFile(s.Path(sessionID))
	l.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return story.Snapshot{}, fmt.Errorf("%w: %s", story.ErrSessionNotFound, sessionID)
		}
		return story.Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	return story.DecodeSnapshot(data)
}
