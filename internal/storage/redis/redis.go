// Package redis stores session snapshots as JSON strings in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/config"
	"github.com/cory-johannsen/storyweave/internal/game/story"
)

// Store keeps one key per session under a common prefix.
type Store struct {
	client *goredis.Client
	prefix string
	logger *zap.Logger
}

// NewClient dials Redis and verifies the connection.
//
// Postcondition: Returns a client that answered PING, or an error.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New creates a Store on an existing client.
//
// Precondition: client and logger must be non-nil.
func New(client *goredis.Client, prefix string, logger *zap.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger.Named("redis-store")}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save replaces the snapshot for sessionID with a single SET.
func (s *Store) Save(ctx context.Context, sessionID string, snap story.Snapshot) error {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := story.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("setting snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved",
		zap.String("session_id", sessionID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load fetches and decodes the snapshot for sessionID.
//
// Postcondition: A missing key yields story.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (story.Snapshot, error) {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return story.Snapshot{}, err
	}
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return story.Snapshot{}, fmt.Errorf("%w: %s", story.ErrSessionNotFound, sessionID)
		}
		return story.Snapshot{}, fmt.Errorf("getting snapshot: %w", err)
	}
	return story.DecodeSnapshot(data)
}

// SessionIDs lists stored session ids in ascending order.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning snapshot keys: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
