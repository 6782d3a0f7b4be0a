package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/storage/postgres"
	"github.com/cory-johannsen/storyweave/internal/testutil"
)

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func sampleSnapshot() story.Snapshot {
	return story.Snapshot{
		Players: map[string]story.Player{
			"Aria": {ID: "p-1", Name: "Aria", Backstory: "a wandering bard"},
		},
		Setting: "fantasy",
		MessageHistory: [][2]string{
			{"Aria: I light a torch", "Narrator: Shadows retreat up the stairwell."},
		},
		LanguageConfig: story.LanguageConfig{Language: "en"},
		Summary:        "The party entered the tower.",
		SummaryThrough: 1,
	}
}

func TestSnapshotStore(t *testing.T) {
	pool := testutil.NewPool(t)
	store := postgres.NewSnapshotStore(pool, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		id := uniqueID("tower")
		require.NoError(t, store.Save(ctx, id, sampleSnapshot()))
		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sampleSnapshot(), got)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		id := uniqueID("tower")
		require.NoError(t, store.Save(ctx, id, sampleSnapshot()))
		next := sampleSnapshot()
		next.Setting = "noir"
		require.NoError(t, store.Save(ctx, id, next))
		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "noir", got.Setting)
	})

	t.Run("missing is not found", func(t *testing.T) {
		_, err := store.Load(ctx, uniqueID("absent"))
		assert.ErrorIs(t, err, story.ErrSessionNotFound)
	})

	t.Run("invalid document is corrupted", func(t *testing.T) {
		id := uniqueID("broken")
		_, err := pool.Exec(ctx,
			`INSERT INTO story_snapshots (session_id, snapshot) VALUES ($1, $2)`,
			id, []byte(`{"players":{}}`))
		require.NoError(t, err)
		_, err = store.Load(ctx, id)
		assert.ErrorIs(t, err, story.ErrSessionCorrupted)
	})

	t.Run("concurrent saves serialize", func(t *testing.T) {
		id := uniqueID("busy")
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				snap := sampleSnapshot()
				snap.Setting = fmt.Sprintf("setting-%d", i)
				assert.NoError(t, store.Save(ctx, id, snap))
			}(i)
		}
		wg.Wait()
		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, got.Setting, "setting-")
	})

	t.Run("list and delete", func(t *testing.T) {
		id := uniqueID("listed")
		require.NoError(t, store.Save(ctx, id, sampleSnapshot()))
		ids, err := store.SessionIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id)

		require.NoError(t, store.Delete(ctx, id))
		_, err = store.Load(ctx, id)
		assert.ErrorIs(t, err, story.ErrSessionNotFound)
	})
}

func TestSnapshotStoreRejectsInvalidID(t *testing.T) {
	store := postgres.NewSnapshotStore(nil, zaptest.NewLogger(t))
	err := store.Save(context.Background(), "bad id!", sampleSnapshot())
	assert.ErrorIs(t, err, story.ErrInvalidSessionID)
	_, err = store.Load(context.Background(), "")
	assert.ErrorIs(t, err, story.ErrInvalidSessionID)
}
