package file_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/storage/file"
)

func sampleSnapshot() story.Snapshot {
	return story.Snapshot{
		Players: map[string]story.Player{
			"Aria": {Name: "Aria", Backstory: "a wandering bard"},
		},
		Setting: "fantasy",
		MessageHistory: [][2]string{
			{"Aria: I open the door", "Narrator: The hinges groan."},
		},
		LanguageConfig: story.LanguageConfig{Language: "en"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := file.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tavern", sampleSnapshot()))
	got, err := s.Load(ctx, "tavern")
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), got)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	s, err := file.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "nowhere")
	assert.ErrorIs(t, err, story.ErrSessionNotFound)
}

func TestLoadGarbageIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := file.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("broken"), []byte("{not json"), 0o644))

	_, err = s.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, story.ErrSessionCorrupted)
}

func TestSaveReplacesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := file.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	first := sampleSnapshot()
	require.NoError(t, s.Save(ctx, "tavern", first))
	second := sampleSnapshot()
	second.Setting = "noir"
	require.NoError(t, s.Save(ctx, "tavern", second))

	got, err := s.Load(ctx, "tavern")
	require.NoError(t, err)
	assert.Equal(t, "noir", got.Setting)

	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestInvalidSessionIDRejected(t *testing.T) {
	s, err := file.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, s.Save(ctx, "../escape", sampleSnapshot()), story.ErrInvalidSessionID)
	_, err = s.Load(ctx, "")
	assert.ErrorIs(t, err, story.ErrInvalidSessionID)
}

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := file.New("", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestConcurrentSavesStayReadable(t *testing.T) {
	s, err := file.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := sampleSnapshot()
			snap.Setting = fmt.Sprintf("setting-%d", i)
			assert.NoError(t, s.Save(ctx, "busy", snap))
		}(i)
	}
	wg.Wait()

	got, err := s.Load(ctx, "busy")
	require.NoError(t, err)
	assert.Contains(t, got.Setting, "setting-")
}

// Property: whatever is saved last is what Load returns.
func TestPropertyLastSaveWins(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		s, err := file.New(dir, zaptest.NewLogger(t))
		if err != nil {
			rt.Fatal(err)
		}
		id := rapid.StringMatching(`[a-z][a-z0-9]{0,15}`).Draw(rt, "id")
		settings := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{0,20}`), 1, 5).Draw(rt, "settings")
		for _, setting := range settings {
			snap := sampleSnapshot()
			snap.Setting = setting
			if err := s.Save(context.Background(), id, snap); err != nil {
				rt.Fatal(err)
			}
		}
		got, err := s.Load(context.Background(), id)
		if err != nil {
			rt.Fatal(err)
		}
		if got.Setting != settings[len(settings)-1] {
			rt.Fatalf("got %q, want %q", got.Setting, settings[len(settings)-1])
		}
	})
}
