package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()

	a1, err := reg.GetOrCreate("S1")
	require.NoError(t, err)
	a2, err := reg.GetOrCreate("S1")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.False(t, a1.Started())

	_, err = reg.GetOrCreate("../../etc/passwd")
	assert.ErrorIs(t, err, story.ErrInvalidSessionID)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()

	actors := make([]*Actor, 16)
	var wg sync.WaitGroup
	for i := range actors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.GetOrCreate("shared")
			assert.NoError(t, err)
			actors[i] = a
		}(i)
	}
	wg.Wait()
	for _, a := range actors {
		assert.Same(t, actors[0], a)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LiveSessions))
}

func TestRegistry_DropAndSessionIDs(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()
	for _, id := range []string{"b", "a", "c"} {
		_, err := reg.GetOrCreate(id)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, reg.SessionIDs())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.LiveSessions))

	assert.True(t, reg.Drop("b"))
	assert.False(t, reg.Drop("b"))
	assert.Equal(t, []string{"a", "c"}, reg.SessionIDs())
	_, ok := reg.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.LiveSessions))
}

func TestRegistry_LoadNotFoundDoesNotCrash(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()
	st := reg.Load(context.Background(), "ghost")
	assert.Equal(t, story.StatusNotFound, st.Code)

	// The session can still be started afterwards.
	st = reg.Start(context.Background(), "ghost", "graveyard", "", mustPlayer(t, "Ann", ""), english)
	assert.True(t, st.OK())
}

func TestRegistry_JoinStartsWithDefaultSetting(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()

	a, st := reg.Join(context.Background(), "lobby", "conn-1", "Ann", "a cartographer")
	require.True(t, st.OK(), st.String())
	snap := a.Snapshot()
	assert.Equal(t, "a misty harbor town", snap.Setting)
	assert.Equal(t, []string{"Ann"}, snap.PlayerNames())
	assert.Equal(t, "en", snap.Language)

	_, st = reg.Join(context.Background(), "lobby", "conn-2", "Bo", "")
	require.True(t, st.OK(), st.String())
	assert.Equal(t, []string{"Ann", "Bo"}, a.Snapshot().PlayerNames())
}

func TestRegistry_JoinLoadsSavedSession(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	_, a := startS1(t, h)
	_, err := a.SubmitAction(context.Background(), "Ann", "open the door")
	require.NoError(t, err)

	fresh := h.registry()
	joined, st := fresh.Join(context.Background(), "S1", "conn-bo", "Bo", "")
	require.True(t, st.OK(), st.String())
	snap := joined.Snapshot()
	assert.Equal(t, "haunted manor", snap.Setting)
	assert.Equal(t, []string{"Ann", "Bo"}, snap.PlayerNames())
	assert.Len(t, snap.MessageHistory, 1)

	// A returning player reclaims their saved character.
	_, st = fresh.Join(context.Background(), "S1", "conn-ann", "Ann", "")
	assert.Equal(t, story.StatusAlreadyPresent, st.Code)
	assert.True(t, joined.RemovePlayer(context.Background(), "conn-ann").OK())
}

func TestRegistry_JoinCorruptedSession(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	h.store.put("S1", `{`)
	_, st := h.registry().Join(context.Background(), "S1", "c", "Ann", "")
	assert.Equal(t, story.StatusCorrupted, st.Code)
}

func TestRegistry_ConcurrentJoinsStartOnce(t *testing.T) {
	h := newHarness(t, &echoGenerator{})
	reg := h.registry()

	const n = 10
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, st := reg.Join(context.Background(), "party", fmt.Sprintf("conn-%d", i), fmt.Sprintf("P%d", i), "")
			if !st.OK() {
				return fmt.Errorf("join %d: %s", i, st)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	a, _ := reg.Get("party")
	assert.Len(t, a.Snapshot().Players, n)
}

func TestPropertyTranscriptSequencesContiguousAcrossSessions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h, err := buildHarness(&echoGenerator{}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		reg := h.registry()
		ids := []string{"alpha", "beta"}
		for _, id := range ids {
			p, err := story.NewPlayer("Ann", "")
			if err != nil {
				t.Fatal(err)
			}
			if st := reg.Start(context.Background(), id, "x", "", p, english); !st.OK() {
				t.Fatalf("start %s: %s", id, st)
			}
		}

		targets := rapid.SliceOfN(rapid.SampledFrom(ids), 1, 20).Draw(t, "targets")
		var g errgroup.Group
		want := map[string]int{}
		for _, id := range targets {
			id := id
			want[id]++
			g.Go(func() error {
				a, _ := reg.Get(id)
				_, err := a.SubmitAction(context.Background(), "Ann", "act")
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		for _, id := range ids {
			a, _ := reg.Get(id)
			transcript := a.Snapshot().Transcript()
			if len(transcript) != want[id] {
				t.Fatalf("%s has %d turns, want %d", id, len(transcript), want[id])
			}
			for i, turn := range transcript {
				if turn.Sequence != int64(i+1) {
					t.Fatalf("%s turn %d has sequence %d", id, i, turn.Sequence)
				}
			}
		}
	})
}
