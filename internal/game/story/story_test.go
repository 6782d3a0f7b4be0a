package story

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewPlayer_AssignsUniqueIDs(t *testing.T) {
	a, err := NewPlayer("Ann", "a ghost hunter")
	require.NoError(t, err)
	b, err := NewPlayer("Bob", "")
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Ann", a.Name)
	assert.Equal(t, "a ghost hunter", a.Backstory)
}

func TestNewPlayer_TrimsName(t *testing.T) {
	p, err := NewPlayer("  Ann \t", " backstory ")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)
	assert.Equal(t, "backstory", p.Backstory)
}

func TestValidatePlayerName(t *testing.T) {
	for _, bad := range []string{"", "a:b", "line\nbreak", strings.Repeat("x", maxNameLength+1)} {
		err := ValidatePlayerName(bad)
		assert.True(t, errors.Is(err, ErrInvalidPlayerName), "name %q should be rejected", bad)
	}
	assert.NoError(t, ValidatePlayerName("Ann-Marie O'Neil"))
}

func TestValidateSessionID(t *testing.T) {
	for _, good := range []string{"S1", "default", "my-game_2.b"} {
		assert.NoError(t, ValidateSessionID(good), good)
	}
	for _, bad := range []string{"", "../etc", "a/b", ".hidden", "has space"} {
		assert.ErrorIs(t, ValidateSessionID(bad), ErrInvalidSessionID, bad)
	}
}

func TestTurn_PairRoundTrip(t *testing.T) {
	turn := Turn{Sequence: 3, PlayerName: "Ann", Action: "say: hello", Response: "The door creaks."}
	got := TurnFromPair(3, turn.Pair())
	assert.Equal(t, turn, got)
}

func TestTurnFromPair_NoSeparator(t *testing.T) {
	got := TurnFromPair(1, [2]string{"just text", "reply"})
	assert.Equal(t, "", got.PlayerName)
	assert.Equal(t, "just text", got.Action)
}

func TestEncodeSnapshot_Shape(t *testing.T) {
	data, err := EncodeSnapshot(Snapshot{
		Players: map[string]Player{"Ann": {ID: "1", Name: "Ann", Backstory: "b"}},
		Setting: "haunted manor",
		MessageHistory: [][2]string{
			{"Ann: open the door", "It opens."},
		},
		LanguageConfig: LanguageConfig{Language: "en"},
	})
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"players":{"Ann":{"id":"1","name":"Ann","backstory":"b"}}`)
	assert.Contains(t, s, `"message_history":[["Ann: open the door","It opens."]]`)
	assert.Contains(t, s, `"language":"en"`)
	assert.Contains(t, s, `"translation_enabled":false`)
	assert.NotContains(t, s, "summary")
}

func TestEncodeSnapshot_NilCollections(t *testing.T) {
	data, err := EncodeSnapshot(Snapshot{Setting: "x"})
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Empty(t, snap.Players)
	assert.Empty(t, snap.MessageHistory)
}

func TestDecodeSnapshot_Corrupted(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"players":`,
		"missing players": `{"setting":"x","message_history":[]}`,
		"missing history": `{"players":{},"setting":"x"}`,
		"short pair":      `{"players":{},"message_history":[["only prompt"]]}`,
		"long pair":       `{"players":{},"message_history":[["a","b","c"]]}`,
		"key mismatch":    `{"players":{"Ann":{"id":"1","name":"Bob"}},"message_history":[]}`,
		"summary range":   `{"players":{},"message_history":[],"summary":"s","summary_through":3}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			snap, err := DecodeSnapshot([]byte(raw))
			assert.ErrorIs(t, err, ErrSessionCorrupted)
			assert.Equal(t, Snapshot{}, snap)
		})
	}
}

func TestSnapshot_TranscriptSequencing(t *testing.T) {
	snap := Snapshot{MessageHistory: [][2]string{{"Ann: a", "1"}, {"Bob: b", "2"}}}
	turns := snap.Transcript()
	require.Len(t, turns, 2)
	assert.Equal(t, int64(1), turns[0].Sequence)
	assert.Equal(t, "Bob", turns[1].PlayerName)
	assert.Equal(t, int64(2), turns[1].Sequence)
}

func TestStatus(t *testing.T) {
	s := Statusf(StatusNotFound, "session %q not found", "S1")
	assert.False(t, s.OK())
	assert.Equal(t, `not_found: session "S1" not found`, s.String())
	assert.True(t, Status{Code: StatusOK}.OK())
}

func TestPropertySnapshotRoundTrip(t *testing.T) {
	nameGen := rapid.StringMatching(`[A-Za-z][A-Za-z ']{0,15}`)
	rapid.Check(t, func(t *rapid.T) {
		players := map[string]Player{}
		for _, name := range rapid.SliceOfNDistinct(nameGen, 0, 5, func(s string) string { return s }).Draw(t, "names") {
			players[name] = Player{ID: rapid.String().Draw(t, "id"), Name: name, Backstory: rapid.String().Draw(t, "backstory")}
		}
		n := rapid.IntRange(0, 10).Draw(t, "turns")
		history := make([][2]string, 0, n)
		for i := 0; i < n; i++ {
			turn := Turn{
				Sequence:   int64(i + 1),
				PlayerName: nameGen.Draw(t, "player"),
				Action:     rapid.String().Draw(t, "action"),
				Response:   rapid.String().Draw(t, "response"),
			}
			history = append(history, turn.Pair())
		}
		in := Snapshot{
			Players:        players,
			Setting:        rapid.String().Draw(t, "setting"),
			MessageHistory: history,
			LanguageConfig: LanguageConfig{
				Language:           rapid.SampledFrom([]string{"en", "fr", "de"}).Draw(t, "lang"),
				TranslationEnabled: rapid.Bool().Draw(t, "translate"),
			},
		}
		data, err := EncodeSnapshot(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := DecodeSnapshot(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Players) != len(in.Players) || out.Setting != in.Setting || out.LanguageConfig != in.LanguageConfig {
			t.Fatalf("snapshot changed across round trip: %+v != %+v", out, in)
		}
		for name, p := range in.Players {
			if out.Players[name] != p {
				t.Fatalf("player %q changed: %+v != %+v", name, out.Players[name], p)
			}
		}
		if len(out.MessageHistory) != len(in.MessageHistory) {
			t.Fatalf("history length %d != %d", len(out.MessageHistory), len(in.MessageHistory))
		}
		for i, turn := range out.Transcript() {
			if turn.Pair() != in.MessageHistory[i] {
				t.Fatalf("turn %d changed: %v != %v", i, turn.Pair(), in.MessageHistory[i])
			}
		}
	})
}
