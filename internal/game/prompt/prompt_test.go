package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/scripting"
)

func players() []story.Player {
	return []story.Player{
		{ID: "2", Name: "Bo", Backstory: ""},
		{ID: "1", Name: "Ann", Backstory: "a retired thief"},
	}
}

func TestDefault_Valid(t *testing.T) {
	tpl := Default()
	require.NoError(t, tpl.Validate())
	assert.NotEmpty(t, tpl.Apology)
	assert.NotEmpty(t, tpl.Summary)
}

func TestFraming_Template(t *testing.T) {
	b, err := NewBuilder(Default(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	text := b.Framing(context.Background(), "S1", "haunted manor", players())

	assert.Contains(t, text, "Facilitate a cooperative adventure")
	assert.Contains(t, text, "with a haunted manor setting.")
	assert.Contains(t, text, "The first player's character is Ann. The backstory of Ann is: a retired thief.")
	assert.Contains(t, text, "Another player's character is Bo.\n")
	assert.NotContains(t, text, "backstory of Bo")
}

func TestFraming_Deterministic(t *testing.T) {
	b, err := NewBuilder(Default(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	p := players()
	reversed := []story.Player{p[1], p[0]}
	assert.Equal(t,
		b.Framing(context.Background(), "S1", "fantasy", p),
		b.Framing(context.Background(), "S1", "fantasy", reversed),
	)
}

func TestFraming_ScriptedHookWins(t *testing.T) {
	mgr := scripting.NewManager(zaptest.NewLogger(t))
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.LoadString(scripting.GlobalScope, `
		function build_framing(setting, players)
			local names = {}
			for i, p in ipairs(players) do names[i] = p.name end
			return "Narrate " .. setting .. " for " .. table.concat(names, " and ")
		end
	`, 0))

	b, err := NewBuilder(Default(), mgr, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "Narrate noir for Ann and Bo", b.Framing(context.Background(), "S1", "noir", players()))
}

func TestFraming_ScriptedHookFailureFallsBack(t *testing.T) {
	mgr := scripting.NewManager(zaptest.NewLogger(t))
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.LoadString(scripting.GlobalScope, `
		function build_framing(setting, players) error("broken") end
	`, 0))

	b, err := NewBuilder(Default(), mgr, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Contains(t, b.Framing(context.Background(), "S1", "noir", players()), "with a noir setting.")
}

func TestFraming_ScriptedHookNilFallsBack(t *testing.T) {
	mgr := scripting.NewManager(zaptest.NewLogger(t))
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.LoadString(scripting.GlobalScope, `function build_framing() return nil end`, 0))

	b, err := NewBuilder(Default(), mgr, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Contains(t, b.Framing(context.Background(), "S1", "noir", nil), "Facilitate")
}

func TestLoadFile_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apology: \"Try again.\"\n"), 0644))

	tpl, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Try again.", tpl.Apology)
	assert.Equal(t, Default().Framing, tpl.Framing)

	b, err := NewBuilder(tpl, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "Try again.", b.Apology())
	assert.Equal(t, Default().Summary, b.SummaryInstruction())
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("framing: \"{{.Setting\"\n"), 0644))
	_, err := LoadFile(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("apology: \"  \"\n"), 0644))
	_, err = LoadFile(empty)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
