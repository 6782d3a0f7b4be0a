package scripting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"
)

func TestNewSandboxedState_UnsafeLibsNil(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	for _, name := range []string{"os", "io", "debug"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_DangerousGlobalsNil(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_SafeLibsAvailable(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	err := L.DoString(`
		local s = string.upper("manor")
		assert(s == "MANOR", "string.upper failed")
		local t = {"a", "b"}
		assert(table.concat(t, ",") == "a,b", "table.concat failed")
	`)
	assert.NoError(t, err)
}

func TestRunLimited_InfiniteLoopStops(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	err := runLimited(context.Background(), L, 10, func() error {
		return L.DoString(`while true do end`)
	})
	assert.Error(t, err)
}

func TestRunLimited_BudgetResetsPerCall(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	require.NoError(t, L.DoString(`function step() local x = 0 for i = 1, 20 do x = x + i end return x end`))

	for i := 0; i < 50; i++ {
		err := runLimited(context.Background(), L, 500, func() error {
			return L.CallByParam(lua.P{Fn: L.GetGlobal("step"), NRet: 1, Protect: true})
		})
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, lua.LNumber(210), L.Get(-1))
		L.Pop(1)
	}
}

func TestRunLimited_ParentCancelled(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runLimited(ctx, L, 0, func() error {
		return L.DoString(`while true do end`)
	})
	assert.Error(t, err)
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		L := NewSandboxedState()
		defer L.Close()
		err := runLimited(context.Background(), L, limit, func() error {
			return L.DoString(`while true do end`)
		})
		if err == nil {
			t.Fatalf("expected error with limit=%d but got nil", limit)
		}
	})
}
