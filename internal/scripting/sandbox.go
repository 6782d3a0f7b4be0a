// Package scripting runs operator-supplied Lua scripts in a sandboxed
// GopherLua VM. It knows nothing about sessions or players; callers pass
// plain Lua values in and read plain Lua values back.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the opcode budget of one script call when no
// override is configured.
const DefaultInstructionLimit = 100_000

// countingContext cancels itself after Done has been called limit times.
// GopherLua's main loop calls Done once per opcode, which turns the
// context into an exact instruction budget.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newCountingContext returns a context that cancels after limit calls to
// Done, or earlier if parent is cancelled.
//
// Precondition: limit > 0.
func newCountingContext(parent context.Context, limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(parent)
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{Context: base, cancel: cancel, remaining: rem}, cancel
}

// NewSandboxedState creates an LState with only the base, table, string and
// math libraries, and with dofile, loadfile, load, collectgarbage and
// require removed.
//
// Postcondition: The caller owns the LState and must Close it. No
// instruction budget is attached; use runLimited around each call.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// runLimited runs fn with a fresh instruction budget of limit opcodes
// attached to L, detaching it afterwards so the next call starts from a
// full budget.
//
// Precondition: L is not used concurrently.
func runLimited(ctx context.Context, L *lua.LState, limit int, fn func() error) error {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	cctx, cancel := newCountingContext(ctx, limit)
	defer cancel()

	L.SetContext(cctx)
	defer L.RemoveContext()
	return fn()
}
