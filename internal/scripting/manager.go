package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// GlobalScope is the reserved scope for scripts shared by every session.
// CallHook falls back to it when a scope has no VM of its own.
const GlobalScope = "__global__"

type vm struct {
	mu    sync.Mutex
	L     *lua.LState
	limit int
}

// Manager owns one sandboxed VM per scope and dispatches hook calls.
//
// Manager is safe for concurrent use. Calls into the same VM are
// serialized; different scopes run concurrently.
type Manager struct {
	mu     sync.RWMutex
	vms    map[string]*vm
	logger *zap.Logger
}

// NewManager creates a Manager with no VMs.
//
// Precondition: logger must be non-nil.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		vms:    make(map[string]*vm),
		logger: logger.Named("scripting"),
	}
}

// LoadGlobal loads every *.lua file in scriptDir into the global scope.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: Replaces any previous global VM; returns an error on a
// Lua load failure, leaving the previous VM in place.
func (m *Manager) LoadGlobal(scriptDir string, instLimit int) error {
	return m.LoadDir(GlobalScope, scriptDir, instLimit)
}

// LoadDir creates a VM for scope, registers the story.* modules, then
// executes every *.lua file in scriptDir in lexicographic order.
//
// Precondition: scope must be non-empty.
func (m *Manager) LoadDir(scope, scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q for %q: %w", scriptDir, scope, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(files)

	return m.load(scope, instLimit, func(L *lua.LState) error {
		for _, path := range files {
			if err := L.DoFile(path); err != nil {
				return fmt.Errorf("loading %q: %w", path, err)
			}
		}
		return nil
	})
}

// LoadString creates a VM for scope from a single Lua chunk.
func (m *Manager) LoadString(scope, src string, instLimit int) error {
	return m.load(scope, instLimit, func(L *lua.LState) error {
		return L.DoString(src)
	})
}

func (m *Manager) load(scope string, instLimit int, exec func(*lua.LState) error) error {
	L := NewSandboxedState()
	m.RegisterModules(L, scope)

	if err := runLimited(context.Background(), L, instLimit, func() error { return exec(L) }); err != nil {
		L.Close()
		return fmt.Errorf("scripting: loading scope %q: %w", scope, err)
	}

	m.mu.Lock()
	old := m.vms[scope]
	m.vms[scope] = &vm{L: L, limit: instLimit}
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.L.Close()
		old.mu.Unlock()
	}
	m.logger.Info("scripts loaded", zap.String("scope", scope))
	return nil
}

// HasHook reports whether hook is defined as a function in scope's VM or
// the global VM.
func (m *Manager) HasHook(scope, hook string) bool {
	v := m.lookup(scope)
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.L.GetGlobal(hook).Type() == lua.LTFunction
}

// CallHook calls the named Lua global function in scope's VM, falling back
// to the global VM. Returns (LNil, nil) if no VM exists or the hook is not
// defined. A Lua runtime error, including an exhausted instruction budget,
// is logged at Warn and returned.
//
// Postcondition: Returns the hook's first return value.
func (m *Manager) CallHook(ctx context.Context, scope, hook string, args ...lua.LValue) (lua.LValue, error) {
	return m.call(ctx, scope, hook, func(*lua.LState) ([]lua.LValue, error) { return args, nil })
}

// CallHookValues is CallHook with Go arguments converted by ToLValue in
// the target VM.
func (m *Manager) CallHookValues(ctx context.Context, scope, hook string, args ...any) (lua.LValue, error) {
	return m.call(ctx, scope, hook, func(L *lua.LState) ([]lua.LValue, error) {
		out := make([]lua.LValue, len(args))
		for i, a := range args {
			lv, err := ToLValue(L, a)
			if err != nil {
				return nil, fmt.Errorf("scripting: hook %q argument %d: %w", hook, i, err)
			}
			out[i] = lv
		}
		return out, nil
	})
}

func (m *Manager) call(ctx context.Context, scope, hook string, argsFn func(*lua.LState) ([]lua.LValue, error)) (lua.LValue, error) {
	v := m.lookup(scope)
	if v == nil {
		m.logger.Debug("no VM for scope", zap.String("scope", scope), zap.String("hook", hook))
		return lua.LNil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	args, err := argsFn(v.L)
	if err != nil {
		return lua.LNil, err
	}

	fn := v.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, nil
	}

	err = runLimited(ctx, v.L, v.limit, func() error {
		return v.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("Lua runtime error",
			zap.String("scope", scope),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, fmt.Errorf("scripting: hook %q: %w", hook, err)
	}

	ret := v.L.Get(-1)
	v.L.Pop(1)
	return ret, nil
}

// Close closes every VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scope, v := range m.vms {
		v.mu.Lock()
		v.L.Close()
		v.mu.Unlock()
		delete(m.vms, scope)
	}
}

func (m *Manager) lookup(scope string) *vm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.vms[scope]; ok {
		return v
	}
	return m.vms[GlobalScope]
}
