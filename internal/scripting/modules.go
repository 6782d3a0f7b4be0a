package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules defines the story global in L:
//
//	story.scope             the scope the VM was loaded for
//	story.log.debug(msg)    and info, warn, error: write to the server log
//
// Precondition: L must be from NewSandboxedState.
func (m *Manager) RegisterModules(L *lua.LState, scope string) {
	story := L.NewTable()
	L.SetField(story, "scope", lua.LString(scope))

	log := L.NewTable()
	logger := m.logger.With(zap.String("scope", scope))
	for name, fn := range map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	} {
		write := fn
		L.SetField(log, name, L.NewFunction(func(L *lua.LState) int {
			write(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}))
	}
	L.SetField(story, "log", log)

	L.SetGlobal("story", story)
}
