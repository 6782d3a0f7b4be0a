package scripting

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ToLValue converts a Go value into a Lua value owned by L. Supported
// types are nil, bool, string, the integer and float kinds, []string,
// []any, map[string]string and map[string]any; maps become tables with
// string keys and slices become 1-based arrays.
func ToLValue(L *lua.LState, v any) (lua.LValue, error) {
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return x, nil
	case bool:
		return lua.LBool(x), nil
	case string:
		return lua.LString(x), nil
	case int:
		return lua.LNumber(x), nil
	case int64:
		return lua.LNumber(x), nil
	case float64:
		return lua.LNumber(x), nil
	case []string:
		tbl := L.CreateTable(len(x), 0)
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl, nil
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for i, e := range x {
			lv, err := ToLValue(L, e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i+1, err)
			}
			tbl.Append(lv)
		}
		return tbl, nil
	case map[string]string:
		tbl := L.CreateTable(0, len(x))
		for k, s := range x {
			tbl.RawSetString(k, lua.LString(s))
		}
		return tbl, nil
	case map[string]any:
		tbl := L.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lv, err := ToLValue(L, x[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			tbl.RawSetString(k, lv)
		}
		return tbl, nil
	default:
		return nil, fmt.Errorf("unsupported Lua argument type %T", v)
	}
}
