package config

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibs are the only libraries opened in a config VM. os, io, package,
// channel, coroutine and debug are never loaded.
var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// baseLoaders are base library functions that read or compile code from
// outside the config file.
var baseLoaders = []string{"require", "dofile", "loadfile", "load", "loadstring"}

// newSandboxedVM creates a Lua VM that can only compute values.
func newSandboxedVM() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range safeLibs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	for _, name := range baseLoaders {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}
