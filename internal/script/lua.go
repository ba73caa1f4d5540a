package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/coreman2200/keyfx/internal/manifest"
	"github.com/coreman2200/keyfx/internal/render"
	"github.com/coreman2200/keyfx/internal/telemetry"
)

const (
	stateKey   = "keyfx.state"
	modulesKey = "keyfx.modules"

	defaultHookCount = 1000
	loadTimeout      = time.Second
)

var moduleName = regexp.MustCompile(`^[a-z0-9_]+$`)

type LuaOptions struct {
	Keys      int
	LibDir    string
	HookCount int
}

// LuaLogic runs an effect script in its own interpreter. Scripts see only
// the base, string, table, math and bit32 libraries plus the host API:
//
//	num_keys()                   number of logical keys
//	set_color(key, color)        write a 0xRRGGBBAA color to a 0-based key
//	get_color(key)               read the color currently in the layer
//	fill(color)                  set every key
//	rgba(r, g, b [, a])          pack channels into a color
//	color_channels(color)        unpack into r, g, b, a
//	import(name)                 load <libdir>/<name>.lua once and return its value
//
// The script defines on_tick(facts, state). facts has frame, keys, spectrum
// (1-based list of band levels) and events (list of {key=, kind="down"|"up"}).
// state is a table that survives between ticks. Resolved parameters are in
// the global config table. Optional on_key_down(key) and on_key_up(key)
// callbacks run before on_tick.
type LuaLogic struct {
	name   string
	l      *lua.State
	keys   int
	libDir string

	// valid only during Tick
	ctx   context.Context
	layer render.Layer
}

// luaState marks that the interpreter holds live state for the instance.
type luaState struct{}

func NewLuaLogic(name string, src []byte, opts LuaOptions) (*LuaLogic, error) {
	g := &LuaLogic{name: name, l: lua.NewState(), keys: opts.Keys, libDir: opts.LibDir}
	l := g.l
	openSandbox(l)

	for _, fn := range []lua.RegistryFunction{
		{Name: "num_keys", Function: g.numKeys},
		{Name: "set_color", Function: g.setColor},
		{Name: "get_color", Function: g.getColor},
		{Name: "fill", Function: g.fill},
		{Name: "rgba", Function: luaRGBA},
		{Name: "color_channels", Function: luaChannels},
		{Name: "import", Function: g.importModule},
	} {
		l.Register(fn.Name, fn.Function)
	}
	l.NewTable()
	l.SetField(lua.RegistryIndex, modulesKey)
	l.NewTable()
	l.SetField(lua.RegistryIndex, stateKey)

	count := opts.HookCount
	if count <= 0 {
		count = defaultHookCount
	}
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if g.ctx != nil && g.ctx.Err() != nil {
			lua.Errorf(l, "tick deadline exceeded")
		}
	}, lua.MaskCount, count)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	g.ctx = ctx
	defer func() { g.ctx = nil }()

	if err := lua.LoadBuffer(l, string(src), "@"+name, ""); err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	l.Global("on_tick")
	ok := l.IsFunction(-1)
	l.SetTop(0)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoTick)
	}
	return g, nil
}

func openSandbox(l *lua.State) {
	libs := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
		{"bit32", lua.Bit32Open},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

// Tick implements Logic.
func (g *LuaLogic) Tick(ctx context.Context, st State, params manifest.Params, facts *Facts, layer render.Layer) (State, error) {
	l := g.l
	g.ctx, g.layer = ctx, layer
	defer func() {
		g.ctx, g.layer = nil, nil
		l.SetTop(0)
	}()
	l.SetTop(0)

	if st == nil {
		l.NewTable()
		l.SetField(lua.RegistryIndex, stateKey)
		pushParams(l, params)
		l.SetGlobal("config")
	}

	for _, ev := range facts.Events {
		fn := "on_key_down"
		if ev.Kind == telemetry.KeyUp {
			fn = "on_key_up"
		}
		l.Global(fn)
		if !l.IsFunction(-1) {
			l.Pop(1)
			continue
		}
		l.PushInteger(ev.Key)
		if err := l.ProtectedCall(1, 0, 0); err != nil {
			return st, err
		}
	}

	l.Global("on_tick")
	pushFacts(l, facts)
	l.Field(lua.RegistryIndex, stateKey)
	if err := l.ProtectedCall(2, 0, 0); err != nil {
		return st, err
	}
	return luaState{}, nil
}

func (g *LuaLogic) Close() error {
	g.l = nil
	return nil
}

func pushParams(l *lua.State, params manifest.Params) {
	l.CreateTable(0, len(params))
	for name, v := range params {
		switch x := v.(type) {
		case float64:
			l.PushNumber(x)
		case int64:
			l.PushNumber(float64(x))
		case bool:
			l.PushBoolean(x)
		case render.RGBA:
			l.PushNumber(float64(x))
		case string:
			l.PushString(x)
		default:
			continue
		}
		l.SetField(-2, name)
	}
}

func pushFacts(l *lua.State, f *Facts) {
	l.CreateTable(0, 4)
	l.PushNumber(float64(f.Frame))
	l.SetField(-2, "frame")
	l.PushInteger(f.Keys)
	l.SetField(-2, "keys")

	l.CreateTable(len(f.Spectrum.Bins), 0)
	for i, b := range f.Spectrum.Bins {
		l.PushNumber(b)
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "spectrum")

	l.CreateTable(len(f.Events), 0)
	for i, ev := range f.Events {
		l.CreateTable(0, 2)
		l.PushInteger(ev.Key)
		l.SetField(-2, "key")
		l.PushString(ev.Kind.String())
		l.SetField(-2, "kind")
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "events")
}

func (g *LuaLogic) numKeys(l *lua.State) int {
	l.PushInteger(g.keys)
	return 1
}

func (g *LuaLogic) checkKey(l *lua.State, idx int) int {
	k := lua.CheckInteger(l, idx)
	if k < 0 || k >= len(g.layer) {
		lua.ArgumentError(l, idx, "key out of range")
	}
	return k
}

func (g *LuaLogic) setColor(l *lua.State) int {
	k := g.checkKey(l, 1)
	g.layer[k] = checkColor(l, 2).Premultiply()
	return 0
}

func (g *LuaLogic) getColor(l *lua.State) int {
	k := g.checkKey(l, 1)
	l.PushNumber(float64(g.layer[k].Straight()))
	return 1
}

func (g *LuaLogic) fill(l *lua.State) int {
	c := checkColor(l, 1).Premultiply()
	for i := range g.layer {
		g.layer[i] = c
	}
	return 0
}

func (g *LuaLogic) importModule(l *lua.State) int {
	name := lua.CheckString(l, 1)
	if !moduleName.MatchString(name) {
		lua.ArgumentError(l, 1, "invalid module name")
	}
	l.Field(lua.RegistryIndex, modulesKey)
	l.Field(-1, name)
	if !l.IsNil(-1) {
		return 1
	}
	l.Pop(1)

	path := filepath.Join(g.libDir, name+".lua")
	src, err := os.ReadFile(path)
	if err != nil {
		lua.Errorf(l, "import %s: %s", name, err.Error())
	}
	if err := lua.LoadBuffer(l, string(src), "@"+path, ""); err != nil {
		lua.Errorf(l, "import %s: %s", name, err.Error())
	}
	l.Call(0, 1)
	if l.IsNil(-1) {
		l.Pop(1)
		l.PushBoolean(true)
	}
	l.PushValue(-1)
	l.SetField(-3, name)
	return 1
}

func checkColor(l *lua.State, idx int) render.RGBA {
	n := lua.CheckNumber(l, idx)
	if n < 0 || n > 0xFFFFFFFF {
		lua.ArgumentError(l, idx, "color out of range")
	}
	return render.RGBA(uint32(n))
}

func channelArg(l *lua.State, idx int, def int) uint8 {
	v := lua.OptInteger(l, idx, def)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func luaRGBA(l *lua.State) int {
	r := channelArg(l, 1, 0)
	g := channelArg(l, 2, 0)
	b := channelArg(l, 3, 0)
	a := channelArg(l, 4, 255)
	l.PushNumber(float64(render.Pack(r, g, b, a)))
	return 1
}

func luaChannels(l *lua.State) int {
	r, g, b, a := checkColor(l, 1).Channels()
	l.PushInteger(int(r))
	l.PushInteger(int(g))
	l.PushInteger(int(b))
	l.PushInteger(int(a))
	return 4
}
