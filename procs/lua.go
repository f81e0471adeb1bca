// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package procs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
	"github.com/Shopify/go-lua"
	"go.uber.org/zap"
)

const luaRunKeyPrefix = "gimp_dbus.run."

// Script is a loaded Lua file. Every procedure it registers runs on the
// file's own interpreter, one call at a time.
//
// A script declares procedures with the global register function:
//
//	register{
//	  name = "lua-double",
//	  blurb = "Double a number",
//	  params = { {type = "INT32", name = "x", desc = "The number"} },
//	  returns = { {type = "INT32", name = "doubled"} },
//	  run = function(x) return 2 * x end,
//	}
//
// Arrays are passed as 1-based tables. An error raised by run is reported
// as an execution error.
type Script struct {
	path  string
	mu    sync.Mutex
	state *lua.State
	procs []string
	reg   *gimpbus.MemoryRegistry
}

// LoadScripts loads every *.lua file in dir in name order.
func LoadScripts(reg *gimpbus.MemoryRegistry, dir string) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading script dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lua") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]*Script, 0, len(names))
	for _, name := range names {
		s, err := LoadScript(reg, filepath.Join(dir, name))
		if err != nil {
			return scripts, err
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// LoadScript runs the file at path and registers the procedures it
// declares on reg.
func LoadScript(reg *gimpbus.MemoryRegistry, path string) (*Script, error) {
	s := &Script{path: path, state: lua.NewState(), reg: reg}
	lua.OpenLibraries(s.state)
	s.state.Register("register", s.register)

	if err := lua.LoadFile(s.state, path, ""); err != nil {
		return nil, fmt.Errorf("load lua %s: %w", path, err)
	}
	if err := s.state.ProtectedCall(0, 0, 0); err != nil {
		for _, name := range s.procs {
			reg.Unregister(name)
		}
		return nil, fmt.Errorf("run lua %s: %w", path, err)
	}
	gimpbus.Logger().Info("loaded lua script",
		zap.String("path", path), zap.Strings("procedures", s.procs))
	return s, nil
}

// Path returns the file the script was loaded from.
func (s *Script) Path() string {
	return s.path
}

// Procedures returns the names registered by the script.
func (s *Script) Procedures() []string {
	return append([]string(nil), s.procs...)
}

// register implements the Lua register{...} function.
func (s *Script) register(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)

	name := stringField(l, 1, "name")
	if name == "" {
		lua.ArgumentError(l, 1, "procedure name is required")
	}
	params, err := signatureField(l, 1, "params")
	if err != nil {
		lua.Errorf(l, "%s: params: %s", name, err.Error())
	}
	returns, err := signatureField(l, 1, "returns")
	if err != nil {
		lua.Errorf(l, "%s: returns: %s", name, err.Error())
	}

	l.Field(1, "run")
	if l.TypeOf(-1) != lua.TypeFunction {
		lua.Errorf(l, "%s: run must be a function", name)
	}
	key := luaRunKeyPrefix + name
	l.SetField(lua.RegistryIndex, key)

	proc := gimpbus.Procedure{
		Name:    name,
		Blurb:   stringField(l, 1, "blurb"),
		Help:    stringField(l, 1, "help"),
		Author:  stringField(l, 1, "author"),
		Date:    stringField(l, 1, "date"),
		Params:  params,
		Returns: returns,
	}
	if err := s.reg.Register(proc, s.call(name, key, returns)); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	s.procs = append(s.procs, name)
	return 0
}

func (s *Script) call(name, key string, returns gimpbus.Signature) gimpbus.ProcFunc {
	return func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
		s.mu.Lock()
		defer s.mu.Unlock()

		l := s.state
		top := l.Top()
		defer l.SetTop(top)

		l.Field(lua.RegistryIndex, key)
		for _, a := range args {
			pushParam(l, a)
		}
		if err := l.ProtectedCall(len(args), len(returns), 0); err != nil {
			gimpbus.Logger().Warn("lua procedure failed",
				zap.String("procedure", name), zap.String("script", s.path), zap.Error(err))
			return gimpbus.StatusExecutionError, nil
		}

		out := make([]gimpbus.Param, len(returns))
		for i, d := range returns {
			p, err := toParam(l, top+1+i, d.Type)
			if err != nil {
				gimpbus.Logger().Warn("lua procedure returned a bad value",
					zap.String("procedure", name), zap.String("return", d.Name), zap.Error(err))
				return gimpbus.StatusExecutionError, nil
			}
			out[i] = p
		}
		return gimpbus.StatusSuccess, out
	}
}

func stringField(l *lua.State, index int, key string) string {
	l.Field(index, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return ""
	}
	s, _ := l.ToString(-1)
	return s
}

// signatureField reads a list of {type=, name=, desc=} tables.
func signatureField(l *lua.State, index int, key string) (gimpbus.Signature, error) {
	index = l.AbsIndex(index)
	l.Field(index, key)
	defer l.Pop(1)
	switch l.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeTable:
	default:
		return nil, fmt.Errorf("expected a list of parameter tables")
	}

	list := l.AbsIndex(-1)
	n := l.RawLength(list)
	sig := make(gimpbus.Signature, 0, n)
	for i := 1; i <= n; i++ {
		l.RawGetInt(list, i)
		if l.TypeOf(-1) != lua.TypeTable {
			l.Pop(1)
			return nil, fmt.Errorf("entry %d is not a table", i)
		}
		typeName := stringField(l, -1, "type")
		t, ok := gimpbus.ParseParamType(typeName)
		if !ok || t == gimpbus.PDBStatus {
			l.Pop(1)
			return nil, fmt.Errorf("entry %d: unknown type %q", i, typeName)
		}
		sig = append(sig, gimpbus.ParamDef{
			Type:        t,
			Name:        stringField(l, -1, "name"),
			Description: stringField(l, -1, "desc"),
		})
		l.Pop(1)
	}
	return sig, nil
}

func pushParam(l *lua.State, p gimpbus.Param) {
	switch v := p.(type) {
	case gimpbus.Int32:
		l.PushInteger(int(v))
	case gimpbus.Int16:
		l.PushInteger(int(v))
	case gimpbus.Int8:
		l.PushInteger(int(v))
	case gimpbus.Float:
		l.PushNumber(float64(v))
	case gimpbus.String:
		l.PushString(string(v))
	case gimpbus.Color:
		l.PushInteger(int(gimpbus.PackColor(v)))
	case gimpbus.ID:
		l.PushInteger(int(v.Value))
	case gimpbus.Int32Array:
		pushList(l, len(v), func(i int) { l.PushInteger(int(v[i])) })
	case gimpbus.Int16Array:
		pushList(l, len(v), func(i int) { l.PushInteger(int(v[i])) })
	case gimpbus.Int8Array:
		pushList(l, len(v), func(i int) { l.PushInteger(int(v[i])) })
	case gimpbus.FloatArray:
		pushList(l, len(v), func(i int) { l.PushNumber(v[i]) })
	case gimpbus.StringArray:
		pushList(l, len(v), func(i int) { l.PushString(v[i]) })
	default:
		l.PushNil()
	}
}

func pushList(l *lua.State, n int, push func(i int)) {
	l.NewTable()
	for i := 0; i < n; i++ {
		push(i)
		l.RawSetInt(-2, i+1)
	}
}

func toInteger(l *lua.State, index int) (int, error) {
	if l.TypeOf(index) != lua.TypeNumber {
		return 0, fmt.Errorf("expected a number, got %s", lua.TypeNameOf(l, index))
	}
	v, _ := l.ToInteger(index)
	return v, nil
}

// toParam converts the Lua value at index to a parameter of type t.
func toParam(l *lua.State, index int, t gimpbus.ParamType) (gimpbus.Param, error) {
	switch t {
	case gimpbus.PDBInt32:
		v, err := toInteger(l, index)
		return gimpbus.Int32(v), err
	case gimpbus.PDBInt16:
		v, err := toInteger(l, index)
		return gimpbus.Int16(v), err
	case gimpbus.PDBInt8:
		v, err := toInteger(l, index)
		return gimpbus.Int8(v), err
	case gimpbus.PDBFloat:
		if l.TypeOf(index) != lua.TypeNumber {
			return nil, fmt.Errorf("expected a number, got %s", lua.TypeNameOf(l, index))
		}
		v, _ := l.ToNumber(index)
		return gimpbus.Float(v), nil
	case gimpbus.PDBString:
		if l.TypeOf(index) != lua.TypeString {
			return nil, fmt.Errorf("expected a string, got %s", lua.TypeNameOf(l, index))
		}
		v, _ := l.ToString(index)
		return gimpbus.String(v), nil
	case gimpbus.PDBColor:
		v, err := toInteger(l, index)
		return gimpbus.UnpackColor(int32(v)), err
	case gimpbus.PDBInt32Array:
		var out gimpbus.Int32Array
		err := eachElement(l, index, func() error {
			v, err := toInteger(l, -1)
			out = append(out, int32(v))
			return err
		})
		return out, err
	case gimpbus.PDBInt16Array:
		var out gimpbus.Int16Array
		err := eachElement(l, index, func() error {
			v, err := toInteger(l, -1)
			out = append(out, int16(v))
			return err
		})
		return out, err
	case gimpbus.PDBInt8Array:
		var out gimpbus.Int8Array
		err := eachElement(l, index, func() error {
			v, err := toInteger(l, -1)
			out = append(out, uint8(v))
			return err
		})
		return out, err
	case gimpbus.PDBFloatArray:
		var out gimpbus.FloatArray
		err := eachElement(l, index, func() error {
			v, ok := l.ToNumber(-1)
			if !ok {
				return fmt.Errorf("expected a number, got %s", lua.TypeNameOf(l, -1))
			}
			out = append(out, v)
			return nil
		})
		return out, err
	case gimpbus.PDBStringArray:
		var out gimpbus.StringArray
		err := eachElement(l, index, func() error {
			if l.TypeOf(-1) != lua.TypeString {
				return fmt.Errorf("expected a string, got %s", lua.TypeNameOf(l, -1))
			}
			v, _ := l.ToString(-1)
			out = append(out, v)
			return nil
		})
		return out, err
	case gimpbus.PDBStatus:
		return nil, fmt.Errorf("%s cannot be returned", t)
	default:
		v, err := toInteger(l, index)
		return gimpbus.ID{Kind: t, Value: int32(v)}, err
	}
}

// eachElement calls fn with every element of the list at index pushed on
// top of the stack in turn.
func eachElement(l *lua.State, index int, fn func() error) error {
	if l.TypeOf(index) != lua.TypeTable {
		return fmt.Errorf("expected a table, got %s", lua.TypeNameOf(l, index))
	}
	index = l.AbsIndex(index)
	n := l.RawLength(index)
	for i := 1; i <= n; i++ {
		l.RawGetInt(index, i)
		err := fn()
		l.Pop(1)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}
