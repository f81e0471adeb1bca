// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package procs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
)

const scaleScript = `
register{
  name = "lua-scale",
  blurb = "Scale every element of an array",
  params = {
    {type = "INT32", name = "n", desc = "Element count"},
    {type = "FLOATARRAY", name = "values"},
    {type = "FLOAT", name = "factor"},
  },
  returns = {
    {type = "INT32", name = "n"},
    {type = "FLOATARRAY", name = "scaled"},
  },
  run = function(n, values, factor)
    local out = {}
    for i = 1, n do out[i] = values[i] * factor end
    return n, out
  end,
}

register{
  name = "lua-greet",
  params = { {type = "STRING", name = "who"} },
  returns = { {type = "STRING", name = "greeting"} },
  run = function(who) return "hello " .. who end,
}

register{
  name = "lua-fail",
  run = function() error("nope") end,
}

register{
  name = "lua-wrong-type",
  returns = { {type = "INT32", name = "x"} },
  run = function() return "not a number" end,
}
`

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLuaProcedures(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "scale.lua", scaleScript)

	reg := gimpbus.NewMemoryRegistry()
	scripts, err := LoadScripts(reg, dir)
	if err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	if len(scripts) != 1 {
		t.Fatalf("got %d scripts, want 1", len(scripts))
	}
	want := []string{"lua-scale", "lua-greet", "lua-fail", "lua-wrong-type"}
	if got := scripts[0].Procedures(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got procedures %v, want %v", got, want)
	}

	proc, ok := reg.Lookup(context.Background(), "lua-scale")
	if !ok {
		t.Fatal("lua-scale not registered")
	}
	if proc.Blurb != "Scale every element of an array" || proc.Params.DBusSignature() != "iadd" {
		t.Fatalf("got %+v", proc)
	}

	s := gimpbus.NewServer(reg, gimpbus.NewMemoryStore(0))
	ctx := context.Background()

	out, err := s.Call(ctx, gimpbus.InterfacePDB, "lua_scale", []any{int32(3), []float64{1, 2, 3}, 0.5})
	if err != nil {
		t.Fatalf("lua_scale: %v", err)
	}
	if !reflect.DeepEqual(out, []any{int32(3), []float64{0.5, 1, 1.5}}) {
		t.Fatalf("got %v", out)
	}

	out, err = s.Call(ctx, gimpbus.InterfacePDB, "lua_greet", []any{"gimp"})
	if err != nil {
		t.Fatalf("lua_greet: %v", err)
	}
	if out[0] != "hello gimp" {
		t.Fatalf("got %v, want hello gimp", out[0])
	}

	for _, method := range []string{"lua_fail", "lua_wrong_type"} {
		_, err := s.Call(ctx, gimpbus.InterfacePDB, method, nil)
		if !errors.Is(err, gimpbus.ErrCallFailed) {
			t.Fatalf("%s: got %v, want CallFailed", method, err)
		}
		if !strings.HasSuffix(err.Error(), "with an execution error") {
			t.Fatalf("%s: got %q", method, err.Error())
		}
	}

	// The interpreter stays usable after a failed call.
	if _, err := s.Call(ctx, gimpbus.InterfacePDB, "lua_greet", []any{"again"}); err != nil {
		t.Fatalf("lua_greet after failure: %v", err)
	}
}

func TestLuaScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", "register{", "load lua"},
		{"missing name", "register{ run = function() end }", "procedure name is required"},
		{"bad type", `register{ name = "x", params = { {type = "PIXEL"} }, run = function() end }`, "unknown type"},
		{"missing run", `register{ name = "x" }`, "run must be a function"},
		{"runtime error", `register{ name = "x", run = function() end } error("late")`, "late"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, t.TempDir(), "bad.lua", tt.src)
			reg := gimpbus.NewMemoryRegistry()
			_, err := LoadScript(reg, path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
			if names := reg.Procedures(context.Background()); len(names) != 0 {
				t.Fatalf("failed script left procedures %v", names)
			}
		})
	}
}

func TestLuaDuplicateProcedure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `register{ name = "ggimp-irgb-red", run = function() end }`)

	reg := gimpbus.NewMemoryRegistry()
	if err := Register(reg, gimpbus.NewMemoryStore(0)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := LoadScripts(reg, dir)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("got %v, want already registered", err)
	}
	// The built-in procedure survives.
	if _, ok := reg.Lookup(context.Background(), "ggimp-irgb-red"); !ok {
		t.Fatal("ggimp-irgb-red was removed")
	}
}
