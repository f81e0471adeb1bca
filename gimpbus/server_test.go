// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// testRegistry holds a few procedures covering success, failure and array
// handling.
func testRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	reg := NewMemoryRegistry()
	reg.MustRegister(Procedure{
		Name:    "add-one",
		Blurb:   "Add one to a number",
		Params:  Signature{{Type: PDBInt32, Name: "x"}},
		Returns: Signature{{Type: PDBInt32, Name: "y"}},
	}, func(_ context.Context, args []Param) (Status, []Param) {
		return StatusSuccess, []Param{args[0].(Int32) + 1}
	})
	reg.MustRegister(Procedure{
		Name:   "always-fail",
		Params: Signature{{Type: PDBInt32, Name: "x"}},
	}, func(context.Context, []Param) (Status, []Param) {
		return StatusExecutionError, nil
	})
	reg.MustRegister(Procedure{
		Name: "reject-input",
	}, func(context.Context, []Param) (Status, []Param) {
		return StatusCallingError, nil
	})
	reg.MustRegister(Procedure{
		Name: "sum-array",
		Params: Signature{
			{Type: PDBInt32, Name: "n"},
			{Type: PDBInt32Array, Name: "values"},
		},
		Returns: Signature{{Type: PDBInt32, Name: "sum"}},
	}, func(_ context.Context, args []Param) (Status, []Param) {
		var sum Int32
		for _, v := range args[1].(Int32Array) {
			sum += Int32(v)
		}
		return StatusSuccess, []Param{sum}
	})
	reg.MustRegister(Procedure{
		Name:    "bad-return",
		Returns: Signature{{Type: PDBInt32, Name: "y"}},
	}, func(context.Context, []Param) (Status, []Param) {
		return StatusSuccess, []Param{String("not a number")}
	})
	reg.MustRegister(Procedure{
		Name:    "panics",
		Returns: Signature{{Type: PDBInt32, Name: "y"}},
	}, func(context.Context, []Param) (Status, []Param) {
		panic("boom")
	})
	return reg
}

// testServer returns a server over testRegistry and a store holding one
// 10x6 RGB image split into 4x4 tiles.
func testServer(t *testing.T) (*Server, *MemoryStore, int32, int32) {
	t.Helper()
	store := NewMemoryStore(4)
	img, drw, err := store.NewImage(10, 6, 3)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return NewServer(testRegistry(t), store), store, img, drw
}

func TestServerBuiltins(t *testing.T) {
	s, _, _, _ := testServer(t)
	ctx := context.Background()

	out, err := s.Call(ctx, InterfaceGimpPlus, "ggimp_about", nil)
	if err != nil {
		t.Fatalf("ggimp_about: %v", err)
	}
	if len(out) != 1 || out[0] != AboutMessage {
		t.Fatalf("got %v, want [%q]", out, AboutMessage)
	}

	out, err = s.Call(ctx, InterfaceGimpPlus, "ggimp_rgb_red", []any{int32(0x123456)})
	if err != nil {
		t.Fatalf("ggimp_rgb_red: %v", err)
	}
	if out[0] != int32(0x12) {
		t.Fatalf("got %v, want 0x12", out[0])
	}

	_, err = s.Call(ctx, InterfaceGimpPlus, "ggimp_rgb_red", []any{"red"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
	if AsError(err).Category() != CategoryArgument {
		t.Fatalf("got category %v, want argument", AsError(err).Category())
	}
}

func TestServerRouting(t *testing.T) {
	s, _, _, _ := testServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		iface   string
		method  string
		wantErr *Error
		wantMsg string
	}{
		{"builtin without interface", "", "ggimp_about", nil, ""},
		{"procedure without interface", "", "add_one", nil, ""},
		{"unknown builtin", InterfaceGimpPlus, "ggimp_nothing", ErrUnknownProcedure, "GGimp: Invalid method: 'ggimp_nothing'"},
		{"builtin on pdb interface", InterfacePDB, "ggimp_about", ErrUnknownProcedure, "Invalid method: 'ggimp_about'"},
		{"unknown interface", "org.example.Nothing", "add_one", ErrUnknownProcedure, "Unknown interface: 'org.example.Nothing'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []any
			if tt.method == "add_one" {
				args = []any{int32(1)}
			}
			_, err := s.Call(ctx, tt.iface, tt.method, args)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr.Kind)
			}
			if err.Error() != tt.wantMsg {
				t.Fatalf("got message %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestServerMethods(t *testing.T) {
	s, _, _, _ := testServer(t)
	methods := s.Methods()

	var sawProcedure bool
	for i, m := range methods {
		if m.Builtin() {
			if sawProcedure {
				t.Fatalf("built-in %s listed after a procedure", m.Name)
			}
			if m.Interface != InterfaceGimpPlus {
				t.Fatalf("built-in %s on interface %s", m.Name, m.Interface)
			}
			continue
		}
		sawProcedure = true
		if i > 0 && !methods[i-1].Builtin() && methods[i-1].Name > m.Name {
			t.Fatalf("procedures out of order: %s before %s", methods[i-1].Name, m.Name)
		}
		if strings.Contains(m.Name, "-") {
			t.Fatalf("method name %q still uses hyphens", m.Name)
		}
	}

	var sum *MethodDesc
	for i := range methods {
		if methods[i].Name == "sum_array" {
			sum = &methods[i]
		}
	}
	if sum == nil {
		t.Fatal("sum_array missing from method table")
	}
	if sum.Procedure != "sum-array" {
		t.Fatalf("got procedure %q, want sum-array", sum.Procedure)
	}
	if got := joinSignature(sum.In); got != "iai" {
		t.Fatalf("got in signature %q, want iai", got)
	}
}

func TestServerQuit(t *testing.T) {
	s, _, _, _ := testServer(t)

	results, logs, err := s.Invoke(context.Background(), &Invocation{
		Interface: InterfaceGimpPlus,
		Method:    "ggimp_quit",
		Sender:    ":1.42",
	})
	if err != nil {
		t.Fatalf("ggimp_quit: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %v, want no results", results)
	}
	if len(logs) != 1 || logs[0].Level != LogInfo {
		t.Fatalf("got logs %+v, want one INFO message", logs)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after ggimp_quit")
	}
	// Quitting twice is harmless.
	s.Quit()
}

func TestServerTileStreamBuiltins(t *testing.T) {
	s, store, img, drw := testServer(t)
	ctx := context.Background()
	call := func(method string, args ...any) []any {
		t.Helper()
		out, err := s.Call(ctx, InterfaceGimpPlus, method, args)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		return out
	}

	h := call("drawable_new_tile_stream", img, drw)[0].(int32)
	if h != 0 {
		t.Fatalf("got handle %d, want 0", h)
	}
	if valid := call("tile_stream_is_valid", h)[0].(bool); !valid {
		t.Fatal("new stream reported invalid")
	}

	tile := call("tile_stream_get", h)
	if len(tile) != 7 {
		t.Fatalf("got %d values from tile_stream_get, want 7", len(tile))
	}
	data := tile[6].([]byte)
	size := tile[5].(int32) * tile[3].(int32)
	if int(size) != len(data) {
		t.Fatalf("got %d bytes, want rowstride*height = %d", len(data), size)
	}
	for i := range data {
		data[i] = 9
	}
	call("tile_stream_update", h, size, data)
	call("tile_stream_close", h)

	if valid := call("tile_stream_is_valid", h)[0].(bool); valid {
		t.Fatal("closed stream reported valid")
	}
	px, _ := store.Pixels(drw)
	if px[0] != 9 {
		t.Fatalf("got first byte %d, want 9", px[0])
	}

	_, err := s.Call(ctx, InterfaceGimpPlus, "tile_stream_get", []any{h})
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("got %v, want InvalidHandle", err)
	}
}

func TestServerShutdownClosesStreams(t *testing.T) {
	s, store, _, drw := testServer(t)
	ctx := context.Background()

	if _, err := s.Tiles().Create(ctx, drw, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetMaxTileStreams(4); err == nil {
		t.Fatal("expected resize to fail with an open stream")
	}
	s.Shutdown(ctx)
	if n := s.Tiles().Active(); n != 0 {
		t.Fatalf("got %d open streams after shutdown, want 0", n)
	}
	if n := store.Attached(drw); n != 0 {
		t.Fatalf("drawable still attached %d times", n)
	}
	if err := s.SetMaxTileStreams(4); err != nil {
		t.Fatalf("resize after shutdown: %v", err)
	}
	if got := s.Tiles().Capacity(); got != 4 {
		t.Fatalf("got capacity %d, want 4", got)
	}
}
