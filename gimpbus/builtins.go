// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import "fmt"

// AboutMessage is the reply of ggimp_about.
const AboutMessage = "Glimmer Labs' Gimp D-Bus plugin version 0.0.4"

type builtinArg struct {
	name      string
	signature string
}

type builtin struct {
	name string
	doc  string
	in   []builtinArg
	out  []builtinArg
	run  func(s *Server, ctx *CallContext, args []any) ([]any, error)
}

func (b *builtin) describe() MethodDesc {
	desc := MethodDesc{Interface: InterfaceGimpPlus, Name: b.name, Doc: b.doc}
	for _, a := range b.in {
		desc.In = append(desc.In, ArgDesc{Name: a.name, Signature: a.signature})
	}
	for _, a := range b.out {
		desc.Out = append(desc.Out, ArgDesc{Name: a.name, Signature: a.signature})
	}
	return desc
}

func (b *builtin) signature() string {
	var sig string
	for _, a := range b.in {
		sig += a.signature
	}
	return sig
}

// checkArgs verifies arity and the wire type of every argument.
func (b *builtin) checkArgs(args []any) error {
	if len(args) != len(b.in) {
		return errInvalidArgument(b.name, newError(KindInvalidArgument,
			"expected %d arguments (%s), got %d", len(b.in), b.signature(), len(args)))
	}
	for i, a := range b.in {
		if got := wireSignature(args[i]); got != a.signature {
			return errInvalidArgument(b.name, errAt(KindTypeMismatch, i,
				"%s must be %s, got %s", a.name, a.signature, describeWire(args[i])))
		}
	}
	return nil
}

func errUnknownBuiltin(method string) *Error {
	return &Error{
		Kind:     KindUnknownProcedure,
		Method:   method,
		Position: -1,
		Message:  fmt.Sprintf("GGimp: Invalid method: '%s'", method),
	}
}

func argList(pairs ...string) []builtinArg {
	args := make([]builtinArg, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		args = append(args, builtinArg{name: pairs[i], signature: pairs[i+1]})
	}
	return args
}

var builtinTable = []*builtin{
	{
		name: "ggimp_about",
		doc:  "Describe the plugin.",
		out:  argList("about", "s"),
		run: func(*Server, *CallContext, []any) ([]any, error) {
			return []any{AboutMessage}, nil
		},
	},
	{
		name: "ggimp_quit",
		doc:  "Stop serving.",
		run: func(s *Server, ctx *CallContext, _ []any) ([]any, error) {
			ctx.ClientLog(LogInfo, "quit requested", KV{Key: "sender", Value: ctx.Sender})
			s.Quit()
			return []any{}, nil
		},
	},
	{
		name: "ggimp_rgb_red",
		doc:  "Extract the red component of a packed color.",
		in:   argList("color", "i"),
		out:  argList("red", "i"),
		run: func(_ *Server, _ *CallContext, args []any) ([]any, error) {
			return []any{int32(UnpackColor(args[0].(int32)).R)}, nil
		},
	},
	{
		name: "drawable_new_tile_stream",
		doc:  "Open a tile stream over a whole drawable.",
		in:   argList("image", "i", "drawable", "i"),
		out:  argList("stream", "i"),
		run: func(s *Server, ctx *CallContext, args []any) ([]any, error) {
			h, err := s.tiles.Create(ctx.Ctx, args[1].(int32), nil)
			if err != nil {
				return nil, err
			}
			return []any{h}, nil
		},
	},
	{
		name: "drawable_new_tile_stream_region",
		doc:  "Open a tile stream over a rectangle of a drawable.",
		in:   argList("image", "i", "drawable", "i", "x", "i", "y", "i", "width", "i", "height", "i"),
		out:  argList("stream", "i"),
		run: func(s *Server, ctx *CallContext, args []any) ([]any, error) {
			rect := Rect{
				X:      int(args[2].(int32)),
				Y:      int(args[3].(int32)),
				Width:  int(args[4].(int32)),
				Height: int(args[5].(int32)),
			}
			h, err := s.tiles.Create(ctx.Ctx, args[1].(int32), &rect)
			if err != nil {
				return nil, err
			}
			return []any{h}, nil
		},
	},
	{
		name: "tile_stream_is_valid",
		doc:  "Check whether a tile stream handle is open.",
		in:   argList("stream", "i"),
		out:  argList("valid", "b"),
		run: func(s *Server, _ *CallContext, args []any) ([]any, error) {
			return []any{s.tiles.IsValid(args[0].(int32))}, nil
		},
	},
	{
		name: "tile_stream_get",
		doc:  "Fetch the current tile.",
		in:   argList("stream", "i"),
		out: argList("x", "i", "y", "i", "width", "i", "height", "i",
			"bpp", "i", "rowstride", "i", "data", "ay"),
		run: func(s *Server, _ *CallContext, args []any) ([]any, error) {
			tile, err := s.tiles.Get(args[0].(int32))
			if err != nil {
				return nil, err
			}
			return []any{
				int32(tile.X), int32(tile.Y),
				int32(tile.Width), int32(tile.Height),
				int32(tile.Channels), int32(tile.RowStride),
				tile.Data,
			}, nil
		},
	},
	{
		name: "tile_stream_advance",
		doc:  "Commit the current tile and move to the next one.",
		in:   argList("stream", "i"),
		out:  argList("more", "b"),
		run: func(s *Server, _ *CallContext, args []any) ([]any, error) {
			more, err := s.tiles.Advance(args[0].(int32))
			if err != nil {
				return nil, err
			}
			return []any{more}, nil
		},
	},
	{
		name: "tile_stream_update",
		doc:  "Replace the pixels of the current tile.",
		in:   argList("stream", "i", "size", "i", "data", "ay"),
		run: func(s *Server, _ *CallContext, args []any) ([]any, error) {
			if err := s.tiles.Update(args[0].(int32), int(args[1].(int32)), args[2].([]byte)); err != nil {
				return nil, err
			}
			return []any{}, nil
		},
	},
	{
		name: "tile_stream_close",
		doc:  "Write back every tile and release the stream.",
		in:   argList("stream", "i"),
		run: func(s *Server, ctx *CallContext, args []any) ([]any, error) {
			s.tiles.Close(ctx.Ctx, args[0].(int32))
			return []any{}, nil
		},
	},
}
