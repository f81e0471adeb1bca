// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package procs holds the procedures the standalone bridge registers on its
// in-process registry: the Glimmer color helpers, the byte array test
// procedures and a small set of image procedures over a MemoryStore.
package procs

import (
	"context"
	"fmt"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
)

const (
	author    = "Samuel A. Rebelsky"
	copyright = "Copyright (c) 2013 Samuel A. Rebelsky"
)

// Image base types accepted by gimp-image-new.
const (
	ImageRGB  = 0
	ImageGray = 1
)

// TestBytes is the array returned by test-bytes-get.
var TestBytes = []uint8{11, 4, 127, 0, 14, 0, 255, 11, 5, 6, 0, 7}

type entry struct {
	proc gimpbus.Procedure
	run  gimpbus.ProcFunc
}

func def(t gimpbus.ParamType, name, desc string) gimpbus.ParamDef {
	return gimpbus.ParamDef{Type: t, Name: name, Description: desc}
}

func ok(values ...gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
	return gimpbus.StatusSuccess, values
}

// Register adds every procedure of the package to reg. The image procedures
// operate on store.
func Register(reg *gimpbus.MemoryRegistry, store *gimpbus.MemoryStore) error {
	entries := append(colorProcs(), byteProcs()...)
	entries = append(entries, imageProcs(store)...)
	for _, e := range entries {
		if err := reg.Register(e.proc, e.run); err != nil {
			return fmt.Errorf("registering %s: %w", e.proc.Name, err)
		}
	}
	return nil
}

func colorProcs() []entry {
	component := func(name string, shift int) entry {
		return entry{
			proc: gimpbus.Procedure{
				Name:      "ggimp-irgb-" + name,
				Blurb:     "Extract " + name + " component",
				Help:      "Extract the " + name + " component from an integer-encoded RGB color.",
				Author:    author,
				Copyright: copyright,
				Date:      "2013",
				Params:    gimpbus.Signature{def(gimpbus.PDBInt32, "color", "Integer-encoded RGB color")},
				Returns:   gimpbus.Signature{def(gimpbus.PDBInt32, name, "The "+name+" component.")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				irgb := int32(args[0].(gimpbus.Int32))
				return ok(gimpbus.Int32((irgb >> shift) & 0xff))
			},
		}
	}

	return []entry{
		{
			proc: gimpbus.Procedure{
				Name:      "ggimp-irgb-new",
				Blurb:     "Generate an integer-encoded RGB color",
				Help:      "Generate an integer-encoded RGB color",
				Author:    author,
				Copyright: copyright,
				Date:      "2013",
				Params: gimpbus.Signature{
					def(gimpbus.PDBInt32, "red", "Red component"),
					def(gimpbus.PDBInt32, "green", "Green component"),
					def(gimpbus.PDBInt32, "blue", "Blue component"),
				},
				Returns: gimpbus.Signature{def(gimpbus.PDBInt32, "color", "An irgb color.")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				r := int32(args[0].(gimpbus.Int32))
				g := int32(args[1].(gimpbus.Int32))
				b := int32(args[2].(gimpbus.Int32))
				return ok(gimpbus.Int32(r<<16 | g<<8 | b))
			},
		},
		component("red", 16),
		component("green", 8),
		component("blue", 0),
		rgbParse(),
		rgbList(),
	}
}

func byteProcs() []entry {
	byteArgs := gimpbus.Signature{
		def(gimpbus.PDBInt32, "nbytes", "The number of bytes"),
		def(gimpbus.PDBInt8Array, "bytes", "The bytes"),
	}
	return []entry{
		{
			proc: gimpbus.Procedure{
				Name:    "test-bytes-get",
				Blurb:   "Get a fixed array of bytes",
				Help:    "Returns twelve known bytes so clients can check byte array handling.",
				Author:  author,
				Date:    "2013",
				Returns: byteArgs,
			},
			run: func(context.Context, []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				data := append(gimpbus.Int8Array(nil), TestBytes...)
				return ok(gimpbus.Int32(len(data)), data)
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:    "test-bytes-put",
				Blurb:   "Sum an array of bytes",
				Help:    "Adds up the bytes it is given so clients can check byte array handling.",
				Author:  author,
				Date:    "2013",
				Params:  byteArgs,
				Returns: gimpbus.Signature{def(gimpbus.PDBInt32, "sum", "A sum of the bytes")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				n := int(args[0].(gimpbus.Int32))
				data := args[1].(gimpbus.Int8Array)
				var sum int32
				for i := 0; i < n && i < len(data); i++ {
					sum += int32(data[i])
				}
				return ok(gimpbus.Int32(sum))
			},
		},
	}
}

func imageProcs(store *gimpbus.MemoryStore) []entry {
	imageArg := def(gimpbus.PDBImage, "image", "The image")
	drawableArg := def(gimpbus.PDBDrawable, "drawable", "The drawable")

	lookupImage := func(p gimpbus.Param) (gimpbus.ImageInfo, bool) {
		id, _ := gimpbus.IntValue(p)
		return store.Image(int32(id))
	}

	return []entry{
		{
			proc: gimpbus.Procedure{
				Name:  "gimp-image-new",
				Blurb: "Creates a new image with the specified width, height, and type.",
				Params: gimpbus.Signature{
					def(gimpbus.PDBInt32, "width", "The width of the image"),
					def(gimpbus.PDBInt32, "height", "The height of the image"),
					def(gimpbus.PDBInt32, "type", "The type of image { RGB (0), GRAY (1) }"),
				},
				Returns: gimpbus.Signature{def(gimpbus.PDBImage, "image", "The ID of the newly created image")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				width := int(args[0].(gimpbus.Int32))
				height := int(args[1].(gimpbus.Int32))
				var channels int
				switch args[2].(gimpbus.Int32) {
				case ImageRGB:
					channels = 3
				case ImageGray:
					channels = 1
				default:
					return gimpbus.StatusCallingError, nil
				}
				image, _, err := store.NewImage(width, height, channels)
				if err != nil {
					return gimpbus.StatusCallingError, nil
				}
				return ok(gimpbus.ID{Kind: gimpbus.PDBImage, Value: image})
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:  "gimp-image-list",
				Blurb: "Returns the list of images currently open.",
				Returns: gimpbus.Signature{
					def(gimpbus.PDBInt32, "num-images", "The number of images currently open"),
					def(gimpbus.PDBInt32Array, "image-ids", "The list of images currently open"),
				},
			},
			run: func(context.Context, []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				ids := store.Images()
				return ok(gimpbus.Int32(len(ids)), gimpbus.Int32Array(ids))
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:    "gimp-image-width",
				Blurb:   "Return the width of the image.",
				Params:  gimpbus.Signature{imageArg},
				Returns: gimpbus.Signature{def(gimpbus.PDBInt32, "width", "The image's width")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				img, found := lookupImage(args[0])
				if !found {
					return gimpbus.StatusCallingError, nil
				}
				return ok(gimpbus.Int32(img.Width))
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:    "gimp-image-height",
				Blurb:   "Return the height of the image.",
				Params:  gimpbus.Signature{imageArg},
				Returns: gimpbus.Signature{def(gimpbus.PDBInt32, "height", "The image's height")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				img, found := lookupImage(args[0])
				if !found {
					return gimpbus.StatusCallingError, nil
				}
				return ok(gimpbus.Int32(img.Height))
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:    "gimp-image-get-active-drawable",
				Blurb:   "Get the image's active drawable.",
				Params:  gimpbus.Signature{imageArg},
				Returns: gimpbus.Signature{def(gimpbus.PDBDrawable, "drawable", "The active drawable")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				img, found := lookupImage(args[0])
				if !found {
					return gimpbus.StatusCallingError, nil
				}
				return ok(gimpbus.ID{Kind: gimpbus.PDBDrawable, Value: img.Drawable})
			},
		},
		{
			proc: gimpbus.Procedure{
				Name:    "gimp-drawable-bpp",
				Blurb:   "Returns the bytes per pixel.",
				Params:  gimpbus.Signature{drawableArg},
				Returns: gimpbus.Signature{def(gimpbus.PDBInt32, "bpp", "Bytes per pixel")},
			},
			run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
				id, _ := gimpbus.IntValue(args[0])
				d, found := store.Drawable(int32(id))
				if !found {
					return gimpbus.StatusCallingError, nil
				}
				return ok(gimpbus.Int32(d.Channels))
			},
		},
	}
}
