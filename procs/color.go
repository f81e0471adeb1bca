// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package procs

import (
	"context"
	"strconv"
	"strings"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
	"golang.org/x/image/colornames"
)

// ParseColor resolves an SVG color keyword, or a #rgb / #rrggbb hex
// triplet, to a packed RGB value.
func ParseColor(name string) (int32, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(name, "#") {
		return parseHex(name[1:])
	}
	c, ok := colornames.Map[strings.ReplaceAll(name, " ", "")]
	if !ok {
		return 0, false
	}
	return gimpbus.PackColor(gimpbus.Color{R: int(c.R), G: int(c.G), B: int(c.B)}), true
}

func parseHex(digits string) (int32, bool) {
	switch len(digits) {
	case 3:
		var expanded strings.Builder
		for _, d := range digits {
			expanded.WriteRune(d)
			expanded.WriteRune(d)
		}
		digits = expanded.String()
	case 6:
	default:
		return 0, false
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func rgbParse() entry {
	return entry{
		proc: gimpbus.Procedure{
			Name:      "ggimp-rgb-parse",
			Blurb:     "Convert a color name to an integer-encoded RGB color",
			Help:      "Accepts the SVG color keywords and #rgb or #rrggbb triplets.",
			Author:    author,
			Copyright: copyright,
			Date:      "2013",
			Params:    gimpbus.Signature{def(gimpbus.PDBString, "color-name", "The name of a color")},
			Returns:   gimpbus.Signature{def(gimpbus.PDBInt32, "color", "The RGB color packed into 32 bits")},
		},
		run: func(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
			irgb, found := ParseColor(string(args[0].(gimpbus.String)))
			if !found {
				return gimpbus.StatusCallingError, nil
			}
			return ok(gimpbus.Int32(irgb))
		},
	}
}

func rgbList() entry {
	return entry{
		proc: gimpbus.Procedure{
			Name:      "ggimp-rgb-list",
			Blurb:     "List the predefined color names",
			Help:      "Returns every name ggimp-rgb-parse accepts as a keyword.",
			Author:    author,
			Copyright: copyright,
			Date:      "2013",
			Returns: gimpbus.Signature{
				def(gimpbus.PDBInt32, "ncolors", "the number of colors returned"),
				def(gimpbus.PDBStringArray, "colors", "a list of pre-defined rgb colors"),
			},
		},
		run: func(context.Context, []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
			names := append(gimpbus.StringArray(nil), colornames.Names...)
			return ok(gimpbus.Int32(len(names)), names)
		},
	}
}
