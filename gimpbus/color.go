// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

// Color is a PDB COLOR value with 8-bit channels. Channels are ints so that
// out-of-range values produced by arithmetic are clamped, not wrapped, when
// packed.
type Color struct {
	R, G, B int
}

// PackColor packs c into the low 24 bits of an int32, red highest.
func PackColor(c Color) int32 {
	return int32(clampChannel(c.R)<<16 | clampChannel(c.G)<<8 | clampChannel(c.B))
}

// UnpackColor is the inverse of PackColor. Bits above 23 are ignored.
func UnpackColor(v int32) Color {
	return Color{
		R: int(v>>16) & 0xff,
		G: int(v>>8) & 0xff,
		B: int(v) & 0xff,
	}
}

func clampChannel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
