// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
)

// Invert pages through the fixture drawable with the tile stream
// built-ins, inverting every byte. It returns the number of tiles visited.
func (f *Fixture) Invert(ctx context.Context) (int, error) {
	out, err := f.Server.Call(ctx, gimpbus.InterfaceGimpPlus, "drawable_new_tile_stream", []any{f.Image, f.Drawable})
	if err != nil {
		return 0, err
	}
	h := out[0].(int32)
	if h < 0 {
		return 0, fmt.Errorf("no free tile stream")
	}
	defer f.Server.Call(ctx, gimpbus.InterfaceGimpPlus, "tile_stream_close", []any{h})

	tiles := 0
	for {
		tile, err := f.Server.Call(ctx, gimpbus.InterfaceGimpPlus, "tile_stream_get", []any{h})
		if err != nil {
			return tiles, err
		}
		rowstride, height, data := tile[5].(int32), tile[3].(int32), tile[6].([]byte)
		for i := range data {
			data[i] = 255 - data[i]
		}
		size := rowstride * height
		if _, err := f.Server.Call(ctx, gimpbus.InterfaceGimpPlus, "tile_stream_update", []any{h, size, data}); err != nil {
			return tiles, err
		}
		tiles++

		more, err := f.Server.Call(ctx, gimpbus.InterfaceGimpPlus, "tile_stream_advance", []any{h})
		if err != nil {
			return tiles, err
		}
		if !more[0].(bool) {
			return tiles, nil
		}
	}
}
