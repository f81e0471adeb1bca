// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import "context"

// Rect is a rectangle in drawable coordinates.
type Rect struct {
	X, Y, Width, Height int
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Intersect returns the overlap of r and o, empty when they are disjoint.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.Width, o.X+o.Width), min(r.Y+r.Height, o.Y+o.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// TileView is one tile of a region.
type TileView struct {
	X, Y          int
	Width, Height int
	// Channels is the number of bytes per pixel.
	Channels  int
	RowStride int
	// Data holds RowStride*Height bytes, row-major.
	Data []byte
}

// Size is the number of bytes a full update of the tile must supply.
func (t TileView) Size() int {
	return t.RowStride * t.Height
}

// PixelStore gives access to drawables' pixel buffers.
type PixelStore interface {
	// Attach opens the buffer of a live drawable. Unknown drawables fail
	// with an InvalidDrawable error.
	Attach(ctx context.Context, drawable int32) (Buffer, error)
	// FlushDisplays redraws every display after drawables changed.
	FlushDisplays(ctx context.Context)
}

// Buffer is an attached drawable.
type Buffer interface {
	Drawable() int32
	Bounds() Rect
	Channels() int
	// Region opens a view over r. Writable regions write to the drawable's
	// shadow buffer, which MergeShadow folds back into the drawable.
	Region(r Rect, writable bool) Region
	// Iterate positions src and dst on their first tile and returns an
	// iterator that moves them in lockstep, or nil if there are no tiles.
	// Tile boundaries and order (row-major) belong to the buffer.
	Iterate(src, dst Region) Iterator
	Flush()
	MergeShadow(r Rect)
	MarkDirty(r Rect)
	Detach()
}

// Region is a rectangular view of a buffer positioned on one tile.
type Region interface {
	Bounds() Rect
	// Tile returns the current tile. Its Data aliases the region's tile
	// memory.
	Tile() TileView
	// MarkModified flags the current tile of a writable region as written.
	// Only flagged tiles are committed when the iterator moves on, so a
	// stream that never wrote a tile cannot overwrite another stream's
	// commit to the same shadow.
	MarkModified()
}

// Iterator advances a pair of regions.
type Iterator interface {
	// Next commits the current tile of the writable region if it was
	// modified and moves both
	// regions to the next tile. It reports false when no tile remains.
	Next() bool
}
