// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"errors"
)

// DefaultMaxTileStreams is the number of tile streams that may be open at
// once.
const DefaultMaxTileStreams = 16

// tileStream is one open stream: an attached buffer, a read region and a
// write region over the same rectangle, and the iterator moving them.
type tileStream struct {
	drawable int32
	buffer   Buffer
	rect     Rect
	src, dst Region
	// iter is nil once every tile has been visited.
	iter  Iterator
	tiles int
}

// prime seeds the write tile with the read tile. The tile is only committed
// once Update marks it modified.
func (ts *tileStream) prime() {
	src, dst := ts.src.Tile(), ts.dst.Tile()
	if src.Size() != dst.Size() || len(src.Data) != len(dst.Data) {
		Logger().Sugar().Warnf("tile stream on drawable %d: tile at (%d,%d) has mismatched buffers (%d vs %d bytes)",
			ts.drawable, src.X, src.Y, len(src.Data), len(dst.Data))
		return
	}
	copy(dst.Data, src.Data)
}

// TileManager owns a fixed pool of tile streams. Handles are slot indices;
// Create always takes the lowest free slot, so a closed handle is reused by
// the next Create.
//
// A TileManager is not safe for concurrent use. Server serializes calls.
type TileManager struct {
	store PixelStore
	slots []*tileStream
}

// NewTileManager creates a pool of capacity streams over store. A capacity
// of 0 selects DefaultMaxTileStreams.
func NewTileManager(store PixelStore, capacity int) *TileManager {
	if capacity <= 0 {
		capacity = DefaultMaxTileStreams
	}
	return &TileManager{store: store, slots: make([]*tileStream, capacity)}
}

// Capacity returns the pool size.
func (m *TileManager) Capacity() int {
	return len(m.slots)
}

// Active returns the number of open streams.
func (m *TileManager) Active() int {
	n := 0
	for _, ts := range m.slots {
		if ts != nil {
			n++
		}
	}
	return n
}

func (m *TileManager) freeSlot() int {
	for i, ts := range m.slots {
		if ts == nil {
			return i
		}
	}
	return -1
}

// Create opens a stream over drawable. A nil rect covers the whole
// drawable; otherwise the stream covers rect clipped to the drawable.
func (m *TileManager) Create(ctx context.Context, drawable int32, rect *Rect) (int32, error) {
	slot := m.freeSlot()
	if slot < 0 {
		return -1, newError(KindPoolExhausted, "all %d tile streams are in use", len(m.slots))
	}

	buf, err := m.store.Attach(ctx, drawable)
	if err != nil {
		if errors.Is(err, ErrInvalidDrawable) {
			return -1, err
		}
		e := newError(KindInvalidDrawable, "cannot attach drawable %d", drawable)
		e.Cause = err
		return -1, e
	}

	r := buf.Bounds()
	if rect != nil {
		r = rect.Intersect(r)
		if r.Empty() {
			buf.Detach()
			return -1, newError(KindInvalidArgument, "region %dx%d+%d+%d lies outside drawable %d",
				rect.Width, rect.Height, rect.X, rect.Y, drawable)
		}
	}

	ts := &tileStream{
		drawable: drawable,
		buffer:   buf,
		rect:     r,
		src:      buf.Region(r, false),
		dst:      buf.Region(r, true),
	}
	ts.iter = buf.Iterate(ts.src, ts.dst)
	if ts.iter != nil {
		ts.prime()
	}
	m.slots[slot] = ts
	debugf("tile stream %d opened on drawable %d (%+v)", slot, drawable, r)
	return int32(slot), nil
}

// IsValid reports whether h refers to an open stream.
func (m *TileManager) IsValid(h int32) bool {
	return h >= 0 && int(h) < len(m.slots) && m.slots[h] != nil
}

func (m *TileManager) lookup(h int32) (*tileStream, error) {
	if !m.IsValid(h) {
		return nil, newError(KindInvalidHandle, "no tile stream %d", h)
	}
	return m.slots[h], nil
}

// Get returns a copy of the current read tile.
func (m *TileManager) Get(h int32) (TileView, error) {
	ts, err := m.lookup(h)
	if err != nil {
		return TileView{}, err
	}
	if ts.iter == nil {
		return TileView{}, newError(KindNoMoreTiles, "tile stream %d has no current tile", h)
	}
	tile := ts.src.Tile()
	tile.Data = append([]byte(nil), tile.Data...)
	return tile, nil
}

// Advance commits the current write tile if it was updated and moves to the
// next tile. It reports false once no tile remains, and keeps reporting false
// afterwards.
func (m *TileManager) Advance(h int32) (bool, error) {
	ts, err := m.lookup(h)
	if err != nil {
		return false, err
	}
	return m.advance(ts), nil
}

func (m *TileManager) advance(ts *tileStream) bool {
	if ts.iter == nil {
		return false
	}
	ts.tiles++
	if !ts.iter.Next() {
		ts.iter = nil
		return false
	}
	ts.prime()
	return true
}

// Update replaces the current write tile with the first size bytes of data.
// size must equal the tile's RowStride*Height; on mismatch the tile is left
// untouched.
func (m *TileManager) Update(h int32, size int, data []byte) error {
	ts, err := m.lookup(h)
	if err != nil {
		return err
	}
	if ts.iter == nil {
		return newError(KindNoMoreTiles, "tile stream %d has no current tile", h)
	}
	tile := ts.dst.Tile()
	if size != tile.Size() {
		return newError(KindSizeMismatch, "tile at (%d,%d) takes %d bytes, got size %d",
			tile.X, tile.Y, tile.Size(), size)
	}
	if len(data) < size {
		return newError(KindSizeMismatch, "size is %d but only %d bytes were sent", size, len(data))
	}
	copy(tile.Data, data[:size])
	ts.dst.MarkModified()
	return nil
}

// Tiles returns the number of tiles the stream has moved past.
func (m *TileManager) Tiles(h int32) (int, error) {
	ts, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	return ts.tiles, nil
}

// Close drains the stream so every remaining tile is committed, merges the
// written region into the drawable and frees the handle. Closing a handle
// that is not open does nothing.
func (m *TileManager) Close(ctx context.Context, h int32) {
	if !m.IsValid(h) {
		return
	}
	ts := m.slots[h]
	for m.advance(ts) {
	}
	ts.buffer.Flush()
	ts.buffer.MergeShadow(ts.rect)
	ts.buffer.MarkDirty(ts.rect)
	m.store.FlushDisplays(ctx)
	ts.buffer.Detach()
	m.slots[h] = nil
	debugf("tile stream %d closed after %d tiles", h, ts.tiles)
}

// CloseAll closes every open stream.
func (m *TileManager) CloseAll(ctx context.Context) {
	for h := range m.slots {
		m.Close(ctx, int32(h))
	}
}
