// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultTileSize is the edge length of the square tiles used by
// MemoryStore.
const DefaultTileSize = 64

// MemoryStore is an in-process PixelStore. Images own one drawable each;
// drawables are tiled on a fixed grid of TileSize squares anchored at the
// drawable origin.
type MemoryStore struct {
	mu        sync.Mutex
	tileSize  int
	nextID    int32
	images    map[int32]*memImage
	drawables map[int32]*memDrawable
	flushes   int
}

type memImage struct {
	id       int32
	width    int
	height   int
	drawable int32
}

type memDrawable struct {
	id       int32
	image    int32
	width    int
	height   int
	bpp      int
	pixels   []byte
	shadow   []byte
	dirty    []Rect
	attached int
}

// ImageInfo describes an image held by a MemoryStore.
type ImageInfo struct {
	ID       int32
	Width    int
	Height   int
	Drawable int32
}

// DrawableInfo describes a drawable held by a MemoryStore.
type DrawableInfo struct {
	ID       int32
	Image    int32
	Width    int
	Height   int
	Channels int
}

// NewMemoryStore creates an empty store. A tileSize of 0 selects
// DefaultTileSize.
func NewMemoryStore(tileSize int) *MemoryStore {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &MemoryStore{
		tileSize:  tileSize,
		nextID:    1,
		images:    make(map[int32]*memImage),
		drawables: make(map[int32]*memDrawable),
	}
}

// TileSize returns the tile edge length.
func (s *MemoryStore) TileSize() int {
	return s.tileSize
}

// NewImage creates an image with a single zero-filled drawable of the given
// size and bytes per pixel.
func (s *MemoryStore) NewImage(width, height, channels int) (image, drawable int32, err error) {
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if channels < 1 || channels > 4 {
		return 0, 0, fmt.Errorf("invalid channel count %d", channels)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	image = s.nextID
	drawable = s.nextID + 1
	s.nextID += 2
	s.images[image] = &memImage{id: image, width: width, height: height, drawable: drawable}
	s.drawables[drawable] = &memDrawable{
		id:     drawable,
		image:  image,
		width:  width,
		height: height,
		bpp:    channels,
		pixels: make([]byte, width*height*channels),
	}
	return image, drawable, nil
}

// Image returns the description of an image.
func (s *MemoryStore) Image(id int32) (ImageInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return ImageInfo{}, false
	}
	return ImageInfo{ID: img.id, Width: img.width, Height: img.height, Drawable: img.drawable}, true
}

// Images returns every image id in ascending order.
func (s *MemoryStore) Images() []int32 {
	s.mu.Lock()
	ids := make([]int32, 0, len(s.images))
	for id := range s.images {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drawable returns the description of a drawable.
func (s *MemoryStore) Drawable(id int32) (DrawableInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawables[id]
	if !ok {
		return DrawableInfo{}, false
	}
	return DrawableInfo{ID: d.id, Image: d.image, Width: d.width, Height: d.height, Channels: d.bpp}, true
}

// Pixels returns a copy of a drawable's committed pixels.
func (s *MemoryStore) Pixels(id int32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawables[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d.pixels...), true
}

// SetPixels replaces a drawable's pixels. data must cover the whole
// drawable.
func (s *MemoryStore) SetPixels(id int32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawables[id]
	if !ok {
		return newError(KindInvalidDrawable, "no drawable %d", id)
	}
	if len(data) != len(d.pixels) {
		return fmt.Errorf("drawable %d holds %d bytes, got %d", id, len(d.pixels), len(data))
	}
	copy(d.pixels, data)
	return nil
}

// RestoreImage recreates an image and its drawable under fixed ids, as read
// back from a snapshot.
func (s *MemoryStore) RestoreImage(img ImageInfo, channels int, pixels []byte) error {
	if len(pixels) != img.Width*img.Height*channels {
		return fmt.Errorf("image %d: %d bytes of pixels for %dx%dx%d", img.ID, len(pixels), img.Width, img.Height, channels)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[img.ID]; exists {
		return fmt.Errorf("image %d already exists", img.ID)
	}
	s.images[img.ID] = &memImage{id: img.ID, width: img.Width, height: img.Height, drawable: img.Drawable}
	s.drawables[img.Drawable] = &memDrawable{
		id:     img.Drawable,
		image:  img.ID,
		width:  img.Width,
		height: img.Height,
		bpp:    channels,
		pixels: append([]byte(nil), pixels...),
	}
	s.nextID = max(s.nextID, img.ID+1, img.Drawable+1)
	return nil
}

// DirtyRects returns the rectangles marked dirty on a drawable.
func (s *MemoryStore) DirtyRects(id int32) []Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drawables[id]; ok {
		return append([]Rect(nil), d.dirty...)
	}
	return nil
}

// DisplayFlushes counts FlushDisplays calls.
func (s *MemoryStore) DisplayFlushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Attached reports how many buffers are attached to a drawable.
func (s *MemoryStore) Attached(id int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drawables[id]; ok {
		return d.attached
	}
	return 0
}

// Attach implements PixelStore.
func (s *MemoryStore) Attach(_ context.Context, drawable int32) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawables[drawable]
	if !ok {
		return nil, newError(KindInvalidDrawable, "no drawable %d", drawable)
	}
	d.attached++
	return &memBuffer{store: s, d: d}, nil
}

// FlushDisplays implements PixelStore.
func (s *MemoryStore) FlushDisplays(context.Context) {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

type memBuffer struct {
	store    *MemoryStore
	d        *memDrawable
	detached bool
}

func (b *memBuffer) Drawable() int32 { return b.d.id }

func (b *memBuffer) Bounds() Rect {
	return Rect{Width: b.d.width, Height: b.d.height}
}

func (b *memBuffer) Channels() int { return b.d.bpp }

func (b *memBuffer) Region(r Rect, writable bool) Region {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if writable && b.d.shadow == nil {
		b.d.shadow = append([]byte(nil), b.d.pixels...)
	}
	return &memRegion{buf: b, rect: r.Intersect(b.Bounds()), writable: writable}
}

// tiles lists the grid cells of r in row-major order.
func (b *memBuffer) tiles(r Rect) []Rect {
	ts := b.store.tileSize
	var out []Rect
	for ty := (r.Y / ts) * ts; ty < r.Y+r.Height; ty += ts {
		for tx := (r.X / ts) * ts; tx < r.X+r.Width; tx += ts {
			cell := Rect{X: tx, Y: ty, Width: ts, Height: ts}.Intersect(r)
			if !cell.Empty() {
				out = append(out, cell)
			}
		}
	}
	return out
}

func (b *memBuffer) Iterate(src, dst Region) Iterator {
	s, ok1 := src.(*memRegion)
	d, ok2 := dst.(*memRegion)
	if !ok1 || !ok2 || s.buf != b || d.buf != b || s.rect != d.rect {
		return nil
	}
	tiles := b.tiles(s.rect)
	if len(tiles) == 0 {
		return nil
	}
	it := &memIterator{src: s, dst: d, tiles: tiles}
	it.load()
	return it
}

func (b *memBuffer) Flush() {
	debugf("memstore: flush drawable %d", b.d.id)
}

func (b *memBuffer) MergeShadow(r Rect) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.d.shadow == nil {
		return
	}
	r = r.Intersect(b.Bounds())
	stride := b.d.width * b.d.bpp
	for y := r.Y; y < r.Y+r.Height; y++ {
		off := y*stride + r.X*b.d.bpp
		n := r.Width * b.d.bpp
		copy(b.d.pixels[off:off+n], b.d.shadow[off:off+n])
	}
}

func (b *memBuffer) MarkDirty(r Rect) {
	b.store.mu.Lock()
	b.d.dirty = append(b.d.dirty, r)
	b.store.mu.Unlock()
}

func (b *memBuffer) Detach() {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.detached {
		return
	}
	b.detached = true
	b.d.attached--
	if b.d.attached == 0 {
		b.d.shadow = nil
	}
}

type memRegion struct {
	buf      *memBuffer
	rect     Rect
	writable bool
	cur      Rect
	data     []byte
	modified bool
}

func (r *memRegion) Bounds() Rect { return r.rect }

func (r *memRegion) MarkModified() {
	if r.writable {
		r.modified = true
	}
}

func (r *memRegion) Tile() TileView {
	bpp := r.buf.d.bpp
	return TileView{
		X:         r.cur.X,
		Y:         r.cur.Y,
		Width:     r.cur.Width,
		Height:    r.cur.Height,
		Channels:  bpp,
		RowStride: r.cur.Width * bpp,
		Data:      r.data,
	}
}

// load copies the cell from the pixels (read regions) or the shadow
// (writable regions) into the region's tile memory.
func (r *memRegion) load(cell Rect) {
	d := r.buf.d
	src := d.pixels
	if r.writable {
		src = d.shadow
	}
	r.cur = cell
	r.modified = false
	rowBytes := cell.Width * d.bpp
	r.data = make([]byte, rowBytes*cell.Height)
	stride := d.width * d.bpp
	for y := 0; y < cell.Height; y++ {
		off := (cell.Y+y)*stride + cell.X*d.bpp
		copy(r.data[y*rowBytes:(y+1)*rowBytes], src[off:off+rowBytes])
	}
}

// commit writes the tile memory of a modified writable region to the
// shadow.
func (r *memRegion) commit() {
	if !r.writable || !r.modified || r.data == nil {
		return
	}
	d := r.buf.d
	rowBytes := r.cur.Width * d.bpp
	stride := d.width * d.bpp
	for y := 0; y < r.cur.Height; y++ {
		off := (r.cur.Y+y)*stride + r.cur.X*d.bpp
		copy(d.shadow[off:off+rowBytes], r.data[y*rowBytes:(y+1)*rowBytes])
	}
	r.modified = false
}

type memIterator struct {
	src, dst *memRegion
	tiles    []Rect
	idx      int
}

func (it *memIterator) load() {
	store := it.src.buf.store
	store.mu.Lock()
	defer store.mu.Unlock()
	it.src.load(it.tiles[it.idx])
	it.dst.load(it.tiles[it.idx])
}

func (it *memIterator) Next() bool {
	store := it.src.buf.store
	store.mu.Lock()
	it.dst.commit()
	store.mu.Unlock()

	it.idx++
	if it.idx >= len(it.tiles) {
		it.src.data, it.dst.data = nil, nil
		return false
	}
	it.load()
	return true
}
