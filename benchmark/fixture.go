// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds a fixture for measuring the bridge: a registry
// with cheap procedures and a large drawable paged through a tile stream.
package benchmark

import (
	"context"
	"fmt"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
)

// Fixture is a bridge server over an in-memory store holding one image.
type Fixture struct {
	Server   *gimpbus.Server
	Store    *gimpbus.MemoryStore
	Image    int32
	Drawable int32
}

// NewFixture creates a server whose store holds a width x height RGB image.
func NewFixture(width, height, tileSize int) (*Fixture, error) {
	reg := gimpbus.NewMemoryRegistry()
	if err := RegisterProcedures(reg); err != nil {
		return nil, err
	}
	store := gimpbus.NewMemoryStore(tileSize)
	img, drw, err := store.NewImage(width, height, 3)
	if err != nil {
		return nil, fmt.Errorf("creating fixture image: %w", err)
	}
	return &Fixture{
		Server:   gimpbus.NewServer(reg, store),
		Store:    store,
		Image:    img,
		Drawable: drw,
	}, nil
}

// RegisterProcedures adds the benchmark procedures to reg.
func RegisterProcedures(reg *gimpbus.MemoryRegistry) error {
	if err := reg.Register(gimpbus.Procedure{
		Name:  "bench-noop",
		Blurb: "Do nothing",
	}, noop); err != nil {
		return err
	}
	return reg.Register(gimpbus.Procedure{
		Name:  "bench-sum",
		Blurb: "Sum an array of floats",
		Params: gimpbus.Signature{
			{Type: gimpbus.PDBInt32, Name: "n"},
			{Type: gimpbus.PDBFloatArray, Name: "values"},
		},
		Returns: gimpbus.Signature{{Type: gimpbus.PDBFloat, Name: "sum"}},
	}, sum)
}

func noop(context.Context, []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
	return gimpbus.StatusSuccess, nil
}

func sum(_ context.Context, args []gimpbus.Param) (gimpbus.Status, []gimpbus.Param) {
	var total float64
	for _, v := range args[1].(gimpbus.FloatArray) {
		total += v
	}
	return gimpbus.StatusSuccess, []gimpbus.Param{gimpbus.Float(total)}
}
