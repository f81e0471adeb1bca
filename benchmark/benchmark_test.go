// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"bytes"
	"context"
	"testing"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
)

func TestInvertVisitsEveryTile(t *testing.T) {
	f, err := NewFixture(130, 70, 64)
	if err != nil {
		t.Fatalf("NewFixture: %v", err)
	}
	n, err := f.Invert(context.Background())
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	// 3 columns by 2 rows of 64px tiles.
	if n != 6 {
		t.Fatalf("visited %d tiles, want 6", n)
	}
	px, _ := f.Store.Pixels(f.Drawable)
	if !bytes.Equal(px, bytes.Repeat([]byte{255}, 130*70*3)) {
		t.Fatal("not every byte was inverted")
	}
	if n := f.Server.Tiles().Active(); n != 0 {
		t.Fatalf("%d streams left open", n)
	}
}

func BenchmarkNoop(b *testing.B) {
	f, err := NewFixture(1, 1, 0)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Server.Call(ctx, gimpbus.InterfacePDB, "bench_noop", nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSum(b *testing.B) {
	f, err := NewFixture(1, 1, 0)
	if err != nil {
		b.Fatal(err)
	}
	values := make([]float64, 1024)
	for i := range values {
		values[i] = float64(i)
	}
	args := []any{int32(len(values)), values}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Server.Call(ctx, gimpbus.InterfacePDB, "bench_sum", args); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInvert(b *testing.B) {
	f, err := NewFixture(1024, 768, 64)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.SetBytes(1024 * 768 * 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Invert(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkServeRoundTrip(b *testing.B) {
	f, err := NewFixture(1, 1, 0)
	if err != nil {
		b.Fatal(err)
	}
	var req bytes.Buffer
	if err := gimpbus.WriteRequest(&req, gimpbus.InterfacePDB, "bench_noop", "", nil); err != nil {
		b.Fatal(err)
	}
	payload := req.Bytes()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out bytes.Buffer
		f.Server.Serve(bytes.NewReader(payload), &out)
		if _, _, err := gimpbus.ReadResponse(&out); err != nil {
			b.Fatal(err)
		}
	}
}
