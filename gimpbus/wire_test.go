// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

func TestServeRoundTrip(t *testing.T) {
	s, _, _, _ := testServer(t)
	s.SetServerID("test-server")

	var in bytes.Buffer
	requests := []struct {
		iface, method string
		args          []any
	}{
		{InterfacePDB, "add_one", []any{int32(41)}},
		{InterfacePDB, "sum_array", []any{int32(2), []int32{5, 6}}},
		{InterfaceGimpPlus, "ggimp_about", nil},
		{InterfacePDB, "no_such_proc", nil},
		{InterfacePDB, "add_one", []any{"41"}},
	}
	for i, r := range requests {
		if err := WriteRequest(&in, r.iface, r.method, "req-"+string(rune('a'+i)), r.args); err != nil {
			t.Fatalf("WriteRequest %s: %v", r.method, err)
		}
	}

	var out bytes.Buffer
	s.Serve(&in, &out)

	expect := func(want []any) {
		t.Helper()
		got, _, err := ReadResponse(&out)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	}
	expectErr := func(want error) {
		t.Helper()
		_, _, err := ReadResponse(&out)
		if !errors.Is(err, want) {
			t.Fatalf("got %v, want %v", err, want)
		}
	}

	expect([]any{int32(42)})
	expect([]any{int32(11)})
	expect([]any{AboutMessage})
	expectErr(ErrUnknownProcedure)
	expectErr(ErrInvalidArgument)

	if out.Len() != 0 {
		t.Fatalf("%d unread bytes after the last response", out.Len())
	}
}

func TestServeCarriesAllWireTypes(t *testing.T) {
	reg := NewMemoryRegistry()
	// Every array is preceded by its element count.
	sig := Signature{
		{Type: PDBInt16, Name: "a"},
		{Type: PDBFloat, Name: "b"},
		{Type: PDBInt32, Name: "n"},
		{Type: PDBStringArray, Name: "c"},
		{Type: PDBInt8, Name: "m"},
		{Type: PDBInt16Array, Name: "d"},
		{Type: PDBInt16, Name: "k"},
		{Type: PDBFloatArray, Name: "e"},
	}
	reg.MustRegister(Procedure{Name: "echo", Params: sig, Returns: sig},
		func(_ context.Context, args []Param) (Status, []Param) {
			return StatusSuccess, args
		})
	s := NewServer(reg, NewMemoryStore(0))

	args := []any{
		int16(-3), 0.25,
		int32(2), []string{"x", "y"},
		byte(2), []int16{7, 8},
		int16(2), []float64{1.5, 2.5},
	}
	var in, out bytes.Buffer
	if err := WriteRequest(&in, "", "echo", "", args); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	s.Serve(&in, &out)

	got, _, err := ReadResponse(&out)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !reflect.DeepEqual(got, args) {
		t.Fatalf("got %#v, want %#v", got, args)
	}
}

func TestServeTileBytes(t *testing.T) {
	s, store, img, drw := testServer(t)

	var in, out bytes.Buffer
	WriteRequest(&in, InterfaceGimpPlus, "drawable_new_tile_stream", "", []any{img, drw})
	WriteRequest(&in, InterfaceGimpPlus, "tile_stream_update", "", []any{int32(0), int32(48), bytes.Repeat([]byte{3}, 48)})
	WriteRequest(&in, InterfaceGimpPlus, "tile_stream_close", "", []any{int32(0)})
	s.Serve(&in, &out)

	for i := 0; i < 3; i++ {
		if _, _, err := ReadResponse(&out); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
	}
	px, _ := store.Pixels(drw)
	if px[0] != 3 || px[4*3-1] != 3 {
		t.Fatalf("got %v, want the first tile row filled with 3", px[:12])
	}
}

func TestServeRecoversFromBadRequest(t *testing.T) {
	s, _, _, _ := testServer(t)

	var in bytes.Buffer
	// A stream without method metadata.
	schema := arrow.NewSchema(nil, nil)
	batch := array.NewRecordBatch(schema, nil, 1)
	w := ipc.NewWriter(&in, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	batch.Release()
	WriteRequest(&in, InterfacePDB, "add_one", "", []any{int32(1)})

	var out bytes.Buffer
	s.Serve(&in, &out)

	if _, _, err := ReadResponse(&out); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want InvalidArgument", err)
	}
	got, _, err := ReadResponse(&out)
	if err != nil {
		t.Fatalf("second response: %v", err)
	}
	if !reflect.DeepEqual(got, []any{int32(2)}) {
		t.Fatalf("got %v, want [2]", got)
	}
}

func TestServeStopsAfterQuit(t *testing.T) {
	s, _, _, _ := testServer(t)

	var in, out bytes.Buffer
	WriteRequest(&in, InterfaceGimpPlus, "ggimp_quit", "", nil)
	WriteRequest(&in, InterfacePDB, "add_one", "", []any{int32(1)})
	s.Serve(&in, &out)

	results, logs, err := ReadResponse(&out)
	if err != nil {
		t.Fatalf("ggimp_quit: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %v, want no results", results)
	}
	if len(logs) != 1 || logs[0].Message != "quit requested" {
		t.Fatalf("got logs %+v", logs)
	}
	if out.Len() != 0 {
		t.Fatal("server answered a call after quitting")
	}
}

func TestServeReturnsOnCancel(t *testing.T) {
	s, _, _, _ := testServer(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeWithContext(ctx, pr, &out)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop still blocked on read after cancel")
	}
	if out.Len() != 0 {
		t.Fatalf("got %d bytes of output, want none", out.Len())
	}
	if _, err := pw.Write([]byte{0}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("got %v writing after cancel, want the reader closed", err)
	}
}

func TestServeDescribe(t *testing.T) {
	s, _, _, _ := testServer(t)

	var in, out bytes.Buffer
	WriteRequest(&in, "", describeMethod, "", nil)
	s.Serve(&in, &out)

	reader, err := ipc.NewReader(&out)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Release()
	if !reader.Next() {
		t.Fatalf("no describe batch: %v", reader.Err())
	}
	batch := reader.RecordBatch()
	if got := int(batch.NumRows()); got != len(s.Methods()) {
		t.Fatalf("got %d rows, want %d", got, len(s.Methods()))
	}
	names := batch.Column(0).(*array.String)
	found := false
	for i := 0; i < names.Len(); i++ {
		if names.Value(i) == "add_one" {
			found = true
		}
	}
	if !found {
		t.Fatal("add_one missing from describe batch")
	}
}

func TestServeListener(t *testing.T) {
	s, _, _, _ := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := WriteRequest(conn, InterfacePDB, "add_one", "", []any{int32(9)}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, _, err := ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !reflect.DeepEqual(got, []any{int32(10)}) {
		t.Fatalf("got %v, want [10]", got)
	}

	cancel()
	conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}
