// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDispatcherCall(t *testing.T) {
	d := NewDispatcher(testRegistry(t))
	ctx := context.Background()

	out, err := d.Call(ctx, "add_one", []any{int32(41)})
	if err != nil {
		t.Fatalf("add_one: %v", err)
	}
	if !reflect.DeepEqual(out, []any{int32(42)}) {
		t.Fatalf("got %v, want [42]", out)
	}

	out, err = d.Call(ctx, "sum_array", []any{int32(3), []int32{1, 2, 3}})
	if err != nil {
		t.Fatalf("sum_array: %v", err)
	}
	if !reflect.DeepEqual(out, []any{int32(6)}) {
		t.Fatalf("got %v, want [6]", out)
	}
}

func TestDispatcherErrors(t *testing.T) {
	d := NewDispatcher(testRegistry(t))
	ctx := context.Background()

	tests := []struct {
		name     string
		method   string
		args     []any
		want     error
		category Category
		msg      string
	}{
		{
			name:     "unknown procedure",
			method:   "no_such_proc",
			want:     ErrUnknownProcedure,
			category: CategoryArgument,
			msg:      "Invalid method: 'no_such_proc'",
		},
		{
			name:     "string for int32",
			method:   "add_one",
			args:     []any{"41"},
			want:     ErrTypeMismatch,
			category: CategoryArgument,
			msg:      "Invalid parameter in call to 'add_one'",
		},
		{
			name:     "missing argument",
			method:   "add_one",
			want:     ErrInvalidArgument,
			category: CategoryArgument,
			msg:      "Invalid parameter in call to 'add_one'",
		},
		{
			name:     "array count mismatch",
			method:   "sum_array",
			args:     []any{int32(4), []int32{1, 2, 3}},
			want:     ErrSizeMismatch,
			category: CategoryArgument,
			msg:      "Invalid parameter in call to 'sum_array'",
		},
		{
			name:     "execution error",
			method:   "always_fail",
			args:     []any{int32(1)},
			want:     ErrCallFailed,
			category: CategoryGeneral,
			msg:      "call to always-fail failed with an execution error",
		},
		{
			name:     "calling error",
			method:   "reject_input",
			want:     ErrCallFailed,
			category: CategoryGeneral,
			msg:      "call to reject-input failed with invalid inputs",
		},
		{
			name:     "panic",
			method:   "panics",
			want:     ErrCallFailed,
			category: CategoryGeneral,
			msg:      "call to panics failed with an execution error",
		},
		{
			name:     "bad return value",
			method:   "bad_return",
			want:     ErrEncodeFailed,
			category: CategoryGeneral,
			msg:      "could not encode results of bad-return",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := d.Call(ctx, tt.method, tt.args)
			if out != nil {
				t.Fatalf("got results %v alongside an error", out)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			e := AsError(err)
			if e.Category() != tt.category {
				t.Fatalf("got category %v, want %v", e.Category(), tt.category)
			}
			if !strings.HasPrefix(err.Error(), tt.msg) {
				t.Fatalf("got message %q, want prefix %q", err.Error(), tt.msg)
			}
		})
	}
}

func TestDispatcherStatusReasons(t *testing.T) {
	for _, status := range []Status{StatusPassThrough, StatusCancel, Status(77)} {
		reg := NewMemoryRegistry()
		reg.MustRegister(Procedure{Name: "p"}, func(context.Context, []Param) (Status, []Param) {
			return status, nil
		})
		_, err := NewDispatcher(reg).Call(context.Background(), "p", nil)
		want := "call to p failed " + statusReason(status)
		if err == nil || err.Error() != want {
			t.Fatalf("status %v: got %v, want %q", status, err, want)
		}
	}
}

// emptyRegistry answers lookups but never produces a result array.
type emptyRegistry struct{ *MemoryRegistry }

func (emptyRegistry) Invoke(context.Context, *Procedure, []Param) []Param { return nil }

func TestDispatcherNoResults(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewDispatcher(emptyRegistry{reg}).Call(context.Background(), "add_one", []any{int32(1)})
	if err == nil || err.Error() != "call to add-one failed for an unknown reason" {
		t.Fatalf("got %v, want unknown reason", err)
	}
}

// failingRegistry reports an execution error together with return values
// that cannot be encoded against any signature.
type failingRegistry struct{ *MemoryRegistry }

func (failingRegistry) Invoke(context.Context, *Procedure, []Param) []Param {
	return []Param{StatusExecutionError, StatusSuccess, nil}
}

func TestDispatcherSkipsEncodingOnFailure(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewDispatcher(failingRegistry{reg}).Call(context.Background(), "add_one", []any{int32(1)})
	if errors.Is(err, ErrEncodeFailed) {
		t.Fatalf("got %v, return values were encoded", err)
	}
	if !errors.Is(err, ErrCallFailed) {
		t.Fatalf("got %v, want CallFailed", err)
	}
	if err.Error() != "call to add-one failed with an execution error" {
		t.Fatalf("got message %q", err.Error())
	}
}

func TestResolverNameMapping(t *testing.T) {
	r := NewResolver(testRegistry(t))
	res, err := r.Resolve(context.Background(), "sum_array")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Procedure != "sum-array" || res.Method != "sum_array" {
		t.Fatalf("got %+v", res)
	}
	if got := res.Params.DBusSignature(); got != "iai" {
		t.Fatalf("got signature %q, want iai", got)
	}

	if got := MethodName("gimp-image-new"); got != "gimp_image_new" {
		t.Fatalf("got %q, want gimp_image_new", got)
	}
	if got := ProcedureName(MethodName("file-png-save2")); got != "file-png-save2" {
		t.Fatalf("got %q, want file-png-save2", got)
	}
}

func TestMemoryRegistryRegister(t *testing.T) {
	reg := NewMemoryRegistry()
	run := func(context.Context, []Param) (Status, []Param) { return StatusSuccess, nil }

	if err := reg.Register(Procedure{Name: "x"}, run); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(Procedure{Name: "x"}, run); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register(Procedure{}, run); err == nil {
		t.Fatal("expected unnamed registration to fail")
	}
	if err := reg.Register(Procedure{Name: "y"}, nil); err == nil {
		t.Fatal("expected nil implementation to fail")
	}

	reg.Unregister("x")
	if _, ok := reg.Lookup(context.Background(), "x"); ok {
		t.Fatal("x still registered")
	}
}
