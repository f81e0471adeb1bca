// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowType returns the Arrow column type that carries values of D-Bus
// signature sig on the Arrow transports.
func arrowType(sig string) (arrow.DataType, bool) {
	switch sig {
	case "i":
		return arrow.PrimitiveTypes.Int32, true
	case "n":
		return arrow.PrimitiveTypes.Int16, true
	case "y":
		return arrow.PrimitiveTypes.Uint8, true
	case "d":
		return arrow.PrimitiveTypes.Float64, true
	case "s":
		return arrow.BinaryTypes.String, true
	case "b":
		return arrow.FixedWidthTypes.Boolean, true
	case "ay":
		return arrow.BinaryTypes.Binary, true
	case "ai":
		return arrow.ListOf(arrow.PrimitiveTypes.Int32), true
	case "an":
		return arrow.ListOf(arrow.PrimitiveTypes.Int16), true
	case "ad":
		return arrow.ListOf(arrow.PrimitiveTypes.Float64), true
	case "as":
		return arrow.ListOf(arrow.BinaryTypes.String), true
	}
	return nil, false
}

// signatureSchema builds the schema of a batch carrying values with the
// given argument descriptions.
func signatureSchema(args []ArgDesc) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(args))
	for i, a := range args {
		dt, ok := arrowType(a.Signature)
		if !ok {
			dt = arrow.PrimitiveTypes.Int32
		}
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		fields = append(fields, arrow.Field{Name: name, Type: dt})
	}
	return arrow.NewSchema(fields, nil)
}

// buildWireBatch builds a single-row batch with one column per wire value,
// named prefix0, prefix1 and so on.
func buildWireBatch(prefix string, values []any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(values))
	cols := make([]arrow.Array, 0, len(values))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for i, v := range values {
		sig := wireSignature(v)
		dt, ok := arrowType(sig)
		if !ok {
			return nil, newError(KindEncodeFailed, "value %d has no Arrow form (%s)", i, describeWire(v))
		}
		fields[i] = arrow.Field{Name: fmt.Sprintf("%s%d", prefix, i), Type: dt}

		b := array.NewBuilder(mem, dt)
		appendWire(b, v)
		cols = append(cols, b.NewArray())
		b.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecordBatch(schema, cols, 1), nil
}

// appendWire appends one wire value to a builder created for its type.
func appendWire(b array.Builder, v any) {
	switch x := v.(type) {
	case int32:
		b.(*array.Int32Builder).Append(x)
	case int16:
		b.(*array.Int16Builder).Append(x)
	case byte:
		b.(*array.Uint8Builder).Append(x)
	case float64:
		b.(*array.Float64Builder).Append(x)
	case string:
		b.(*array.StringBuilder).Append(x)
	case bool:
		b.(*array.BooleanBuilder).Append(x)
	case []byte:
		b.(*array.BinaryBuilder).Append(x)
	case []int32:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Int32Builder).AppendValues(x, nil)
	case []int16:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Int16Builder).AppendValues(x, nil)
	case []float64:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float64Builder).AppendValues(x, nil)
	case []string:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.StringBuilder).AppendValues(x, nil)
	}
}

// wireValues reads row 0 of every column of batch as wire values.
func wireValues(batch arrow.RecordBatch) ([]any, error) {
	if batch.NumCols() == 0 {
		return []any{}, nil
	}
	if batch.NumRows() != 1 {
		return nil, newError(KindInvalidArgument, "expected 1 row in request batch, got %d", batch.NumRows())
	}
	values := make([]any, batch.NumCols())
	for i := range values {
		v, err := wireValue(batch.Column(i))
		if err != nil {
			return nil, errAt(KindTypeMismatch, i, "column %s: %v", batch.Schema().Field(i).Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func wireValue(col arrow.Array) (any, error) {
	if col.IsNull(0) {
		return nil, fmt.Errorf("null values are not supported")
	}
	switch c := col.(type) {
	case *array.Int32:
		return c.Value(0), nil
	case *array.Int16:
		return c.Value(0), nil
	case *array.Uint8:
		return c.Value(0), nil
	case *array.Float64:
		return c.Value(0), nil
	case *array.String:
		return c.Value(0), nil
	case *array.Boolean:
		return c.Value(0), nil
	case *array.Binary:
		return append([]byte(nil), c.Value(0)...), nil
	case *array.List:
		start, end := c.ValueOffsets(0)
		n := int(end - start)
		switch values := c.ListValues().(type) {
		case *array.Int32:
			out := make([]int32, n)
			for j := range out {
				out[j] = values.Value(int(start) + j)
			}
			return out, nil
		case *array.Int16:
			out := make([]int16, n)
			for j := range out {
				out[j] = values.Value(int(start) + j)
			}
			return out, nil
		case *array.Float64:
			out := make([]float64, n)
			for j := range out {
				out[j] = values.Value(int(start) + j)
			}
			return out, nil
		case *array.String:
			out := make([]string, n)
			for j := range out {
				out[j] = values.Value(int(start) + j)
			}
			return out, nil
		}
		return nil, fmt.Errorf("unsupported list element type %s", c.DataType())
	}
	return nil, fmt.Errorf("unsupported column type %s", col.DataType())
}
