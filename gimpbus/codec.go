// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import "fmt"

// Wire values are the Go values godbus produces and consumes for the D-Bus
// basic types used by the bridge:
//
//	i  int32      n  int16      y  byte       d  float64     s  string
//	as []string   ai []int32    an []int16    ad []float64
//
// Decode and Encode switch exhaustively over the Param implementations, so a
// new parameter kind has to be added in both places.

// Decode converts a wire value into a Param of type t. A wire value of the
// wrong runtime type yields a TypeMismatch error and no Param.
func Decode(wire any, t ParamType) (Param, error) {
	p, err := decodeAt(wire, t, -1)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAt(wire any, t ParamType, pos int) (Param, *Error) {
	mismatch := func() *Error {
		return errAt(KindTypeMismatch, pos, "expected %s (%s), got %s", t, t.Signature(), describeWire(wire))
	}

	switch t {
	case PDBInt32:
		v, ok := wire.(int32)
		if !ok {
			return nil, mismatch()
		}
		return Int32(v), nil
	case PDBInt16:
		v, ok := wire.(int16)
		if !ok {
			return nil, mismatch()
		}
		return Int16(v), nil
	case PDBInt8:
		v, ok := wire.(byte)
		if !ok {
			return nil, mismatch()
		}
		return Int8(v), nil
	case PDBFloat:
		v, ok := wire.(float64)
		if !ok {
			return nil, mismatch()
		}
		return Float(v), nil
	case PDBString:
		v, ok := wire.(string)
		if !ok {
			return nil, mismatch()
		}
		return String(v), nil
	case PDBColor:
		v, ok := wire.(int32)
		if !ok {
			return nil, mismatch()
		}
		return UnpackColor(v), nil
	case PDBStringArray:
		v, ok := wire.([]string)
		if !ok {
			return nil, mismatch()
		}
		out := make(StringArray, len(v))
		copy(out, v)
		return out, nil
	case PDBInt32Array:
		v, ok := wire.([]int32)
		if !ok {
			return nil, mismatch()
		}
		out := make(Int32Array, len(v))
		copy(out, v)
		return out, nil
	case PDBInt16Array:
		v, ok := wire.([]int16)
		if !ok {
			return nil, mismatch()
		}
		out := make(Int16Array, len(v))
		copy(out, v)
		return out, nil
	case PDBInt8Array:
		// Bytes travel as 32-bit integers; keep the low 8 bits.
		v, ok := wire.([]int32)
		if !ok {
			return nil, mismatch()
		}
		out := make(Int8Array, len(v))
		for i, x := range v {
			out[i] = uint8(x)
		}
		return out, nil
	case PDBFloatArray:
		v, ok := wire.([]float64)
		if !ok {
			return nil, mismatch()
		}
		out := make(FloatArray, len(v))
		copy(out, v)
		return out, nil
	case PDBStatus:
		return nil, errAt(KindUnsupportedType, pos, "%s cannot be passed as an argument", t)
	default:
		// Identities, and every tag without a dedicated form, are int32s.
		v, ok := wire.(int32)
		if !ok {
			return nil, mismatch()
		}
		return ID{Kind: t, Value: v}, nil
	}
}

// Encode converts p into its wire value. For array kinds count is the number
// of elements to emit, taken from the preceding entry of the result sequence;
// it is ignored for scalars.
func Encode(p Param, count int) (any, error) {
	v, err := encodeAt(p, count, -1)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func encodeAt(p Param, count int, pos int) (any, *Error) {
	switch v := p.(type) {
	case Int32:
		return int32(v), nil
	case Int16:
		return int16(v), nil
	case Int8:
		return byte(v), nil
	case Float:
		return float64(v), nil
	case String:
		return string(v), nil
	case Color:
		return PackColor(v), nil
	case ID:
		return v.Value, nil
	case Int32Array:
		if err := checkCount(count, len(v), pos); err != nil {
			return nil, err
		}
		out := make([]int32, count)
		copy(out, v)
		return out, nil
	case Int16Array:
		if err := checkCount(count, len(v), pos); err != nil {
			return nil, err
		}
		out := make([]int16, count)
		copy(out, v)
		return out, nil
	case Int8Array:
		if err := checkCount(count, len(v), pos); err != nil {
			return nil, err
		}
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(v[i])
		}
		return out, nil
	case FloatArray:
		if err := checkCount(count, len(v), pos); err != nil {
			return nil, err
		}
		out := make([]float64, count)
		copy(out, v)
		return out, nil
	case StringArray:
		if err := checkCount(count, len(v), pos); err != nil {
			return nil, err
		}
		out := make([]string, count)
		copy(out, v)
		return out, nil
	case Status:
		return nil, errAt(KindEncodeFailed, pos, "status values have no wire form")
	case nil:
		return nil, errAt(KindEncodeFailed, pos, "missing value")
	default:
		return nil, errAt(KindEncodeFailed, pos, "unencodable parameter %T", p)
	}
}

func checkCount(count, have, pos int) *Error {
	if count < 0 || count > have {
		return errAt(KindEncodeFailed, pos, "array count %d out of range for %d elements", count, have)
	}
	return nil
}

// DecodeAll decodes wire against sig position by position. It fails on the
// first bad element and returns no parameters in that case. An array entry
// must be preceded by an integer whose value equals the array length.
func DecodeAll(sig Signature, wire []any) ([]Param, error) {
	if len(wire) != len(sig) {
		return nil, newError(KindInvalidArgument, "expected %d arguments (%s), got %d",
			len(sig), sig.DBusSignature(), len(wire))
	}
	params := make([]Param, len(sig))
	for i, def := range sig {
		if def.Type.IsArray() && i == 0 {
			return nil, errAt(KindArrayPosition, i, "%s cannot be the first argument", def.Type)
		}
		p, err := decodeAt(wire[i], def.Type, i)
		if err != nil {
			return nil, err
		}
		if def.Type.IsArray() {
			count, ok := IntValue(params[i-1])
			if !ok {
				return nil, errAt(KindArrayPosition, i, "%s is not preceded by an element count", def.Type)
			}
			if n, _ := arrayLen(p); n != count {
				return nil, errAt(KindSizeMismatch, i, "element count is %d but the array holds %d", count, n)
			}
		}
		params[i] = p
	}
	return params, nil
}

// EncodeAll encodes params against sig. Each array is emitted with the count
// carried by the entry immediately before it. Nothing is returned unless
// every element encodes.
func EncodeAll(sig Signature, params []Param) ([]any, error) {
	if len(params) != len(sig) {
		return nil, newError(KindEncodeFailed, "expected %d values, got %d", len(sig), len(params))
	}
	out := make([]any, len(params))
	for i, p := range params {
		if p != nil && p.Type().Signature() != sig[i].Type.Signature() {
			return nil, errAt(KindEncodeFailed, i, "value of type %s does not match declared %s", p.Type(), sig[i].Type)
		}
		count := 0
		if p != nil && p.Type().IsArray() {
			if i == 0 {
				return nil, errAt(KindArrayPosition, i, "%s cannot be the first value", p.Type())
			}
			n, ok := IntValue(params[i-1])
			if !ok {
				return nil, errAt(KindArrayPosition, i, "%s is not preceded by an element count", p.Type())
			}
			count = n
		}
		v, err := encodeAt(p, count, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// describeWire names the D-Bus type of a wire value for error messages.
func describeWire(v any) string {
	switch v.(type) {
	case int32:
		return "int32 (i)"
	case int16:
		return "int16 (n)"
	case byte:
		return "byte (y)"
	case float64:
		return "double (d)"
	case string:
		return "string (s)"
	case bool:
		return "boolean (b)"
	case []string:
		return "string array (as)"
	case []int32:
		return "int32 array (ai)"
	case []int16:
		return "int16 array (an)"
	case []byte:
		return "byte array (ay)"
	case []float64:
		return "double array (ad)"
	case nil:
		return "nothing"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// wireSignature returns the D-Bus signature of a wire value, or "" when v is
// not a value the bridge exchanges.
func wireSignature(v any) string {
	switch v.(type) {
	case int32:
		return "i"
	case int16:
		return "n"
	case byte:
		return "y"
	case float64:
		return "d"
	case string:
		return "s"
	case bool:
		return "b"
	case []string:
		return "as"
	case []int32:
		return "ai"
	case []int16:
		return "an"
	case []byte:
		return "ay"
	case []float64:
		return "ad"
	}
	return ""
}
