// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import "fmt"

// ParamType is a procedure database argument type. The numeric values match
// the host's PDB enumeration so signatures can be exchanged verbatim.
type ParamType int32

const (
	PDBInt32 ParamType = iota
	PDBInt16
	PDBInt8
	PDBFloat
	PDBString
	PDBInt32Array
	PDBInt16Array
	PDBInt8Array
	PDBFloatArray
	PDBStringArray
	PDBColor
	PDBItem
	PDBDisplay
	PDBImage
	PDBLayer
	PDBChannel
	PDBDrawable
	PDBSelection
	PDBBoundary
	PDBVectors
	PDBParasite
	PDBStatus

	pdbEnd
)

var paramTypeNames = [...]string{
	PDBInt32:       "INT32",
	PDBInt16:       "INT16",
	PDBInt8:        "INT8",
	PDBFloat:       "FLOAT",
	PDBString:      "STRING",
	PDBInt32Array:  "INT32ARRAY",
	PDBInt16Array:  "INT16ARRAY",
	PDBInt8Array:   "INT8ARRAY",
	PDBFloatArray:  "FLOATARRAY",
	PDBStringArray: "STRINGARRAY",
	PDBColor:       "COLOR",
	PDBItem:        "ITEM",
	PDBDisplay:     "DISPLAY",
	PDBImage:       "IMAGE",
	PDBLayer:       "LAYER",
	PDBChannel:     "CHANNEL",
	PDBDrawable:    "DRAWABLE",
	PDBSelection:   "SELECTION",
	PDBBoundary:    "BOUNDARY",
	PDBVectors:     "VECTORS",
	PDBParasite:    "PARASITE",
	PDBStatus:      "STATUS",
}

func (t ParamType) String() string {
	if t >= 0 && t < pdbEnd {
		return paramTypeNames[t]
	}
	return fmt.Sprintf("ParamType(%d)", int32(t))
}

// Valid reports whether t is part of the PDB enumeration.
func (t ParamType) Valid() bool {
	return t >= 0 && t < pdbEnd
}

// IsArray reports whether t is one of the array kinds that take their
// element count from the preceding entry of a sequence.
func (t ParamType) IsArray() bool {
	switch t {
	case PDBInt32Array, PDBInt16Array, PDBInt8Array, PDBFloatArray, PDBStringArray:
		return true
	}
	return false
}

// isIdentity reports whether t names a host object carried as an int32 id.
func (t ParamType) isIdentity() bool {
	switch t {
	case PDBDisplay, PDBImage, PDBLayer, PDBChannel, PDBDrawable,
		PDBSelection, PDBBoundary, PDBVectors:
		return true
	}
	return false
}

// Signature returns the D-Bus type signature used on the wire for t.
//
// Tags without a dedicated wire form (ITEM, PARASITE and anything outside
// the enumeration) are carried as a 32-bit integer.
func (t ParamType) Signature() string {
	switch t {
	case PDBInt16:
		return "n"
	case PDBInt8:
		return "y"
	case PDBFloat:
		return "d"
	case PDBString:
		return "s"
	case PDBStringArray:
		return "as"
	case PDBInt32Array, PDBInt8Array:
		return "ai"
	case PDBInt16Array:
		return "an"
	case PDBFloatArray:
		return "ad"
	default:
		return "i"
	}
}

// ParamDef is one formal parameter or return value of a procedure.
type ParamDef struct {
	Type        ParamType
	Name        string
	Description string
}

// Signature is an ordered list of parameter definitions.
type Signature []ParamDef

// Types returns the type tags of sig in order.
func (sig Signature) Types() []ParamType {
	types := make([]ParamType, len(sig))
	for i, d := range sig {
		types[i] = d.Type
	}
	return types
}

// DBusSignature concatenates the wire signatures of every entry.
func (sig Signature) DBusSignature() string {
	var s string
	for _, d := range sig {
		s += d.Type.Signature()
	}
	return s
}

// Param is a tagged procedure argument or return value. The set of
// implementations is closed; Decode and Encode switch over all of them.
type Param interface {
	Type() ParamType
	param()
}

type (
	// Int32 is a PDB INT32 value.
	Int32 int32
	// Int16 is a PDB INT16 value.
	Int16 int16
	// Int8 is a PDB INT8 value. The host treats it as an unsigned byte.
	Int8 uint8
	// Float is a PDB FLOAT value.
	Float float64
	// String is a PDB STRING value.
	String string

	Int32Array  []int32
	Int16Array  []int16
	Int8Array   []uint8
	FloatArray  []float64
	StringArray []string
)

// ID is a host object identity (image, drawable, layer and so on) or a
// value of a tag that has no dedicated representation.
type ID struct {
	Kind  ParamType
	Value int32
}

// Status is the PDB status code found in slot 0 of every result array.
type Status int32

const (
	StatusExecutionError Status = iota
	StatusCallingError
	StatusPassThrough
	StatusSuccess
	StatusCancel
)

func (Int32) Type() ParamType       { return PDBInt32 }
func (Int16) Type() ParamType       { return PDBInt16 }
func (Int8) Type() ParamType        { return PDBInt8 }
func (Float) Type() ParamType       { return PDBFloat }
func (String) Type() ParamType      { return PDBString }
func (Color) Type() ParamType       { return PDBColor }
func (Int32Array) Type() ParamType  { return PDBInt32Array }
func (Int16Array) Type() ParamType  { return PDBInt16Array }
func (Int8Array) Type() ParamType   { return PDBInt8Array }
func (FloatArray) Type() ParamType  { return PDBFloatArray }
func (StringArray) Type() ParamType { return PDBStringArray }
func (id ID) Type() ParamType       { return id.Kind }
func (Status) Type() ParamType      { return PDBStatus }

func (Int32) param()       {}
func (Int16) param()       {}
func (Int8) param()        {}
func (Float) param()       {}
func (String) param()      {}
func (Color) param()       {}
func (Int32Array) param()  {}
func (Int16Array) param()  {}
func (Int8Array) param()   {}
func (FloatArray) param()  {}
func (StringArray) param() {}
func (ID) param()          {}
func (Status) param()      {}

// IntValue returns the integer carried by p when p can serve as an array
// element count.
func IntValue(p Param) (int, bool) {
	switch v := p.(type) {
	case Int32:
		return int(v), true
	case Int16:
		return int(v), true
	case Int8:
		return int(v), true
	case ID:
		return int(v.Value), true
	}
	return 0, false
}

// arrayLen returns the element count of an array parameter.
func arrayLen(p Param) (int, bool) {
	switch v := p.(type) {
	case Int32Array:
		return len(v), true
	case Int16Array:
		return len(v), true
	case Int8Array:
		return len(v), true
	case FloatArray:
		return len(v), true
	case StringArray:
		return len(v), true
	}
	return 0, false
}
