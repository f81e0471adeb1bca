// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindUnknownProcedure Kind = "UnknownProcedure"
	KindInvalidArgument  Kind = "InvalidArgument"
	KindTypeMismatch     Kind = "TypeMismatch"
	KindSizeMismatch     Kind = "SizeMismatch"
	KindArrayPosition    Kind = "ArrayPosition"
	KindUnsupportedType  Kind = "UnsupportedType"
	KindPoolExhausted    Kind = "PoolExhausted"
	KindInvalidHandle    Kind = "InvalidHandle"
	KindInvalidDrawable  Kind = "InvalidDrawable"
	KindNoMoreTiles      Kind = "NoMoreTiles"
	KindCallFailed       Kind = "CallFailed"
	KindEncodeFailed     Kind = "EncodeFailed"
)

// Category is the coarse error class reported on the wire.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryArgument
)

// D-Bus error names for each category.
const (
	DBusErrorInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
	DBusErrorFailed      = "org.freedesktop.DBus.Error.Failed"
)

func (c Category) String() string {
	if c == CategoryArgument {
		return "argument"
	}
	return "general"
}

// DBusName returns the D-Bus error name used for replies in category c.
func (c Category) DBusName() string {
	if c == CategoryArgument {
		return DBusErrorInvalidArgs
	}
	return DBusErrorFailed
}

// Category maps a kind onto the wire category. Everything caused by what the
// caller sent is an argument error.
func (k Kind) Category() Category {
	switch k {
	case KindUnknownProcedure, KindInvalidArgument, KindTypeMismatch,
		KindSizeMismatch, KindArrayPosition, KindUnsupportedType:
		return CategoryArgument
	}
	return CategoryGeneral
}

// Sentinels for errors.Is. Matching compares kinds only.
var (
	ErrUnknownProcedure = &Error{Kind: KindUnknownProcedure}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrTypeMismatch     = &Error{Kind: KindTypeMismatch}
	ErrSizeMismatch     = &Error{Kind: KindSizeMismatch}
	ErrArrayPosition    = &Error{Kind: KindArrayPosition}
	ErrUnsupportedType  = &Error{Kind: KindUnsupportedType}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrInvalidHandle    = &Error{Kind: KindInvalidHandle}
	ErrInvalidDrawable  = &Error{Kind: KindInvalidDrawable}
	ErrNoMoreTiles      = &Error{Kind: KindNoMoreTiles}
	ErrCallFailed       = &Error{Kind: KindCallFailed}
	ErrEncodeFailed     = &Error{Kind: KindEncodeFailed}
)

// Error is the structured error type used throughout the bridge.
type Error struct {
	Kind Kind
	// Method is the wire method name the failure belongs to, if any.
	Method string
	// Position is the argument or result index, -1 when not positional.
	Position int
	// Reason is the human-readable status reason of a CallFailed error.
	Reason string
	// Message, when set, is the complete text sent to the caller.
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Position >= 0 && e.Detail != "" {
		fmt.Fprintf(&b, " at position %d", e.Position)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error target with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Category returns the wire category of e.
func (e *Error) Category() Category {
	return e.Kind.Category()
}

// DBusError lets godbus encode e as a named D-Bus error with the message as
// its single body element.
func (e *Error) DBusError() (string, []any) {
	return e.Category().DBusName(), []any{e.Error()}
}

// AsError extracts the *Error in err's chain, wrapping foreign errors as a
// general failure so every transport can report a kind and category.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindCallFailed, Position: -1, Message: err.Error(), Cause: err}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Position: -1, Detail: fmt.Sprintf(format, args...)}
}

func errAt(kind Kind, pos int, format string, args ...any) *Error {
	return &Error{Kind: kind, Position: pos, Detail: fmt.Sprintf(format, args...)}
}

func errUnknownProcedure(method string) *Error {
	return &Error{
		Kind:     KindUnknownProcedure,
		Method:   method,
		Position: -1,
		Message:  fmt.Sprintf("Invalid method: '%s'", method),
	}
}

func errInvalidArgument(method string, cause *Error) *Error {
	msg := fmt.Sprintf("Invalid parameter in call to '%s'", method)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	pos := -1
	if cause != nil {
		pos = cause.Position
	}
	return &Error{
		Kind:     KindInvalidArgument,
		Method:   method,
		Position: pos,
		Message:  msg,
		Cause:    cause,
	}
}

func errCallFailed(proc, reason string) *Error {
	return &Error{
		Kind:     KindCallFailed,
		Method:   proc,
		Position: -1,
		Reason:   reason,
		Message:  fmt.Sprintf("call to %s failed %s", proc, reason),
	}
}

func errEncodeFailed(proc string, cause *Error) *Error {
	return &Error{
		Kind:     KindEncodeFailed,
		Method:   proc,
		Position: cause.Position,
		Message:  fmt.Sprintf("could not encode results of %s: %s", proc, cause.Error()),
		Cause:    cause,
	}
}

// stackFrame is one frame of the optional stack attached to error batches.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON document stored under MetaLogExtra for EXCEPTION
// batches.
type errorExtra struct {
	Kind     string       `json:"kind"`
	Category string       `json:"category"`
	Message  string       `json:"message"`
	Position *int         `json:"position,omitempty"`
	Frames   []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra renders err for an error batch. Stack frames are included
// only when debug is set.
func buildErrorExtra(err error, debug bool) string {
	e := AsError(err)
	extra := errorExtra{
		Kind:     string(e.Kind),
		Category: e.Category().String(),
		Message:  err.Error(),
	}
	if e.Position >= 0 {
		pos := e.Position
		extra.Position = &pos
	}
	if debug {
		pcs := make([]uintptr, 10)
		n := runtime.Callers(2, pcs)
		frames := runtime.CallersFrames(pcs[:n])
		for count := 0; count < 5; count++ {
			frame, more := frames.Next()
			extra.Frames = append(extra.Frames, stackFrame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
			if !more {
				break
			}
		}
	}
	data, _ := json.Marshal(extra)
	return string(data)
}
