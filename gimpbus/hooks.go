// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import "context"

// Method type string constants for DispatchInfo.MethodType.
const (
	DispatchMethodBuiltin   = "builtin"
	DispatchMethodProcedure = "procedure"
)

// Transport names for DispatchInfo.Transport.
const (
	TransportDBus  = "dbus"
	TransportStdio = "stdio"
	TransportUnix  = "unix"
	TransportHTTP  = "http"
)

// DispatchHook provides observability callpoints around every call.
// Implementations must be safe for concurrent use; calls are serialized by
// the Server but the HTTP transport may run hooks from several goroutines
// over time.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries call metadata passed to hooks.
type DispatchInfo struct {
	Method            string            // wire method name
	Interface         string            // D-Bus interface, empty if the transport has none
	Procedure         string            // registry name, empty for built-ins
	MethodType        string            // DispatchMethodBuiltin or DispatchMethodProcedure
	Transport         string            // one of the Transport* constants
	ServerID          string            // Server identifier
	RequestID         string            // client-supplied request identifier or message serial
	TransportMetadata map[string]string // IPC custom metadata, HTTP headers or D-Bus header fields
}

// CallStatistics counts the wire values and bytes of one call.
type CallStatistics struct {
	InputValues  int64
	OutputValues int64
	InputBytes   int64
	OutputBytes  int64
}

// RecordInput records the wire arguments of a call.
func (s *CallStatistics) RecordInput(args []any) {
	s.InputValues += int64(len(args))
	for _, v := range args {
		s.InputBytes += wireSize(v)
	}
}

// RecordOutput records the wire results of a call.
func (s *CallStatistics) RecordOutput(results []any) {
	s.OutputValues += int64(len(results))
	for _, v := range results {
		s.OutputBytes += wireSize(v)
	}
}

// wireSize approximates the marshalled size of a wire value, ignoring
// alignment padding.
func wireSize(v any) int64 {
	switch x := v.(type) {
	case int32, bool:
		return 4
	case int16:
		return 2
	case byte:
		return 1
	case float64:
		return 8
	case string:
		return int64(4 + len(x) + 1)
	case []byte:
		return int64(4 + len(x))
	case []int32:
		return int64(4 + 4*len(x))
	case []int16:
		return int64(4 + 2*len(x))
	case []float64:
		return int64(4 + 8*len(x))
	case []string:
		n := int64(4)
		for _, s := range x {
			n += int64(4 + len(s) + 1)
		}
		return n
	}
	return 0
}
