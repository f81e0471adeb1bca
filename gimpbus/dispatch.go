// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"fmt"
)

const reasonUnknown = "for an unknown reason"

// statusReason is the phrase used in "call to %s failed %s" replies.
func statusReason(s Status) string {
	switch s {
	case StatusExecutionError:
		return "with an execution error"
	case StatusCallingError:
		return "with invalid inputs"
	case StatusPassThrough:
		return "with a pass-through error"
	case StatusCancel:
		return "because it was canceled"
	}
	return reasonUnknown
}

func (s Status) String() string {
	switch s {
	case StatusExecutionError:
		return "EXECUTION_ERROR"
	case StatusCallingError:
		return "CALLING_ERROR"
	case StatusPassThrough:
		return "PASS_THROUGH"
	case StatusSuccess:
		return "SUCCESS"
	case StatusCancel:
		return "CANCEL"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Dispatcher performs registry-backed calls: resolve, decode, invoke,
// interpret the status, encode. It keeps no state between calls and never
// retries.
type Dispatcher struct {
	resolver *Resolver
	registry Registry
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg Registry) *Dispatcher {
	return &Dispatcher{resolver: NewResolver(reg), registry: reg}
}

// Call runs method with wire arguments and returns the wire results.
func (d *Dispatcher) Call(ctx context.Context, method string, args []any) ([]any, error) {
	res, err := d.resolver.Resolve(ctx, method)
	if err != nil {
		return nil, err
	}

	params, err := DecodeAll(res.Params, args)
	if err != nil {
		return nil, errInvalidArgument(method, AsError(err))
	}
	debugf("dispatch %s: %d arguments decoded", res.Procedure, len(params))

	results := d.registry.Invoke(ctx, res.Token, params)
	if len(results) == 0 {
		return nil, errCallFailed(res.Procedure, reasonUnknown)
	}
	status, ok := results[0].(Status)
	if !ok {
		return nil, errCallFailed(res.Procedure, reasonUnknown)
	}
	if status != StatusSuccess {
		return nil, errCallFailed(res.Procedure, statusReason(status))
	}

	out, err := EncodeAll(res.Returns, results[1:])
	if err != nil {
		return nil, errEncodeFailed(res.Procedure, AsError(err))
	}
	return out, nil
}
