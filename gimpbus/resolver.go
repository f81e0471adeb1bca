// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"strings"
)

// ProcedureName converts a bus method name to the registry's convention by
// replacing every underscore with a hyphen.
func ProcedureName(method string) string {
	return strings.ReplaceAll(method, "_", "-")
}

// MethodName is the inverse of ProcedureName.
func MethodName(proc string) string {
	return strings.ReplaceAll(proc, "-", "_")
}

// Resolution is the outcome of resolving one call.
type Resolution struct {
	Method    string
	Procedure string
	Params    Signature
	Returns   Signature
	// Token is handed back to the registry to run the call.
	Token *Procedure
}

// Resolver finds registry entries for bus method names. It holds no cache:
// every call consults the registry.
type Resolver struct {
	registry Registry
}

// NewResolver creates a resolver over reg.
func NewResolver(reg Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve looks up method. Unknown names fail with UnknownProcedure carrying
// the name as the caller sent it.
func (r *Resolver) Resolve(ctx context.Context, method string) (*Resolution, error) {
	name := ProcedureName(method)
	proc, ok := r.registry.Lookup(ctx, name)
	if !ok {
		return nil, errUnknownProcedure(method)
	}
	return &Resolution{
		Method:    method,
		Procedure: name,
		Params:    proc.Params,
		Returns:   proc.Returns,
		Token:     proc,
	}, nil
}
