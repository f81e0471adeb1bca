// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Procedure describes one registry entry. Names use the registry's hyphen
// convention ("gimp-image-new").
type Procedure struct {
	Name      string
	Blurb     string
	Help      string
	Author    string
	Copyright string
	Date      string
	Params    Signature
	Returns   Signature
}

// Registry is the host's procedure database.
//
// Invoke returns the raw result array: slot 0 holds a Status, the remaining
// slots hold the return values. A nil result means the call could not be
// started at all.
type Registry interface {
	Lookup(ctx context.Context, name string) (*Procedure, bool)
	Invoke(ctx context.Context, proc *Procedure, args []Param) []Param
	Procedures(ctx context.Context) []string
}

// ProcFunc implements a procedure held by a MemoryRegistry. Return values are
// ignored unless the status is StatusSuccess.
type ProcFunc func(ctx context.Context, args []Param) (Status, []Param)

type memoryProc struct {
	proc Procedure
	run  ProcFunc
}

// MemoryRegistry is an in-process Registry used when the bridge runs outside
// the host and by tests.
type MemoryRegistry struct {
	mu    sync.RWMutex
	procs map[string]*memoryProc
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{procs: make(map[string]*memoryProc)}
}

// Register adds a procedure. Names must be unique.
func (r *MemoryRegistry) Register(proc Procedure, run ProcFunc) error {
	if proc.Name == "" {
		return fmt.Errorf("procedure name is required")
	}
	if run == nil {
		return fmt.Errorf("procedure %s: nil implementation", proc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[proc.Name]; exists {
		return fmt.Errorf("procedure %s already registered", proc.Name)
	}
	r.procs[proc.Name] = &memoryProc{proc: proc, run: run}
	return nil
}

// MustRegister is Register for static procedure tables.
func (r *MemoryRegistry) MustRegister(proc Procedure, run ProcFunc) {
	if err := r.Register(proc, run); err != nil {
		panic("gimpbus: " + err.Error())
	}
}

// Unregister removes a procedure if present.
func (r *MemoryRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.procs, name)
	r.mu.Unlock()
}

// Lookup returns a copy of the named procedure's description.
func (r *MemoryRegistry) Lookup(_ context.Context, name string) (*Procedure, bool) {
	r.mu.RLock()
	mp, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	proc := mp.proc
	proc.Params = append(Signature(nil), mp.proc.Params...)
	proc.Returns = append(Signature(nil), mp.proc.Returns...)
	return &proc, true
}

// Invoke runs the procedure. A panicking implementation reports an
// execution error.
func (r *MemoryRegistry) Invoke(ctx context.Context, proc *Procedure, args []Param) (results []Param) {
	r.mu.RLock()
	mp, ok := r.procs[proc.Name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	defer func() {
		if rv := recover(); rv != nil {
			Logger().Sugar().Errorf("procedure %s panicked: %v", proc.Name, rv)
			results = []Param{StatusExecutionError}
		}
	}()

	status, values := mp.run(ctx, args)
	if status != StatusSuccess {
		return []Param{status}
	}
	return append([]Param{status}, values...)
}

// Procedures returns every registered name, sorted.
func (r *MemoryRegistry) Procedures(context.Context) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ParseParamType maps a PDB type name such as "INT32" or "int32array" to its
// tag.
func ParseParamType(name string) (ParamType, bool) {
	upper := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "GIMP_PDB_"))
	for t := ParamType(0); t < pdbEnd; t++ {
		if paramTypeNames[t] == upper {
			return t, true
		}
	}
	return 0, false
}
