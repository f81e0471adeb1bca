// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ArgDesc describes one argument or result of a bus method.
type ArgDesc struct {
	Name string
	// Signature is the D-Bus signature of the value.
	Signature string
	// Type is the PDB type name for registry procedures, empty for built-ins.
	Type        string
	Description string
}

// MethodDesc describes one method of the bus surface.
type MethodDesc struct {
	Interface string
	Name      string
	// Procedure is the registry name, empty for built-ins.
	Procedure string
	Doc       string
	In        []ArgDesc
	Out       []ArgDesc
}

// Builtin reports whether the method is served by the bridge itself.
func (m MethodDesc) Builtin() bool {
	return m.Procedure == ""
}

// Invocation is one inbound call, independent of the transport it came on.
type Invocation struct {
	Interface string
	Method    string
	Args      []any
	Transport string
	RequestID string
	// Sender is the unique bus name of the caller on D-Bus.
	Sender   string
	LogLevel LogLevel
	Metadata map[string]string
}

// Server routes calls to the built-in handlers or, failing a match, to the
// registry through a Dispatcher. It runs one call at a time: the tile pool
// and the registry are only touched under its lock.
type Server struct {
	mu         sync.Mutex
	registry   Registry
	store      PixelStore
	dispatcher *Dispatcher
	tiles      *TileManager
	builtins   map[string]*builtin
	methods    []MethodDesc

	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	debugErrors  bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a server over reg and store. The method table reported
// by Methods is taken from reg at this point; register procedures first.
func NewServer(reg Registry, store PixelStore) *Server {
	s := &Server{
		registry:   reg,
		store:      store,
		dispatcher: NewDispatcher(reg),
		tiles:      NewTileManager(store, DefaultMaxTileStreams),
		quit:       make(chan struct{}),
	}
	s.builtins = make(map[string]*builtin, len(builtinTable))
	for _, b := range builtinTable {
		s.builtins[b.name] = b
	}
	s.methods = s.buildSurface(context.Background())
	return s
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// ServerID returns the server identifier.
func (s *Server) ServerID() string {
	return s.serverID
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each call.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether Arrow error batches include stack frames.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// SetMaxTileStreams resizes the tile stream pool. It fails while streams are
// open.
func (s *Server) SetMaxTileStreams(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active := s.tiles.Active(); active > 0 {
		return fmt.Errorf("cannot resize tile stream pool with %d open streams", active)
	}
	s.tiles = NewTileManager(s.store, n)
	return nil
}

// Tiles returns the server's tile stream pool. Callers outside the server
// must not use it while the server is serving.
func (s *Server) Tiles() *TileManager {
	return s.tiles
}

// Done is closed once a client has asked the server to quit.
func (s *Server) Done() <-chan struct{} {
	return s.quit
}

// Quit closes the Done channel. It is safe to call more than once.
func (s *Server) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Shutdown closes every open tile stream so pending writes reach their
// drawables.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.tiles.Active(); n > 0 {
		Logger().Info("closing open tile streams", zap.Int("count", n))
	}
	s.tiles.CloseAll(ctx)
}

// Methods returns the method table: built-ins first, then registry
// procedures, each group sorted by name.
func (s *Server) Methods() []MethodDesc {
	return s.methods
}

func (s *Server) buildSurface(ctx context.Context) []MethodDesc {
	methods := make([]MethodDesc, 0, len(builtinTable))
	for _, b := range builtinTable {
		methods = append(methods, b.describe())
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })

	for _, name := range s.registry.Procedures(ctx) {
		proc, ok := s.registry.Lookup(ctx, name)
		if !ok {
			continue
		}
		methods = append(methods, MethodDesc{
			Interface: InterfacePDB,
			Name:      MethodName(proc.Name),
			Procedure: proc.Name,
			Doc:       proc.Blurb,
			In:        describeSignature(proc.Params),
			Out:       describeSignature(proc.Returns),
		})
	}
	return methods
}

func describeSignature(sig Signature) []ArgDesc {
	args := make([]ArgDesc, len(sig))
	for i, d := range sig {
		args[i] = ArgDesc{
			Name:        strings.ReplaceAll(d.Name, "-", "_"),
			Signature:   d.Type.Signature(),
			Type:        d.Type.String(),
			Description: d.Description,
		}
	}
	return args
}

func (s *Server) availableMethods() []string {
	names := make([]string, len(s.methods))
	for i, m := range s.methods {
		names[i] = m.Name
	}
	return names
}

// Call runs one call and returns its wire results.
func (s *Server) Call(ctx context.Context, iface, method string, args []any) ([]any, error) {
	results, _, err := s.Invoke(ctx, &Invocation{Interface: iface, Method: method, Args: args})
	return results, err
}

// Invoke runs one call and also returns the client-directed log messages it
// produced.
func (s *Server) Invoke(ctx context.Context, inv *Invocation) ([]any, []LogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, routeErr := s.route(inv.Interface, inv.Method)

	info := DispatchInfo{
		Method:            inv.Method,
		Interface:         inv.Interface,
		MethodType:        DispatchMethodBuiltin,
		Transport:         inv.Transport,
		ServerID:          s.serverID,
		RequestID:         inv.RequestID,
		TransportMetadata: inv.Metadata,
	}
	if b == nil {
		info.MethodType = DispatchMethodProcedure
		info.Procedure = ProcedureName(inv.Method)
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					Logger().Error("dispatch hook start panic", zap.Any("err", rv))
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	stats.RecordInput(inv.Args)

	callCtx := &CallContext{
		Ctx:       ctx,
		RequestID: inv.RequestID,
		ServerID:  s.serverID,
		Interface: inv.Interface,
		Method:    inv.Method,
		Sender:    inv.Sender,
		LogLevel:  inv.LogLevel,
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = LogTrace
	}

	var results []any
	err := routeErr
	if err == nil {
		if b != nil {
			results, err = s.runBuiltin(callCtx, b, inv.Args)
		} else {
			results, err = s.dispatcher.Call(ctx, inv.Method, inv.Args)
		}
	}
	if err != nil {
		results = nil
		Logger().Debug("call failed",
			zap.String("method", inv.Method),
			zap.String("interface", inv.Interface),
			zap.String("transport", inv.Transport),
			zap.Error(err))
	} else {
		stats.RecordOutput(results)
	}

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					Logger().Error("dispatch hook end panic", zap.Any("err", rv))
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, info, stats, err)
		}()
	}

	return results, callCtx.drainLogs(), err
}

// route picks the built-in serving a call, or nil when the call belongs to
// the registry.
func (s *Server) route(iface, method string) (*builtin, error) {
	switch iface {
	case InterfaceGimpPlus:
		b, ok := s.builtins[method]
		if !ok {
			return nil, errUnknownBuiltin(method)
		}
		return b, nil
	case InterfacePDB:
		return nil, nil
	case "":
		if b, ok := s.builtins[method]; ok {
			return b, nil
		}
		return nil, nil
	}
	return nil, &Error{
		Kind:     KindUnknownProcedure,
		Method:   method,
		Position: -1,
		Message:  fmt.Sprintf("Unknown interface: '%s'", iface),
	}
}

func (s *Server) runBuiltin(ctx *CallContext, b *builtin, args []any) (results []any, err error) {
	if err := b.checkArgs(args); err != nil {
		return nil, err
	}
	defer func() {
		if rv := recover(); rv != nil {
			Logger().Error("built-in panicked", zap.String("method", b.name), zap.Any("panic", rv))
			results, err = nil, errCallFailed(b.name, statusReason(StatusExecutionError))
		}
	}()
	return b.run(s, ctx, args)
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}
