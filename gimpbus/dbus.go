// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const interfaceIntrospectable = "org.freedesktop.DBus.Introspectable"

// DBusHandler is a dbus.Handler exposing a Server at ObjectPath. Every
// method name on the bridge interfaces is accepted; unknown names are
// answered by the Server with an error reply rather than by godbus.
type DBusHandler struct {
	server *Server
	ctx    context.Context
	xml    string
}

// NewDBusHandler builds the handler and its introspection document from the
// server's method table.
func NewDBusHandler(s *Server) *DBusHandler {
	return &DBusHandler{
		server: s,
		ctx:    context.Background(),
		xml:    introspectXML(introspectNode(s.Methods())),
	}
}

// WithContext returns a copy of h whose calls run under ctx.
func (h *DBusHandler) WithContext(ctx context.Context) *DBusHandler {
	h2 := *h
	h2.ctx = ctx
	return &h2
}

// Introspect returns the XML served for ObjectPath.
func (h *DBusHandler) Introspect() string {
	return h.xml
}

// LookupObject implements dbus.Handler. Ancestors of ObjectPath are served
// with an introspection document naming their single child so bus browsers
// can find the bridge.
func (h *DBusHandler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	if path == ObjectPath {
		return &dbusObject{h: h, xml: h.xml}, true
	}
	if child, ok := childOf(string(path), ObjectPath); ok {
		node := &introspect.Node{
			Interfaces: []introspect.Interface{introspect.IntrospectData},
			Children:   []introspect.Node{{Name: child}},
		}
		return &dbusObject{h: h, xml: introspectXML(node), introspectOnly: true}, true
	}
	return nil, false
}

// childOf returns the path element below parent on the way to target.
func childOf(parent, target string) (string, bool) {
	if parent == "/" {
		parent = ""
	}
	if !strings.HasPrefix(target, parent+"/") {
		return "", false
	}
	rest := strings.TrimPrefix(target, parent+"/")
	name, _, _ := strings.Cut(rest, "/")
	return name, name != ""
}

type dbusObject struct {
	h              *DBusHandler
	xml            string
	introspectOnly bool
}

func (o *dbusObject) LookupInterface(name string) (dbus.Interface, bool) {
	if name == interfaceIntrospectable {
		return &introspectInterface{xml: o.xml}, true
	}
	if o.introspectOnly {
		return nil, false
	}
	switch name {
	case InterfacePDB, InterfaceGimpPlus, "":
		return &dbusInterface{h: o.h, name: name}, true
	}
	return nil, false
}

type dbusInterface struct {
	h    *DBusHandler
	name string
}

func (i *dbusInterface) LookupMethod(name string) (dbus.Method, bool) {
	return &dbusMethod{h: i.h, iface: i.name, name: name}, true
}

// dbusMethod forwards one call to the Server. DecodeArguments packs the raw
// message body and the caller into a single *Invocation that Call unpacks.
type dbusMethod struct {
	h     *DBusHandler
	iface string
	name  string
}

func (m *dbusMethod) DecodeArguments(_ *dbus.Conn, sender string, msg *dbus.Message, args []any) ([]any, error) {
	inv := &Invocation{
		Interface: m.iface,
		Method:    m.name,
		Args:      args,
		Transport: TransportDBus,
		Sender:    sender,
		Metadata:  map[string]string{"sender": sender},
	}
	if msg != nil {
		inv.RequestID = strconv.FormatUint(uint64(msg.Serial()), 10)
		if v, ok := msg.Headers[dbus.FieldPath]; ok {
			if p, ok := v.Value().(dbus.ObjectPath); ok {
				inv.Metadata["path"] = string(p)
			}
		}
	}
	return []any{inv}, nil
}

func (m *dbusMethod) Call(args ...any) ([]any, error) {
	inv, ok := singleInvocation(args)
	if !ok {
		inv = &Invocation{Interface: m.iface, Method: m.name, Args: args, Transport: TransportDBus}
	}
	results, _, err := m.h.server.Invoke(m.h.ctx, inv)
	if err != nil {
		return nil, AsError(err)
	}
	return results, nil
}

func singleInvocation(args []any) (*Invocation, bool) {
	if len(args) != 1 {
		return nil, false
	}
	inv, ok := args[0].(*Invocation)
	return inv, ok
}

func (m *dbusMethod) NumArguments() int     { return 1 }
func (m *dbusMethod) NumReturns() int       { return 0 }
func (m *dbusMethod) ArgumentValue(int) any { return nil }
func (m *dbusMethod) ReturnValue(int) any   { return nil }

type introspectInterface struct {
	xml string
}

func (i *introspectInterface) LookupMethod(name string) (dbus.Method, bool) {
	if name != "Introspect" {
		return nil, false
	}
	return &introspectMethod{xml: i.xml}, true
}

type introspectMethod struct {
	xml string
}

func (m *introspectMethod) DecodeArguments(_ *dbus.Conn, _ string, _ *dbus.Message, args []any) ([]any, error) {
	if len(args) != 0 {
		return nil, dbus.ErrMsgInvalidArg
	}
	return nil, nil
}

func (m *introspectMethod) Call(...any) ([]any, error) { return []any{m.xml}, nil }
func (m *introspectMethod) NumArguments() int          { return 0 }
func (m *introspectMethod) NumReturns() int            { return 1 }
func (m *introspectMethod) ArgumentValue(int) any      { return nil }
func (m *introspectMethod) ReturnValue(int) any        { return "" }

// introspectNode describes the bridge object: the introspection interface
// and one interface per method group.
func introspectNode(methods []MethodDesc) *introspect.Node {
	pdb := introspect.Interface{Name: InterfacePDB}
	plus := introspect.Interface{Name: InterfaceGimpPlus}
	for _, m := range methods {
		im := introspect.Method{Name: m.Name}
		for _, a := range m.In {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Signature, Direction: "in"})
		}
		for _, a := range m.Out {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Signature, Direction: "out"})
		}
		if m.Interface == InterfaceGimpPlus {
			plus.Methods = append(plus.Methods, im)
		} else {
			pdb.Methods = append(pdb.Methods, im)
		}
	}
	return &introspect.Node{
		Name:       ObjectPath,
		Interfaces: []introspect.Interface{introspect.IntrospectData, pdb, plus},
	}
}

func introspectXML(node *introspect.Node) string {
	data, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		Logger().Error("building introspection data", zap.Error(err))
		return introspect.IntrospectDeclarationString
	}
	return introspect.IntrospectDeclarationString + string(data)
}

// ConnectDBus connects to bus ("session", "system" or a bus address) with h
// installed as the method call handler.
func ConnectDBus(bus string, h *DBusHandler) (*dbus.Conn, error) {
	opts := []dbus.ConnOption{dbus.WithHandler(h)}
	switch bus {
	case "", "session":
		return dbus.ConnectSessionBus(opts...)
	case "system":
		return dbus.ConnectSystemBus(opts...)
	default:
		return dbus.Connect(bus, opts...)
	}
}

// ServeDBus claims name on conn and serves until ctx is done or a client
// calls ggimp_quit. The name is released on return.
func ServeDBus(ctx context.Context, conn *dbus.Conn, s *Server, name string) error {
	if name == "" {
		name = ServiceName
	}
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already taken", name)
	}
	Logger().Info("serving on D-Bus", zap.String("name", name), zap.String("path", ObjectPath))
	defer func() {
		if _, err := conn.ReleaseName(name); err != nil {
			Logger().Warn("releasing bus name", zap.String("name", name), zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.Done():
		Logger().Info("quit requested over D-Bus")
	}
	return nil
}
