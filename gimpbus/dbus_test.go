// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"encoding/xml"
	"errors"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

func lookupMethod(t *testing.T, h *DBusHandler, iface, name string) dbus.Method {
	t.Helper()
	obj, ok := h.LookupObject(ObjectPath)
	if !ok {
		t.Fatalf("no object at %s", ObjectPath)
	}
	intf, ok := obj.LookupInterface(iface)
	if !ok {
		t.Fatalf("no interface %s", iface)
	}
	m, ok := intf.LookupMethod(name)
	if !ok {
		t.Fatalf("no method %s", name)
	}
	return m
}

func callDBus(t *testing.T, m dbus.Method, args ...any) ([]any, error) {
	t.Helper()
	dec, ok := m.(dbus.ArgumentDecoder)
	if !ok {
		t.Fatalf("method %T does not decode its own arguments", m)
	}
	decoded, err := dec.DecodeArguments(nil, ":1.7", nil, args)
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}
	return m.Call(decoded...)
}

func TestDBusHandlerCall(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewDBusHandler(s)

	out, err := callDBus(t, lookupMethod(t, h, InterfacePDB, "add_one"), int32(41))
	if err != nil {
		t.Fatalf("add_one: %v", err)
	}
	if !reflect.DeepEqual(out, []any{int32(42)}) {
		t.Fatalf("got %v, want [42]", out)
	}

	out, err = callDBus(t, lookupMethod(t, h, InterfaceGimpPlus, "ggimp_about"))
	if err != nil {
		t.Fatalf("ggimp_about: %v", err)
	}
	if out[0] != AboutMessage {
		t.Fatalf("got %v, want %q", out[0], AboutMessage)
	}
}

func TestDBusHandlerErrors(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewDBusHandler(s)

	tests := []struct {
		name     string
		iface    string
		method   string
		args     []any
		dbusName string
	}{
		{"unknown method", InterfacePDB, "no_such_proc", nil, DBusErrorInvalidArgs},
		{"bad argument", InterfacePDB, "add_one", []any{"41"}, DBusErrorInvalidArgs},
		{"execution error", InterfacePDB, "always_fail", []any{int32(1)}, DBusErrorFailed},
		{"pool handle", InterfaceGimpPlus, "tile_stream_get", []any{int32(5)}, DBusErrorFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callDBus(t, lookupMethod(t, h, tt.iface, tt.method), tt.args...)
			var de dbus.DBusError
			if !errors.As(err, &de) {
				t.Fatalf("got %T, want a dbus.DBusError", err)
			}
			name, body := de.DBusError()
			if name != tt.dbusName {
				t.Fatalf("got error name %s, want %s", name, tt.dbusName)
			}
			if len(body) != 1 || body[0] != err.Error() {
				t.Fatalf("got body %v, want the message", body)
			}
		})
	}
}

func TestDBusIntrospection(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewDBusHandler(s)

	out, err := callDBus(t, lookupMethod(t, h, interfaceIntrospectable, "Introspect"))
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	var node introspect.Node
	if err := xml.Unmarshal([]byte(out[0].(string)), &node); err != nil {
		t.Fatalf("unmarshal introspection: %v", err)
	}

	ifaces := map[string]introspect.Interface{}
	for _, i := range node.Interfaces {
		ifaces[i.Name] = i
	}
	pdb, ok := ifaces[InterfacePDB]
	if !ok {
		t.Fatalf("interface %s missing", InterfacePDB)
	}
	if _, ok := ifaces[InterfaceGimpPlus]; !ok {
		t.Fatalf("interface %s missing", InterfaceGimpPlus)
	}

	var sum *introspect.Method
	for i := range pdb.Methods {
		if pdb.Methods[i].Name == "sum_array" {
			sum = &pdb.Methods[i]
		}
	}
	if sum == nil {
		t.Fatal("sum_array not introspected")
	}
	var in, outSig string
	for _, a := range sum.Args {
		if a.Direction == "in" {
			in += a.Type
		} else {
			outSig += a.Type
		}
	}
	if in != "iai" || outSig != "i" {
		t.Fatalf("got in=%q out=%q, want iai and i", in, outSig)
	}
}

func TestDBusAncestorPaths(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewDBusHandler(s)

	tests := []struct {
		path  dbus.ObjectPath
		child string
	}{
		{"/", "edu"},
		{"/edu/grinnell", "cs"},
		{"/edu/grinnell/cs/glimmer", "gimp"},
	}
	for _, tt := range tests {
		obj, ok := h.LookupObject(tt.path)
		if !ok {
			t.Fatalf("%s: not served", tt.path)
		}
		if _, ok := obj.LookupInterface(InterfacePDB); ok {
			t.Fatalf("%s: serves the bridge interface", tt.path)
		}
		intf, _ := obj.LookupInterface(interfaceIntrospectable)
		m, _ := intf.LookupMethod("Introspect")
		out, _ := m.Call()
		var node introspect.Node
		if err := xml.Unmarshal([]byte(out[0].(string)), &node); err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if len(node.Children) != 1 || node.Children[0].Name != tt.child {
			t.Fatalf("%s: got children %+v, want %s", tt.path, node.Children, tt.child)
		}
	}

	if _, ok := h.LookupObject("/org/example"); ok {
		t.Fatal("unrelated path served")
	}
}
