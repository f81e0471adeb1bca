// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package gimpbus exposes a GIMP procedure database (PDB) to clients on a
// message bus. Every registered procedure becomes a method whose name is the
// procedure name with hyphens replaced by underscores; arguments and results
// are converted between bus wire values and typed PDB parameters.
//
// # Components
//
//   - The codec ([Decode], [Encode], [DecodeAll], [EncodeAll]) converts
//     between wire values and [Param] values, including the PDB convention
//     that an array parameter is preceded by an integer count.
//   - The [Resolver] maps a method name to a procedure and its signature.
//   - The [Dispatcher] decodes arguments, runs the procedure through a
//     [Registry], checks the returned status and encodes the results.
//   - The [TileManager] keeps up to 16 tile streams, each paging through a
//     rectangle of a drawable one tile at a time with read-modify-write
//     access. Closing a stream merges the edits back into the drawable.
//   - The [Server] routes calls to the built-ins (ggimp_about, ggimp_quit,
//     the tile stream methods and friends) or to the dispatcher.
//
// # Transports
//
// One [Server] can be exposed in several ways:
//
//	D-Bus            NewDBusHandler + ConnectDBus + ServeDBus
//	Arrow IPC stdio  Server.RunStdio, Server.Serve
//	Unix socket      Server.ServeListener
//	HTTP             NewHttpServer (POST /gimp/{method}, GET /gimp)
//
// On D-Bus the object lives at [ObjectPath] under [ServiceName] and offers
// the [InterfacePDB] and [InterfaceGimpPlus] interfaces plus standard
// introspection. On the Arrow transports one request is one IPC stream whose
// single-row batch carries the arguments as columns and the method name in
// custom metadata; replies carry log batches followed by a result or error
// batch. The special method __describe__ returns the method table.
//
// # Errors
//
// Failures are reported as [*Error] with a [Kind]. Kinds caused by the
// caller's input belong to [CategoryArgument] and are sent on D-Bus as
// org.freedesktop.DBus.Error.InvalidArgs; everything else is sent as
// org.freedesktop.DBus.Error.Failed.
//
// # Pixel storage
//
// Drawables are reached through the [PixelStore] interface. [MemoryStore]
// is the in-process implementation used by the standalone bridge and the
// tests.
package gimpbus
