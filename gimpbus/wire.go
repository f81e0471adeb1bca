// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
)

// Request is a call read from an Arrow IPC stream.
type Request struct {
	Method    string
	Interface string
	Version   string
	RequestID string
	LogLevel  string
	Args      []any
	Metadata  map[string]string
}

// ReadRequest reads one complete IPC stream from r. The first batch holds
// one column per argument in a single row; its custom metadata names the
// method. Protocol violations are returned as *Error and leave the stream
// positioned at the next request.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, io.EOF
	}

	batch := reader.RecordBatch()

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}

	args, argErr := wireValues(batch)

	// Read to EOS so the next request starts on a fresh stream.
	for reader.Next() {
	}

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		return nil, newError(KindInvalidArgument, "missing '%s' in request batch custom_metadata", MetaMethod)
	}
	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		return nil, newError(KindInvalidArgument, "missing '%s' in request batch custom_metadata", MetaRequestVersion)
	}
	if version != ProtocolVersion {
		return nil, newError(KindInvalidArgument, "unsupported request version %q, expected %q", version, ProtocolVersion)
	}
	if argErr != nil {
		return nil, errInvalidArgument(method, AsError(argErr))
	}

	iface, _ := meta.GetValue(MetaInterface)
	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    method,
		Interface: iface,
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Args:      args,
		Metadata:  metaMap,
	}, nil
}

// WriteRequest writes a call as one IPC stream. It is the client side of
// ReadRequest.
func WriteRequest(w io.Writer, iface, method, requestID string, args []any) error {
	batch, err := buildWireBatch("arg", args)
	if err != nil {
		return err
	}
	defer batch.Release()

	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{method, ProtocolVersion}
	if iface != "" {
		keys = append(keys, MetaInterface)
		vals = append(vals, iface)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	withMeta := array.NewRecordBatchWithMetadata(batch.Schema(), batch.Columns(), batch.NumRows(), arrow.NewMetadata(keys, vals))
	defer withMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(batch.Schema()))
	if err := writer.Write(withMeta); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// ReadResponse reads one reply stream written by WriteResponse or
// WriteErrorResponse. An error batch is returned as *Error with the kind and
// position it was written with.
func ReadResponse(r io.Reader) ([]any, []LogMessage, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response IPC stream: %w", err)
	}
	defer reader.Release()

	var logs []LogMessage
	var results []any
	var callErr error
	for reader.Next() {
		batch := reader.RecordBatch()
		var meta arrow.Metadata
		if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
			meta = rb.Metadata()
		}
		level, isLog := meta.GetValue(MetaLogLevel)
		if !isLog {
			if results, err = wireValues(batch); err != nil {
				return nil, logs, err
			}
			continue
		}
		msg, _ := meta.GetValue(MetaLogMessage)
		extra, _ := meta.GetValue(MetaLogExtra)
		if LogLevel(level) == LogException {
			callErr = parseErrorBatch(msg, extra)
			continue
		}
		logMsg := LogMessage{Level: LogLevel(level), Message: msg}
		if extra != "" {
			_ = json.Unmarshal([]byte(extra), &logMsg.Extras)
		}
		logs = append(logs, logMsg)
	}
	if err := reader.Err(); err != nil {
		return nil, logs, fmt.Errorf("reading response batch: %w", err)
	}
	if callErr != nil {
		return nil, logs, callErr
	}
	return results, logs, nil
}

func parseErrorBatch(msg, extra string) *Error {
	e := &Error{Kind: KindCallFailed, Position: -1, Message: msg}
	var parsed errorExtra
	if json.Unmarshal([]byte(extra), &parsed) == nil {
		if parsed.Kind != "" {
			e.Kind = Kind(parsed.Kind)
		}
		if parsed.Position != nil {
			e.Position = *parsed.Position
		}
	}
	return e
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	meta := arrow.NewMetadata(keys, vals)
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}

	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	meta := arrow.NewMetadata(keys, vals)
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// WriteResponse writes a complete IPC stream containing log batches followed
// by a single-row batch with one column per result. A call without results
// gets a single row over an empty schema.
func WriteResponse(w io.Writer, results []any, logs []LogMessage, serverID, requestID string) error {
	result, err := buildWireBatch("result", results)
	if err != nil {
		return err
	}
	defer result.Release()

	schema := result.Schema()
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	return writer.Write(result)
}

// WriteErrorResponse writes a complete IPC stream containing log batches and
// an error batch.
func WriteErrorResponse(w io.Writer, logs []LogMessage, callErr error, serverID, requestID string, debug bool) error {
	schema := arrow.NewSchema(nil, nil)
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	return writeErrorBatch(writer, schema, callErr, serverID, requestID, debug)
}

// RunStdio runs the server loop reading from stdin and writing to stdout.
func (s *Server) RunStdio() {
	s.RunStdioContext(context.Background())
}

// RunStdioContext runs the server loop on stdin and stdout until stdin is
// exhausted, ctx is done or a client asks the server to quit. Stdin is
// closed on cancellation so a pending read returns.
func (s *Server) RunStdioContext(ctx context.Context) {
	// Writes to a closed pipe must fail instead of killing the process.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process communicates via Arrow IPC on stdin/stdout "+
				"and is not intended to be run interactively.")
	}

	// A non-blocking descriptor is registered with the runtime poller, which
	// is what lets Close interrupt a blocked Read.
	in := os.Stdin
	if err := syscall.SetNonblock(syscall.Stdin, true); err == nil {
		defer func() { _ = syscall.SetNonblock(syscall.Stdin, false) }()
		in = os.NewFile(uintptr(syscall.Stdin), "/dev/stdin")
	}
	s.serveClosing(ctx, in, os.Stdout, TransportStdio)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// serveClosing runs the server loop and closes r when the loop ends, or
// earlier once ctx is done or the server quits.
func (s *Server) serveClosing(ctx context.Context, r io.ReadCloser, w io.Writer, transport string) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		_ = r.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Done():
		case <-stop:
			return
		}
		_ = r.Close()
	}()
	s.serveStream(ctx, r, w, transport)
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop on the given reader/writer pair until
// the reader is exhausted, ctx is done or a client asks the server to quit.
// A reader that is also an io.Closer is closed when the loop ends, and on
// cancellation or quit so a blocked read does not hold the loop open.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	if rc, ok := r.(io.ReadCloser); ok {
		s.serveClosing(ctx, rc, w, TransportStdio)
		return
	}
	s.serveStream(ctx, r, w, TransportStdio)
}

func (s *Server) serveStream(ctx context.Context, r io.Reader, w io.Writer, transport string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		default:
		}
		err := s.serveOne(ctx, r, w, transport)
		if err != nil {
			if err == io.EOF || s.stopped(ctx) {
				return
			}
			if !isTransportClosed(err) {
				Logger().Error("serve loop error", zap.String("transport", transport), zap.Error(err))
			}
			return
		}
	}
}

// stopped reports whether ctx is done or the server was asked to quit.
func (s *Server) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.Done():
		return true
	default:
		return false
	}
}

// serveOne handles one complete request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer, transport string) error {
	req, err := ReadRequest(r)
	if err != nil {
		if err == io.EOF || s.stopped(ctx) {
			return io.EOF
		}
		var e *Error
		if errors.As(err, &e) {
			return WriteErrorResponse(w, nil, e, s.serverID, "", s.debugErrors)
		}
		return err
	}

	if req.Method == describeMethod {
		return s.serveDescribe(w)
	}

	results, logs, callErr := s.Invoke(ctx, &Invocation{
		Interface: req.Interface,
		Method:    req.Method,
		Args:      req.Args,
		Transport: transport,
		RequestID: req.RequestID,
		LogLevel:  LogLevel(req.LogLevel),
		Metadata:  req.Metadata,
	})
	if callErr != nil {
		return WriteErrorResponse(w, logs, callErr, s.serverID, req.RequestID, s.debugErrors)
	}
	return WriteResponse(w, results, logs, s.serverID, req.RequestID)
}

// ServeListener accepts connections on ln and runs the server loop on each
// until ctx is done or a client asks the server to quit. Calls from all
// connections are serialized by the server.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Done():
		case <-stop:
		}
		ln.Close()
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Done():
				return nil
			default:
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-connCtx.Done():
				case <-s.Done():
				}
				conn.Close()
			}()
			s.serveStream(connCtx, conn, conn, TransportUnix)
		}()
	}
}
