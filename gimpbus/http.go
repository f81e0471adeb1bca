package gimpbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	arrowContentType  = "application/vnd.apache.arrow.stream"
	defaultHTTPPrefix = "/gimp"
	maxRequestBody    = 64 << 20
)

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

// DefaultCompressionLevel is the zstd level used for response bodies.
const DefaultCompressionLevel = 3

func newEncoderPool(level int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
			return enc
		},
	}
}

func compressZstd(pool *sync.Pool, data []byte) ([]byte, error) {
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(dec, maxRequestBody))
}

// HttpServer serves bridge calls over HTTP. Each POST body is one Arrow IPC
// request stream and each response body one reply stream.
type HttpServer struct {
	server  *Server
	prefix  string
	encPool *sync.Pool // nil when response compression is off
	mux     *http.ServeMux

	landingHTML  []byte
	notFoundHTML []byte
}

// NewHttpServer creates an HTTP server wrapping a bridge server.
func NewHttpServer(server *Server) *HttpServer {
	h := &HttpServer{
		server:  server,
		prefix:  defaultHTTPPrefix,
		encPool: newEncoderPool(DefaultCompressionLevel),
	}
	name := server.ServiceName()
	h.landingHTML = buildLandingHTML(h.prefix, name, server.ServerID(), server.Methods())
	h.notFoundHTML = buildNotFoundHTML(h.prefix, name)

	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", h.prefix), h.handleCall)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.prefix), h.handleLandingPage)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/{$}", h.prefix), h.handleLandingPage)
	h.mux.HandleFunc("/", h.handleNotFound)
	return h
}

// SetCompressionLevel sets the zstd level of response bodies sent to
// clients that accept zstd. Level 0 turns response compression off.
// Compressed request bodies are always accepted.
func (h *HttpServer) SetCompressionLevel(level int) {
	if level <= 0 {
		h.encPool = nil
		return
	}
	h.encPool = newEncoderPool(level)
}

// Prefix returns the URL prefix the bridge is mounted under.
func (h *HttpServer) Prefix() string {
	return h.prefix
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleCall dispatches one call named by the last path element.
func (h *HttpServer) handleCall(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			newError(KindInvalidArgument, "unsupported content type: %s", ct), "")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest,
			newError(KindInvalidArgument, "reading request body: %v", err), "")
		return
	}

	if method == describeMethod {
		h.handleDescribe(w, r)
		return
	}

	req, err := ReadRequest(bytes.NewReader(body))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, AsError(err), "")
		return
	}
	if req.Method != method {
		h.writeHttpError(w, r, http.StatusBadRequest,
			newError(KindInvalidArgument, "request names method '%s' but was posted to '%s'", req.Method, method),
			req.RequestID)
		return
	}

	meta := req.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	meta["remote_addr"] = r.RemoteAddr
	if ua := r.UserAgent(); ua != "" {
		meta["user_agent"] = ua
	}

	results, logs, callErr := h.server.Invoke(r.Context(), &Invocation{
		Interface: req.Interface,
		Method:    method,
		Args:      req.Args,
		Transport: TransportHTTP,
		RequestID: req.RequestID,
		LogLevel:  LogLevel(req.LogLevel),
		Metadata:  meta,
	})

	var buf bytes.Buffer
	if callErr != nil {
		_ = WriteErrorResponse(&buf, logs, callErr, h.server.serverID, req.RequestID, h.server.debugErrors)
		h.writeArrow(w, r, httpStatus(callErr), buf.Bytes())
		return
	}
	if err := WriteResponse(&buf, results, logs, h.server.serverID, req.RequestID); err != nil {
		h.writeHttpError(w, r, http.StatusInternalServerError, AsError(err), req.RequestID)
		return
	}
	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

// handleDescribe answers __describe__ with the method table batch.
func (h *HttpServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.server.serveDescribe(&buf); err != nil {
		h.writeHttpError(w, r, http.StatusInternalServerError, AsError(err), "")
		return
	}
	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

func (h *HttpServer) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "zstd") {
		return decompressZstd(body)
	}
	return body, nil
}

// httpStatus maps a call failure onto a status code.
func httpStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch {
	case e.Kind == KindUnknownProcedure:
		return http.StatusNotFound
	case e.Category() == CategoryArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "zstd") {
			return true
		}
	}
	return false
}

// --- Helpers ---

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error, requestID string) {
	var buf bytes.Buffer
	_ = WriteErrorResponse(&buf, nil, err, h.server.serverID, requestID, h.server.debugErrors)
	h.writeArrow(w, r, statusCode, buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	if h.encPool != nil && acceptsZstd(r) {
		compressed, err := compressZstd(h.encPool, data)
		if err == nil {
			w.Header().Set("Content-Encoding", "zstd")
			data = compressed
		} else {
			Logger().Warn("zstd compression failed, sending identity body", zap.Error(err))
		}
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
