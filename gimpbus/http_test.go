// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func postCall(t *testing.T, h http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", arrowContentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func encodeRequest(t *testing.T, method string, args ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteRequest(&buf, "", method, "r1", args); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	return buf.Bytes()
}

func TestHttpCall(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewHttpServer(s)

	rec := postCall(t, h, "/gimp/add_one", encodeRequest(t, "add_one", int32(41)), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != arrowContentType {
		t.Fatalf("got content type %q", ct)
	}
	got, _, err := ReadResponse(rec.Body)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !reflect.DeepEqual(got, []any{int32(42)}) {
		t.Fatalf("got %v, want [42]", got)
	}
}

func TestHttpErrorStatus(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewHttpServer(s)

	tests := []struct {
		name   string
		path   string
		body   []byte
		status int
		want   error
	}{
		{"unknown procedure", "/gimp/no_such_proc", encodeRequest(t, "no_such_proc"), http.StatusNotFound, ErrUnknownProcedure},
		{"bad argument", "/gimp/add_one", encodeRequest(t, "add_one", "41"), http.StatusBadRequest, ErrInvalidArgument},
		{"execution error", "/gimp/always_fail", encodeRequest(t, "always_fail", int32(1)), http.StatusInternalServerError, ErrCallFailed},
		{"path disagrees with body", "/gimp/add_one", encodeRequest(t, "sum_array"), http.StatusBadRequest, ErrInvalidArgument},
		{"garbage body", "/gimp/add_one", []byte("not arrow"), http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCall(t, h, tt.path, tt.body, nil)
			if rec.Code != tt.status {
				t.Fatalf("got status %d, want %d", rec.Code, tt.status)
			}
			_, _, err := ReadResponse(rec.Body)
			if err == nil {
				t.Fatal("expected an error batch")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHttpRejectsContentType(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewHttpServer(s)

	req := httptest.NewRequest(http.MethodPost, "/gimp/add_one", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("got status %d, want 415", rec.Code)
	}
}

func TestHttpZstd(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewHttpServer(s)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	body := enc.EncodeAll(encodeRequest(t, "add_one", int32(1)), nil)
	enc.Close()

	rec := postCall(t, h, "/gimp/add_one", body, map[string]string{
		"Content-Encoding": "zstd",
		"Accept-Encoding":  "gzip, zstd;q=0.9",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ce := rec.Header().Get("Content-Encoding"); ce != "zstd" {
		t.Fatalf("got content encoding %q, want zstd", ce)
	}
	dec, err := zstd.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	got, _, err := ReadResponse(bytes.NewReader(plain))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !reflect.DeepEqual(got, []any{int32(2)}) {
		t.Fatalf("got %v, want [2]", got)
	}

	h.SetCompressionLevel(0)
	rec = postCall(t, h, "/gimp/add_one", encodeRequest(t, "add_one", int32(1)), map[string]string{
		"Accept-Encoding": "zstd",
	})
	if ce := rec.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("got content encoding %q with compression off", ce)
	}
}

func TestHttpPages(t *testing.T) {
	s, _, _, _ := testServer(t)
	s.SetServiceName("test-bridge")
	h := NewHttpServer(s)

	for _, path := range []string{"/gimp", "/gimp/"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: got status %d, want 200", path, rec.Code)
		}
		page := rec.Body.String()
		for _, want := range []string{"test-bridge", "add_one", "ggimp_about", "sum-array"} {
			if !strings.Contains(page, want) {
				t.Fatalf("GET %s: page lacks %q", path, want)
			}
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/gimp/&lt;method&gt;") {
		t.Fatalf("404 page does not name the call path: %s", rec.Body.String())
	}
}

func TestHttpDescribe(t *testing.T) {
	s, _, _, _ := testServer(t)
	h := NewHttpServer(s)

	rec := postCall(t, h, "/gimp/"+describeMethod, encodeRequest(t, describeMethod), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty describe body")
	}
}
