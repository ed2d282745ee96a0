package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sorry-server/content"
	"github.com/wolfeidau/sorry-server/telemetry"
)

func newTestRecord(t *testing.T, body string) *content.Record {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	rec, err := content.Load(path)
	require.NoError(t, err)
	return rec
}

func newTestServer(t *testing.T, body string) *Server {
	t.Helper()
	metrics, err := telemetry.New(context.Background(), telemetry.Config{ServiceName: "sorry-server-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })

	srv, err := New(Config{
		Record:  newTestRecord(t, body),
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return srv
}

func TestDecideTable(t *testing.T) {
	rec := newTestRecord(t, "<html>sorry</html>")
	atLastModified := rec.LastModifiedHTTP
	afterLastModified := rec.LastModified.Add(time.Hour).Format(http.TimeFormat)
	beforeLastModified := rec.LastModified.Add(-time.Hour).Format(http.TimeFormat)

	tests := []struct {
		name            string
		method          string
		ifNoneMatch     string
		ifModifiedSince string
		want            outcome
	}{
		{"plain GET", http.MethodGet, "", "", outcomeFull},
		{"plain HEAD", http.MethodHead, "", "", outcomeFull},
		{"POST", http.MethodPost, "", "", outcomeMethodNotAllowed},
		{"PUT", http.MethodPut, "", "", outcomeMethodNotAllowed},
		{"DELETE", http.MethodDelete, "", "", outcomeMethodNotAllowed},
		{"matching etag", http.MethodGet, rec.ETag, "", outcomeNotModified},
		{"matching etag HEAD", http.MethodHead, rec.ETag, "", outcomeNotModified},
		{"non-matching etag", http.MethodGet, `"deadbeef"`, "", outcomeFull},
		{"unquoted etag value", http.MethodGet, strings.Trim(rec.ETag, `"`), "", outcomeFull},
		{"ims at last-modified", http.MethodGet, "", atLastModified, outcomeNotModified},
		{"ims after last-modified", http.MethodGet, "", afterLastModified, outcomeNotModified},
		{"ims before last-modified", http.MethodGet, "", beforeLastModified, outcomeFull},
		{"ims unparsable", http.MethodGet, "", "not a date", outcomeFull},
		{"non-matching etag falls through to ims", http.MethodGet, `"deadbeef"`, atLastModified, outcomeNotModified},
		{"matching etag wins over stale ims", http.MethodGet, rec.ETag, beforeLastModified, outcomeNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decide(tt.method, tt.ifNoneMatch, tt.ifModifiedSince, rec)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHandleContentFullResponse(t *testing.T) {
	srv := newTestServer(t, "foo\n")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.handleContent(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "foo\n", w.Body.String())
	require.Equal(t, srv.record.ETag, w.Header().Get("ETag"))
	require.Equal(t, srv.record.LastModifiedHTTP, w.Header().Get("Last-Modified"))
	require.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	require.Equal(t, "4", w.Header().Get("Content-Length"))
	require.Contains(t, w.Header().Get("Cache-Control"), "must-revalidate")
	require.Empty(t, w.Header().Get("Content-Encoding"))

	_, err := http.ParseTime(w.Header().Get("Expires"))
	require.NoError(t, err)
}

func TestHandleContentAnyPath(t *testing.T) {
	srv := newTestServer(t, "foo\n")

	for _, path := range []string{"/", "/index.html", "/some/deep/path", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.handleContent(w, req)

		require.Equal(t, http.StatusOK, w.Code, path)
		require.Equal(t, "foo\n", w.Body.String(), path)
	}
}

func TestHandleContentNotModified(t *testing.T) {
	srv := newTestServer(t, "foo\n")

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		req := httptest.NewRequest(method, "/", nil)
		req.Header.Set("If-None-Match", srv.record.ETag)
		w := httptest.NewRecorder()
		srv.handleContent(w, req)

		require.Equal(t, http.StatusNotModified, w.Code, method)
		require.Empty(t, w.Body.Bytes(), method)
		require.Equal(t, srv.record.ETag, w.Header().Get("ETag"), method)
		require.Equal(t, srv.record.LastModifiedHTTP, w.Header().Get("Last-Modified"), method)
	}
}

func TestHandleContentMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, "foo\n")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	w := httptest.NewRecorder()
	srv.handleContent(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, "GET, HEAD", w.Header().Get("Allow"))
	require.Empty(t, w.Body.Bytes())
}

func TestHandleContentGzipSelection(t *testing.T) {
	big := strings.Repeat("<p>service unavailable</p>\n", 200)
	srv := newTestServer(t, big)
	require.Less(t, len(srv.record.Gzip), len(srv.record.Raw))

	t.Run("gzip accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		w := httptest.NewRecorder()
		srv.handleContent(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		require.Equal(t, strconv.Itoa(len(srv.record.Gzip)), w.Header().Get("Content-Length"))

		zr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		decompressed, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.Equal(t, big, string(decompressed))
	})

	t.Run("gzip not accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", "identity")
		w := httptest.NewRecorder()
		srv.handleContent(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Header().Get("Content-Encoding"))
		require.Equal(t, strconv.Itoa(len(srv.record.Raw)), w.Header().Get("Content-Length"))
		require.Equal(t, big, w.Body.String())
	})

	t.Run("head with gzip computes identical headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodHead, "/", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		srv.handleContent(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		require.Equal(t, strconv.Itoa(len(srv.record.Gzip)), w.Header().Get("Content-Length"))
		require.Empty(t, w.Body.Bytes())
	})
}

func TestHandleContentGzipNotSmaller(t *testing.T) {
	// Tiny documents: the gzip variant exists but is not strictly
	// smaller, so the raw bytes win even when the client accepts gzip.
	srv := newTestServer(t, "x")
	require.GreaterOrEqual(t, len(srv.record.Gzip), len(srv.record.Raw))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.handleContent(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "x", w.Body.String())
}

func TestAcceptsGzip(t *testing.T) {
	require.True(t, acceptsGzip("gzip"))
	require.True(t, acceptsGzip("deflate, gzip"))
	require.True(t, acceptsGzip("GZIP"))
	require.True(t, acceptsGzip("gzip;q=0.5"))
	require.True(t, acceptsGzip(" br , gzip "))
	require.False(t, acceptsGzip(""))
	require.False(t, acceptsGzip("identity"))
	require.False(t, acceptsGzip("br, deflate"))
	require.False(t, acceptsGzip("xgzip"))
}
