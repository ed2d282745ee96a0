package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/sorry-server/content"
)

// maxAge is how long caches may reuse a response before revalidating.
const maxAge = time.Hour

var cacheControl = fmt.Sprintf("public, max-age=%d, must-revalidate", int(maxAge/time.Second))

// outcome is the result of evaluating a request against the content
// record's validators.
type outcome int

const (
	outcomeFull outcome = iota
	outcomeNotModified
	outcomeMethodNotAllowed
)

// decide evaluates the conditional-request decision table for one
// request. If-None-Match uses strong comparison (exact string equality
// against the record's quoted ETag); a present but non-matching or
// unparsable value falls through to If-Modified-Since. Malformed
// headers never fail the request, they degrade to a full response.
func decide(method, ifNoneMatch, ifModifiedSince string, rec *content.Record) outcome {
	if method != http.MethodGet && method != http.MethodHead {
		return outcomeMethodNotAllowed
	}

	if ifNoneMatch != "" && ifNoneMatch == rec.ETag {
		return outcomeNotModified
	}

	if ifModifiedSince != "" {
		if t, err := http.ParseTime(ifModifiedSince); err == nil {
			// Second-precision comparison: at or after the record's
			// last-modified means the client copy is current.
			if !t.Truncate(time.Second).Before(rec.LastModified) {
				return outcomeNotModified
			}
		}
	}

	return outcomeFull
}

// handleContent answers every path identically with the single
// in-memory document. The record is read without coordination; it is
// never mutated after startup.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rec := s.record
	header := w.Header()

	switch decide(r.Method, r.Header.Get("If-None-Match"), r.Header.Get("If-Modified-Since"), rec) {
	case outcomeMethodNotAllowed:
		header.Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)

	case outcomeNotModified:
		header.Set("ETag", rec.ETag)
		header.Set("Last-Modified", rec.LastModifiedHTTP)
		w.WriteHeader(http.StatusNotModified)

	case outcomeFull:
		body := rec.Raw
		if acceptsGzip(r.Header.Get("Accept-Encoding")) && len(rec.Gzip) > 0 && len(rec.Gzip) < len(rec.Raw) {
			body = rec.Gzip
			header.Set("Content-Encoding", "gzip")
		}

		header.Set("ETag", rec.ETag)
		header.Set("Last-Modified", rec.LastModifiedHTTP)
		header.Set("Content-Type", "text/html; charset=utf-8")
		header.Set("Cache-Control", cacheControl)
		// Backup validator for HTTP/1.0 caches.
		header.Set("Expires", time.Now().Add(maxAge).UTC().Format(http.TimeFormat))
		header.Set("Content-Length", strconv.Itoa(len(body)))

		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, err := w.Write(body); err != nil {
			// Connection-level failure, isolated to this peer.
			s.logger.Debug("failed to write response", "error", err)
		}
	}
}

// acceptsGzip reports whether the Accept-Encoding token set includes
// gzip. Quality values are not weighed; their presence does not break
// token matching.
func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(token), "gzip") {
			return true
		}
	}
	return false
}
