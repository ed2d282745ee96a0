// Package content loads the single document served by the sorry server
// and derives its cache metadata in one pass at startup.
package content

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	sorryserver "github.com/wolfeidau/sorry-server"
)

// Record is an immutable snapshot of the served document. It is built
// once by Load and shared read-only across all concurrent requests;
// nothing may mutate it after construction.
type Record struct {
	// Raw is the document exactly as read from disk.
	Raw []byte

	// Gzip is the eagerly compressed variant of Raw. It is always
	// present, even when it is not smaller than Raw; the handler
	// decides per request whether to prefer it.
	Gzip []byte

	// ETag is the quoted strong entity tag derived from Raw.
	ETag string

	// LastModified is the document's modification time, truncated to
	// second precision for HTTP date comparison.
	LastModified time.Time

	// LastModifiedHTTP is LastModified pre-rendered in IMF-fixdate form.
	LastModifiedHTTP string
}

// Load reads the document at path and derives its fingerprint,
// modification time, and gzip variant. The digest and the compressed
// variant are computed from the same byte slice exactly once.
func Load(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	// Fall back to process start time when the mtime is unavailable.
	lastModified := time.Now()
	if fi, statErr := os.Stat(path); statErr == nil {
		lastModified = fi.ModTime()
	}
	lastModified = lastModified.UTC().Truncate(time.Second)

	gzipped, err := compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compressing document: %w", err)
	}

	return &Record{
		Raw:              raw,
		Gzip:             gzipped,
		ETag:             sorryserver.FingerprintBytes(raw).ETag(),
		LastModified:     lastModified,
		LastModifiedHTTP: lastModified.Format(http.TimeFormat),
	}, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
