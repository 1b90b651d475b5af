// Package storage names rendered artifacts. The memory, local and gcs
// subpackages implement admission.BlobStore.
package storage

import (
	"path"
	"strings"
	"time"
)

// Content types written by the gateway.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypePDF  = "application/pdf"
	ContentTypeJSON = "application/json"
)

// ArtifactPath builds "<prefix>/<kind>/<yyyy>/<mm>/<dd>/<host>/<id>.<ext>".
// Empty prefix and host segments are omitted.
func ArtifactPath(prefix, kind, host, id, ext string, ts time.Time) string {
	ts = ts.UTC()
	parts := make([]string, 0, 7)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, kind, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
	if host = sanitizeSegment(host); host != "" {
		parts = append(parts, host)
	}
	return path.Join(append(parts, sanitizeSegment(id)+"."+strings.TrimPrefix(ext, "."))...)
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
