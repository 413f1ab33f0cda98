package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ManifestInfo provides pin manifest identity for response headers
type ManifestInfo interface {
	ManifestVersion() string
	ManifestHash() string
}

// ManifestHeaders middleware adds X-Pin-Manifest-Version and X-Pin-Manifest-Hash
// headers to all responses when a pin manifest is loaded
func ManifestHeaders(info ManifestInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.ManifestVersion()
				h := info.ManifestHash()
				if v != "" {
					w.Header().Set("X-Pin-Manifest-Version", v)
				}
				if h != "" {
					// Use short hash for header (first 12 chars)
					headerHash := h
					if len(headerHash) > 12 {
						headerHash = headerHash[:12]
					}
					w.Header().Set("X-Pin-Manifest-Hash", headerHash)
				}
				// Enrich the current trace span with manifest identity
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("pins.manifest.version", v))
					}
					if h != "" {
						span.SetAttributes(attribute.String("pins.manifest.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
