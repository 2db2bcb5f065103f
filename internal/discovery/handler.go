// ABOUTME: HTTP handler serving the site descriptor as a cacheable JSON document
// ABOUTME: The document is rendered once and revalidated with a strong ETag

package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// CacheMaxAge is the Cache-Control max-age of the descriptor, in seconds.
const CacheMaxAge = 300

// Handler serves a pre-rendered descriptor.
type Handler struct {
	body []byte
	etag string
}

// NewHandler renders d for serving.
func NewHandler(d *Descriptor) (*Handler, error) {
	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}
	sum := sha256.Sum256(body)
	return &Handler{
		body: body,
		etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", h.etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", CacheMaxAge))
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if match := r.Header.Get("If-None-Match"); match != "" && match == h.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(h.body)
	}
}
