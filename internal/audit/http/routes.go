package audithttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit timeline, snapshot, dan ekspor CSV.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/audit", h.handleTimeline)
	r.Get("/audit/snapshots/{id}", h.handleSnapshot)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/audit/export.csv", h.handleExport)
	})
}

// rateLimitKey buckets exports by acting user, falling back to the client IP
// for anonymous callers.
func rateLimitKey(r *http.Request) (string, error) {
	if user := strings.TrimSpace(r.Header.Get("X-Actor-ID")); user != "" {
		return "user:" + user, nil
	}
	if name := strings.TrimSpace(r.Header.Get("X-Actor-Name")); name != "" {
		return "name:" + strings.ToLower(name), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
