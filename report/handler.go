package report

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treasury/internal/platform/httpx"
)

// Pinger is satisfied by Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler exposes the renderer health route.
type Handler struct {
	client Pinger
}

// NewHandler constructs a report handler.
func NewHandler(client Pinger) *Handler {
	return &Handler{client: client}
}

// MountRoutes registers /report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/report/ping", h.ping)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.client.Ping(ctx); err != nil {
		httpx.Problem(w, http.StatusBadGateway, "renderer unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
