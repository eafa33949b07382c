package treasuryhttp

import (
	"net/http"

	"github.com/odyssey-erp/treasury/internal/platform/httpx"
)

func (h *Handler) handleVerifyReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "frozen reports not configured")
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	v, err := h.reports.Verify(r.Context(), id, actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newVerificationView(v))
}

func (h *Handler) handleRecoverReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "frozen reports not configured")
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rep, err := h.reports.RecoverFromAudit(r.Context(), id, actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newReportView(rep))
}
