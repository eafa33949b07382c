package treasuryhttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/httpx"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

type closeRequest struct {
	Notes string `json:"notes" validate:"max=1000"`
}

type reopenRequest struct {
	Reason           string `json:"reason" validate:"required,max=500"`
	AuthorizedByID   int64  `json:"authorized_by_id" validate:"omitempty,gt=0"`
	AuthorizedByName string `json:"authorized_by_name" validate:"required_with=AuthorizedByID,max=255"`
}

func (req reopenRequest) authorizer() *audit.Actor {
	if strings.TrimSpace(req.AuthorizedByName) == "" {
		return nil
	}
	return &audit.Actor{ID: req.AuthorizedByID, Name: strings.TrimSpace(req.AuthorizedByName)}
}

func (h *Handler) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	year := h.today().Year()
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1900 || parsed > 9999 {
			httpx.ProblemWithFields(w, http.StatusBadRequest, "Bad Request", "invalid year", map[string]string{"year": "must be a four digit year"})
			return
		}
		year = parsed
	}
	summaries, err := h.periods.ListPeriods(r.Context(), year)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	today := h.today()
	out := make([]periodSummaryView, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, newPeriodSummaryView(s, h.locale, today))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"year": year, "periods": out})
}

func (h *Handler) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	summary, err := h.periods.Summary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	categories, err := h.periods.CategorySummary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	view := newPeriodSummaryView(summary, h.locale, h.today())
	view.Categories = newCategoryViews(categories)
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	txs, err := h.transactions.ListByPeriod(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, newTransactionView(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period_id": id, "transactions": out})
}

func (h *Handler) handleClosePeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req closeRequest
	if err := h.decodeBody(r, &req, true); err != nil {
		h.respondError(w, r, err)
		return
	}
	p, err := h.periods.ClosePeriod(r.Context(), id, actor, strings.TrimSpace(req.Notes))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p, h.locale, h.today()))
}

func (h *Handler) handleReopenPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req reopenRequest
	if err := h.decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	p, snap, err := h.periods.ReopenWithSnapshot(r.Context(), id, actor, treasury.ReopenInput{
		Reason:       req.Reason,
		AuthorizedBy: req.authorizer(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"period":      newPeriodView(p, h.locale, h.today()),
		"snapshot_id": snap.ID,
	})
}

func (h *Handler) handleArchivePeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	p, err := h.periods.ArchivePeriod(r.Context(), id, actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPeriodView(p, h.locale, h.today()))
}

func (h *Handler) handleVerifyPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	check, err := h.periods.VerifyPeriodBalance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newBalanceCheckView(check))
}

func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if h.snapshots == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "audit store not configured")
		return
	}
	snaps, err := h.snapshots.Snapshots(r.Context(), id)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("list snapshots: %w", err))
		return
	}
	if snaps == nil {
		snaps = []audit.Snapshot{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period_id": id, "snapshots": snaps})
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if h.reports == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "frozen reports not configured")
		return
	}
	reports, err := h.reports.List(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, newReportView(rep))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period_id": id, "reports": out})
}
