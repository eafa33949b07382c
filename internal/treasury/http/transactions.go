package treasuryhttp

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/httpx"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

type receiptRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required"`
	Data        []byte `json:"data" validate:"required"`
}

type transactionRequest struct {
	Description string          `json:"description" validate:"required,max=255"`
	Amount      string          `json:"amount" validate:"required"`
	IsPositive  *bool           `json:"is_positive" validate:"required"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	CategoryID  *int64          `json:"category_id" validate:"omitempty,gt=0"`
	Receipt     *receiptRequest `json:"receipt"`
}

func (req transactionRequest) input() (treasury.TransactionInput, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return treasury.TransactionInput{}, err
	}
	date, _ := time.Parse(time.DateOnly, req.Date)
	in := treasury.TransactionInput{
		Description: strings.TrimSpace(req.Description),
		Amount:      amount,
		IsPositive:  *req.IsPositive,
		Date:        date,
		CategoryID:  req.CategoryID,
	}
	if req.Receipt != nil {
		in.Receipt = &treasury.Receipt{
			Filename:    req.Receipt.Filename,
			ContentType: req.Receipt.ContentType,
			Data:        req.Receipt.Data,
		}
	}
	return in, nil
}

type patchRequest struct {
	Description   *string `json:"description" validate:"omitempty,min=1,max=255"`
	Amount        *string `json:"amount" validate:"omitempty,min=1"`
	IsPositive    *bool   `json:"is_positive"`
	Date          *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CategoryID    *int64  `json:"category_id" validate:"omitempty,gt=0"`
	ClearCategory bool    `json:"clear_category"`
}

func (req patchRequest) patch() (treasury.TransactionPatch, error) {
	p := treasury.TransactionPatch{
		Description:   req.Description,
		IsPositive:    req.IsPositive,
		CategoryID:    req.CategoryID,
		ClearCategory: req.ClearCategory,
	}
	if req.Amount != nil {
		amount, err := parseAmount(*req.Amount)
		if err != nil {
			return treasury.TransactionPatch{}, err
		}
		p.Amount = &amount
	}
	if req.Date != nil {
		date, _ := time.Parse(time.DateOnly, *req.Date)
		p.Date = &date
	}
	return p, nil
}

type reversalRequest struct {
	Amount           string `json:"amount" validate:"required"`
	IsPositive       *bool  `json:"is_positive" validate:"required"`
	Description      string `json:"description" validate:"max=255"`
	CategoryID       *int64 `json:"category_id" validate:"omitempty,gt=0"`
	Reason           string `json:"reason" validate:"required,max=500"`
	AuthorizedByID   int64  `json:"authorized_by_id" validate:"omitempty,gt=0"`
	AuthorizedByName string `json:"authorized_by_name" validate:"required_with=AuthorizedByID,max=255"`
}

func (req reversalRequest) input(originalID int64) (treasury.ReversalInput, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return treasury.ReversalInput{}, err
	}
	in := treasury.ReversalInput{
		OriginalID:  originalID,
		Amount:      amount,
		IsPositive:  *req.IsPositive,
		Description: strings.TrimSpace(req.Description),
		CategoryID:  req.CategoryID,
		Reason:      strings.TrimSpace(req.Reason),
	}
	if name := strings.TrimSpace(req.AuthorizedByName); name != "" {
		in.AuthorizedBy = &audit.Actor{ID: req.AuthorizedByID, Name: name}
	}
	return in, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fieldErrors{"amount": "must be a decimal number"}
	}
	if !treasury.AmountFits(d) {
		return decimal.Decimal{}, fieldErrors{"amount": "must have at most 2 decimal places and 12 integer digits"}
	}
	return d, nil
}

func (h *Handler) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req transactionRequest
	if err := h.decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	release, err := h.claimKey(r, moduleTransactions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	t, err := h.transactions.Create(r.Context(), in, actor)
	if err != nil {
		release()
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransactionView(t))
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	t, err := h.transactions.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	perms, err := h.transactions.Permissions(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	view := newTransactionView(t)
	view.Permissions = &permissionsView{
		CanEdit:     perms.CanEdit,
		CanDelete:   perms.CanDelete,
		CanReverse:  perms.CanReverse,
		HasReversal: perms.HasReversal,
	}
	if perms.HasReversal {
		rev, err := h.transactions.GetReversal(r.Context(), id)
		if err != nil && !errors.Is(err, treasury.ErrReversalNotFound) {
			h.respondError(w, r, err)
			return
		}
		if err == nil {
			rv := newReversalView(rev)
			view.Reversal = &rv
		}
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
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
	var req patchRequest
	if err := h.decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	t, err := h.transactions.Update(r.Context(), id, patch, actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newTransactionView(t))
}

func (h *Handler) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
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
	if err := h.transactions.Delete(r.Context(), id, actor); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateReversal(w http.ResponseWriter, r *http.Request) {
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
	var req reversalRequest
	if err := h.decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	release, err := h.claimKey(r, moduleReversals)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rev, err := h.transactions.CreateReversal(r.Context(), in, actor)
	if err != nil {
		release()
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newReversalView(rev))
}
