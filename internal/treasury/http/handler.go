// Package treasuryhttp exposes the treasury ledger over a JSON API.
package treasuryhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	"github.com/odyssey-erp/treasury/internal/platform/httpx"
	"github.com/odyssey-erp/treasury/internal/shared"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

const (
	headerActorID     = "X-Actor-ID"
	headerActorName   = "X-Actor-Name"
	headerIdempotency = "Idempotency-Key"

	moduleTransactions = "treasury.transactions"
	moduleReversals    = "treasury.reversals"
)

type periodService interface {
	ListPeriods(ctx context.Context, year int) ([]treasury.PeriodSummary, error)
	Summary(ctx context.Context, id int64) (treasury.PeriodSummary, error)
	CategorySummary(ctx context.Context, id int64) ([]treasury.CategoryTotal, error)
	ClosePeriod(ctx context.Context, id int64, actor audit.Actor, notes string) (treasury.Period, error)
	ReopenWithSnapshot(ctx context.Context, id int64, actor audit.Actor, in treasury.ReopenInput) (treasury.Period, audit.Snapshot, error)
	ArchivePeriod(ctx context.Context, id int64, actor audit.Actor) (treasury.Period, error)
	VerifyPeriodBalance(ctx context.Context, id int64) (treasury.BalanceCheck, error)
}

type transactionService interface {
	Get(ctx context.Context, id int64) (treasury.Transaction, error)
	ListByPeriod(ctx context.Context, periodID int64) ([]treasury.Transaction, error)
	Permissions(ctx context.Context, id int64) (treasury.Permissions, error)
	Create(ctx context.Context, in treasury.TransactionInput, actor audit.Actor) (treasury.Transaction, error)
	Update(ctx context.Context, id int64, patch treasury.TransactionPatch, actor audit.Actor) (treasury.Transaction, error)
	Delete(ctx context.Context, id int64, actor audit.Actor) error
	CreateReversal(ctx context.Context, in treasury.ReversalInput, actor audit.Actor) (treasury.Reversal, error)
	GetReversal(ctx context.Context, originalID int64) (treasury.Reversal, error)
}

type snapshotService interface {
	Snapshots(ctx context.Context, periodID int64) ([]audit.Snapshot, error)
}

type reportService interface {
	List(ctx context.Context, periodID int64) ([]frozen.Report, error)
	Verify(ctx context.Context, id uuid.UUID, actor audit.Actor) (frozen.Verification, error)
	RecoverFromAudit(ctx context.Context, id uuid.UUID, actor audit.Actor) (frozen.Report, error)
}

// KeyStore guards create endpoints against replayed Idempotency-Key headers.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Config groups the Handler collaborators. Snapshots, Reports and Keys are optional.
type Config struct {
	Logger       *slog.Logger
	Periods      periodService
	Transactions transactionService
	Snapshots    snapshotService
	Reports      reportService
	Keys         KeyStore
	Locale       language.Tag
}

// Handler serves the period, transaction and frozen report endpoints.
type Handler struct {
	logger       *slog.Logger
	periods      periodService
	transactions transactionService
	snapshots    snapshotService
	reports      reportService
	keys         KeyStore
	locale       language.Tag
	validator    *validator.Validate
	now          func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		logger:       logger,
		periods:      cfg.Periods,
		transactions: cfg.Transactions,
		snapshots:    cfg.Snapshots,
		reports:      cfg.Reports,
		keys:         cfg.Keys,
		locale:       cfg.Locale,
		validator:    v,
		now:          time.Now,
	}
}

// MountRoutes registers the ledger routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.handleListPeriods)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetPeriod)
			r.Get("/transactions", h.handleListTransactions)
			r.Post("/close", h.handleClosePeriod)
			r.Post("/reopen", h.handleReopenPeriod)
			r.Post("/archive", h.handleArchivePeriod)
			r.Get("/verify", h.handleVerifyPeriod)
			r.Get("/snapshots", h.handleListSnapshots)
			r.Get("/reports", h.handleListReports)
		})
	})
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", h.handleCreateTransaction)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetTransaction)
			r.Patch("/", h.handleUpdateTransaction)
			r.Delete("/", h.handleDeleteTransaction)
			r.Post("/reversal", h.handleCreateReversal)
		})
	})
	r.Route("/reports/{id}", func(r chi.Router) {
		r.Post("/verify", h.handleVerifyReport)
		r.Post("/recover", h.handleRecoverReport)
	})
}

func (h *Handler) today() time.Time {
	return treasury.DateOnly(h.now().UTC())
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", httpx.ErrBadRequest)
	}
	return id, nil
}

func pathUUID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid report id", httpx.ErrBadRequest)
	}
	return id, nil
}

var errActorRequired = errors.New("actor required")

// actorFromRequest reads the caller from the actor headers set by the gateway.
func actorFromRequest(r *http.Request) (audit.Actor, error) {
	name := strings.TrimSpace(r.Header.Get(headerActorName))
	if name == "" {
		return audit.Actor{}, errActorRequired
	}
	actor := audit.Actor{Name: name}
	if raw := strings.TrimSpace(r.Header.Get(headerActorID)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return audit.Actor{}, fmt.Errorf("%w: invalid %s header", httpx.ErrBadRequest, headerActorID)
		}
		actor.ID = id
	}
	return actor, nil
}

// decodeBody decodes and validates a JSON body. Empty bodies are accepted
// when optional is set.
func (h *Handler) decodeBody(r *http.Request, target any, optional bool) error {
	if optional && (r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0) {
		return h.validate(target)
	}
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return h.validate(target)
}

type fieldErrors map[string]string

func (f fieldErrors) Error() string { return "invalid request fields" }

func (h *Handler) validate(target any) error {
	err := h.validator.Struct(target)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := fieldErrors{}
	for _, fe := range verrs {
		fields[fe.Field()] = "failed " + fe.Tag()
	}
	return fields
}

// claimKey reserves the Idempotency-Key header for module. The returned
// release undoes the claim when the request fails.
func (h *Handler) claimKey(r *http.Request, module string) (release func(), err error) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if key == "" || h.keys == nil {
		return func() {}, nil
	}
	if err := h.keys.CheckAndInsert(r.Context(), key, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil, fmt.Errorf("%w: %s already processed", httpx.ErrDuplicate, headerIdempotency)
		}
		return nil, err
	}
	return func() {
		if err := h.keys.Delete(context.WithoutCancel(r.Context()), key, module); err != nil {
			h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, nil
}

// respondError maps service errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *treasury.ValidationError
		fields fieldErrors
	)
	switch {
	case errors.As(err, &fields):
		httpx.ProblemWithFields(w, http.StatusUnprocessableEntity, "Validation Failed", fields.Error(), fields)
	case errors.As(err, &verr):
		httpx.ProblemWithFields(w, http.StatusUnprocessableEntity, "Validation Failed", verr.Error(), map[string]string{verr.Field: verr.Message})
	case errors.Is(err, errActorRequired):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", headerActorName+" header is required")
	case errors.Is(err, treasury.ErrPeriodNotFound),
		errors.Is(err, treasury.ErrTransactionNotFound),
		errors.Is(err, treasury.ErrReversalNotFound),
		errors.Is(err, frozen.ErrReportNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, treasury.ErrCategoryNotFound),
		errors.Is(err, treasury.ErrFuturePeriod),
		errors.Is(err, treasury.ErrInvalidMonth),
		errors.Is(err, treasury.ErrBeforeFirstMonth),
		errors.Is(err, treasury.ErrAuthorizationRequired),
		errors.Is(err, frozen.ErrInvalidReportType):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, treasury.ErrNotClosable),
		errors.Is(err, treasury.ErrNotReopenable),
		errors.Is(err, treasury.ErrNotArchivable),
		errors.Is(err, treasury.ErrPeriodClosed),
		errors.Is(err, treasury.ErrSnapshotRequired),
		errors.Is(err, treasury.ErrNotReversible),
		errors.Is(err, treasury.ErrAlreadyReversed),
		errors.Is(err, treasury.ErrProtected),
		errors.Is(err, frozen.ErrPeriodOpen),
		errors.Is(err, frozen.ErrReportIntact):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, treasury.ErrPeriodBusy), errors.Is(err, frozen.ErrSealBusy):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrLocked, err))
	case errors.Is(err, httpx.ErrBadRequest), errors.Is(err, httpx.ErrDuplicate):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("treasury request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
