package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/httpx"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 30 * 24 * time.Hour
	maxDateRangeHours = 24 * 366
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.Entry, error)
}

// SnapshotService loads a single reopen or close snapshot.
type SnapshotService interface {
	Snapshot(ctx context.Context, id uuid.UUID) (audit.Snapshot, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger    *slog.Logger
	service   TimelineService
	snapshots SnapshotService
	now       func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:  logger,
		service: service,
		now:     time.Now,
	}
	if snapshots, ok := service.(SnapshotService); ok {
		h.snapshots = snapshots
	}
	return h
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "snapshots unavailable", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.ProblemWithFields(w, http.StatusBadRequest, "invalid snapshot id", err.Error(), map[string]string{"id": "must be a UUID"})
		return
	}
	snap, err := h.snapshots.Snapshot(r.Context(), id)
	if errors.Is(err, audit.ErrSnapshotNotFound) {
		httpx.Problem(w, http.StatusNotFound, "snapshot not found", "")
		return
	}
	if err != nil {
		h.handleServerError(w, "load snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	if result.Entries == nil {
		result.Entries = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "export audit timeline", err)
		return
	}
	csvBytes, err := audit.WriteCSV(entries)
	if err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-log.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format(time.DateOnly)
	}
	toTime, err := time.Parse(time.DateOnly, toStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "to", message: "must be YYYY-MM-DD"}
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format(time.DateOnly)
	}
	fromTime, err := time.Parse(time.DateOnly, fromStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "from", message: "must be YYYY-MM-DD"}
	}
	if fromTime.After(toTime) {
		return audit.TimelineFilters{}, validationError{field: "range", message: "from must not be after to"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError{field: "range", message: "range exceeds one year"}
	}

	page, err := positiveInt(q.Get("page"), 1, "page")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	pageSize, err := positiveInt(q.Get("page_size"), defaultPageSize, "page_size")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	var userID, periodID int64
	if v := strings.TrimSpace(q.Get("user_id")); v != "" {
		if userID, err = strconv.ParseInt(v, 10, 64); err != nil || userID <= 0 {
			return audit.TimelineFilters{}, validationError{field: "user_id", message: "must be a positive integer"}
		}
	}
	if v := strings.TrimSpace(q.Get("period_id")); v != "" {
		if periodID, err = strconv.ParseInt(v, 10, 64); err != nil || periodID <= 0 {
			return audit.TimelineFilters{}, validationError{field: "period_id", message: "must be a positive integer"}
		}
	}
	action := strings.TrimSpace(q.Get("action"))
	if action != "" && !audit.Action(action).Valid() {
		return audit.TimelineFilters{}, validationError{field: "action", message: "unknown action"}
	}

	return audit.TimelineFilters{
		From:       fromTime,
		To:         toTime.Add(24*time.Hour - time.Nanosecond),
		UserID:     userID,
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		Action:     action,
		PeriodID:   periodID,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func positiveInt(raw string, fallback int, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, validationError{field: field, message: "must be a positive integer"}
	}
	return v, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.ProblemWithFields(w, http.StatusBadRequest, "invalid filters", v.Error(), map[string]string{v.field: v.message})
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	if h.logger != nil {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
}

type validationError struct {
	field   string
	message string
}

func (v validationError) Error() string {
	return v.field + " " + v.message
}
