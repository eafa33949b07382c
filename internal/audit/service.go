package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Repository menyediakan akses baca ke audit store.
type Repository interface {
	Timeline(ctx context.Context, q TimelineQuery) ([]Entry, error)
	ListSnapshots(ctx context.Context, periodID int64) ([]Snapshot, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q := filters.query()
	q.Offset = (page - 1) * pageSize
	q.Limit = pageSize + 1
	entries, err := s.repo.Timeline(ctx, q)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: entries, Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.Timeline(ctx, filters.query())
}

// Snapshots lists the snapshots taken for a period, newest first.
func (s *Service) Snapshots(ctx context.Context, periodID int64) ([]Snapshot, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.ListSnapshots(ctx, periodID)
}

// Snapshot loads one snapshot with its full transaction list.
func (s *Service) Snapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	if s.repo == nil {
		return Snapshot{}, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.GetSnapshot(ctx, id)
}

func (f TimelineFilters) query() TimelineQuery {
	return TimelineQuery{
		From:       f.From,
		To:         f.To,
		UserID:     f.UserID,
		EntityType: strings.TrimSpace(f.EntityType),
		EntityID:   strings.TrimSpace(f.EntityID),
		Action:     Action(strings.TrimSpace(f.Action)),
		PeriodID:   f.PeriodID,
	}
}
