package frozen

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/blob"
	"github.com/odyssey-erp/treasury/internal/treasury"
	"github.com/odyssey-erp/treasury/report"
)

// ReportRepository persists report metadata.
type ReportRepository interface {
	Insert(ctx context.Context, r Report) (Report, error)
	Get(ctx context.Context, id uuid.UUID) (Report, error)
	ListByPeriod(ctx context.Context, periodID int64) ([]Report, error)
	ListAll(ctx context.Context) ([]Report, error)
}

// BlobStore keeps the PDF bytes. Get returns blob.ErrNotFound for missing keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PeriodReader is the read side of the period ledger.
type PeriodReader interface {
	Summary(ctx context.Context, id int64) (treasury.PeriodSummary, error)
	Categories(ctx context.Context) ([]treasury.Category, error)
}

// TransactionReader lists the transactions of a period.
type TransactionReader interface {
	ListByPeriod(ctx context.Context, periodID int64) ([]treasury.Transaction, error)
}

// Renderer turns a document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, doc report.Document) ([]byte, error)
}

// AuditFeed reads the audit history of a period.
type AuditFeed interface {
	ForPeriodUntil(ctx context.Context, periodID int64, until time.Time, actions ...audit.Action) ([]audit.Entry, error)
}

// AuditRecorder appends audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Locker guards sealing of one period across processes.
type Locker interface {
	TryLock(ctx context.Context, periodID int64) (unlock func(), ok bool, err error)
}

// IntegrityMetrics counts failed verifications.
type IntegrityMetrics interface {
	ReportIntegrityFailed()
}

// Config groups Service dependencies.
type Config struct {
	Repo         ReportRepository
	Blobs        BlobStore
	Periods      PeriodReader
	Transactions TransactionReader
	Renderer     Renderer
	Feed         AuditFeed
	Audit        AuditRecorder
	Locker       Locker
	Metrics      IntegrityMetrics
	Locale       language.Tag
	Logger       *slog.Logger
}

// Service seals closed periods into hash-verified PDFs.
type Service struct {
	repo         ReportRepository
	blobs        BlobStore
	periods      PeriodReader
	transactions TransactionReader
	renderer     Renderer
	feed         AuditFeed
	audit        AuditRecorder
	locker       Locker
	metrics      IntegrityMetrics
	locale       language.Tag
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         cfg.Repo,
		blobs:        cfg.Blobs,
		periods:      cfg.Periods,
		transactions: cfg.Transactions,
		renderer:     cfg.Renderer,
		feed:         cfg.Feed,
		audit:        cfg.Audit,
		locker:       cfg.Locker,
		metrics:      cfg.Metrics,
		locale:       cfg.Locale,
		logger:       logger,
		now:          time.Now,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, e)
}

// Get returns one report.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	return s.repo.Get(ctx, id)
}

// List returns the reports of a period, newest first.
func (s *Service) List(ctx context.Context, periodID int64) ([]Report, error) {
	return s.repo.ListByPeriod(ctx, periodID)
}

// CreateFromPeriod seals already-rendered bytes for a closed or archived
// period.
func (s *Service) CreateFromPeriod(ctx context.Context, periodID int64, pdf []byte, reportType ReportType, actor audit.Actor) (Report, error) {
	if !reportType.Valid() {
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidReportType, reportType)
	}
	if len(pdf) == 0 {
		return Report{}, ErrEmptyPDF
	}
	ps, err := s.periods.Summary(ctx, periodID)
	if err != nil {
		return Report{}, err
	}
	if ps.Period.IsOpen() {
		return Report{}, ErrPeriodOpen
	}
	rep, err := s.store(ctx, ps.Period, reportType, pdf, ps.Summary, ps.CurrentBalance, actor, nil)
	if err != nil {
		return Report{}, err
	}
	e := audit.NewEntry(audit.ActionReportGenerated, rep, actor)
	e.NewValues = rep.auditValues()
	e.Description = fmt.Sprintf("%s report sealed for %s", rep.Type, ps.Period.Month.Format("2006-01"))
	s.record(ctx, e)
	return rep, nil
}

func (s *Service) store(ctx context.Context, p treasury.Period, t ReportType, pdf []byte, sum treasury.Summary,
	closing decimal.Decimal, actor audit.Actor, replaces *uuid.UUID) (Report, error) {
	hash := CalculateHash(pdf)
	rep := Report{
		ID:               uuid.New(),
		PeriodID:         p.ID,
		Type:             t,
		BlobKey:          BlobKey(p.Month, t, hash),
		PDFHash:          hash,
		ClosingBalance:   closing,
		TotalPositive:    sum.TotalPositive,
		TotalNegative:    sum.TotalNegative,
		TransactionCount: sum.Count,
		IsRecovered:      replaces != nil,
		ReplacesReportID: replaces,
		CreatedBy:        actor,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.blobs.Put(ctx, rep.BlobKey, pdf); err != nil {
		return Report{}, fmt.Errorf("frozen: store pdf: %w", err)
	}
	saved, err := s.repo.Insert(ctx, rep)
	if err != nil {
		if derr := s.blobs.Delete(ctx, rep.BlobKey); derr != nil {
			s.logger.Warn("frozen: discard orphan pdf", slog.String("key", rep.BlobKey), slog.Any("error", derr))
		}
		return Report{}, err
	}
	return saved, nil
}

// Verify re-hashes the stored PDF. A missing blob is an invalid report with
// an empty current hash.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, actor audit.Actor) (Verification, error) {
	rep, err := s.repo.Get(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	v, err := s.verify(ctx, rep)
	if err != nil {
		return Verification{}, err
	}
	e := audit.NewEntry(audit.ActionReportVerified, rep, actor)
	e.NewValues = audit.Values{"valid": v.Valid, "stored_hash": v.StoredHash, "current_hash": v.CurrentHash}
	e.Description = v.Message
	s.record(ctx, e)
	return v, nil
}

func (s *Service) verify(ctx context.Context, rep Report) (Verification, error) {
	v := Verification{ReportID: rep.ID, PeriodID: rep.PeriodID, StoredHash: rep.PDFHash, CheckedAt: s.now().UTC()}
	data, err := s.blobs.Get(ctx, rep.BlobKey)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		v.Message = "pdf missing from storage"
	case err != nil:
		return Verification{}, fmt.Errorf("frozen: read pdf: %w", err)
	default:
		v.CurrentHash = CalculateHash(data)
		v.Valid = subtle.ConstantTimeCompare([]byte(v.CurrentHash), []byte(rep.PDFHash)) == 1
		if v.Valid {
			v.Message = "hash matches"
		} else {
			v.Message = "hash mismatch"
		}
	}
	if !v.Valid {
		if s.metrics != nil {
			s.metrics.ReportIntegrityFailed()
		}
		s.logger.Warn("frozen: report integrity failure",
			slog.String("report_id", rep.ID.String()),
			slog.Int64("period_id", rep.PeriodID),
			slog.String("reason", v.Message))
	}
	return v, nil
}

// VerifyAll re-hashes every stored report.
func (s *Service) VerifyAll(ctx context.Context) ([]Verification, error) {
	reports, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Verification, len(reports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, rep := range reports {
		g.Go(func() error {
			v, err := s.verify(gctx, rep)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecoverFromAudit rebuilds a corrupted report from the audit log as of the
// report's creation and seals the result as a new report. The corrupted
// report is kept.
func (s *Service) RecoverFromAudit(ctx context.Context, id uuid.UUID, actor audit.Actor) (Report, error) {
	old, err := s.repo.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	v, err := s.verify(ctx, old)
	if err != nil {
		return Report{}, err
	}
	if v.Valid {
		return Report{}, ErrReportIntact
	}
	ps, err := s.periods.Summary(ctx, old.PeriodID)
	if err != nil {
		return Report{}, err
	}
	entries, err := s.feed.ForPeriodUntil(ctx, old.PeriodID, old.CreatedAt, replayActions...)
	if err != nil {
		return Report{}, fmt.Errorf("frozen: read audit feed: %w", err)
	}
	txs, err := Replay(old.PeriodID, entries)
	if err != nil {
		return Report{}, err
	}
	cats, err := s.periods.Categories(ctx)
	if err != nil {
		return Report{}, err
	}
	doc, sum, closing := buildDocument(documentInput{
		Period:       ps.Period,
		Transactions: txs,
		Categories:   cats,
		Type:         old.Type,
		Actor:        actor,
		Locale:       s.locale,
		Now:          s.now().UTC(),
		Recovered:    true,
	})
	if !closing.Equal(old.ClosingBalance) {
		s.logger.Warn("frozen: recovered balance differs from sealed balance",
			slog.String("report_id", old.ID.String()),
			slog.String("sealed", old.ClosingBalance.String()),
			slog.String("recovered", closing.String()))
	}
	pdf, err := s.renderer.Render(ctx, doc)
	if err != nil {
		return Report{}, fmt.Errorf("frozen: render: %w", err)
	}
	oldID := old.ID
	rep, err := s.store(ctx, ps.Period, old.Type, pdf, sum, closing, actor, &oldID)
	if err != nil {
		return Report{}, err
	}
	e := audit.NewEntry(audit.ActionReportRegenerated, rep, actor)
	e.OldValues = old.auditValues()
	e.NewValues = rep.auditValues()
	e.Description = fmt.Sprintf("report %s rebuilt from %d audit entries", old.ID, len(entries))
	s.record(ctx, e)
	return rep, nil
}

// SealPeriod renders and seals every report type of a closed period. Types
// already sealed since the period last closed are skipped.
func (s *Service) SealPeriod(ctx context.Context, periodID int64, actor audit.Actor) ([]Report, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, periodID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrSealBusy
		}
		defer unlock()
	}
	ps, err := s.periods.Summary(ctx, periodID)
	if err != nil {
		return nil, err
	}
	p := ps.Period
	if p.IsOpen() {
		return nil, ErrPeriodOpen
	}
	existing, err := s.repo.ListByPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	sealed := make(map[ReportType]bool)
	for _, r := range existing {
		if p.ClosedAt == nil || !r.CreatedAt.Before(*p.ClosedAt) {
			sealed[r.Type] = true
		}
	}
	var pending []ReportType
	for _, t := range ReportTypes {
		if !sealed[t] {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	txs, err := s.transactions.ListByPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	cats, err := s.periods.Categories(ctx)
	if err != nil {
		return nil, err
	}
	var out []Report
	for _, t := range pending {
		doc, _, _ := buildDocument(documentInput{
			Period:       p,
			Transactions: txs,
			Categories:   cats,
			Type:         t,
			Actor:        actor,
			Locale:       s.locale,
			Now:          s.now().UTC(),
		})
		pdf, err := s.renderer.Render(ctx, doc)
		if err != nil {
			return out, fmt.Errorf("frozen: render %s: %w", t, err)
		}
		rep, err := s.CreateFromPeriod(ctx, periodID, pdf, t, actor)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}
