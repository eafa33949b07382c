package frozen

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/report"
)

// ReportType enumerates the sealed document kinds.
type ReportType string

const (
	ReportAnalytical ReportType = ReportType(report.DocumentAnalytical)
	ReportExtract    ReportType = ReportType(report.DocumentExtract)
)

// ReportTypes lists every type sealed after a close.
var ReportTypes = []ReportType{ReportAnalytical, ReportExtract}

// Valid reports whether t is a known type.
func (t ReportType) Valid() bool {
	return t == ReportAnalytical || t == ReportExtract
}

var (
	ErrReportNotFound    = errors.New("frozen: report not found")
	ErrInvalidReportType = errors.New("frozen: invalid report type")
	ErrPeriodOpen        = errors.New("frozen: period is still open")
	ErrEmptyPDF          = errors.New("frozen: pdf is empty")
	ErrReportIntact      = errors.New("frozen: report hash matches, nothing to recover")
	ErrSealBusy          = errors.New("frozen: period is being sealed by another process")
)

// Report is the metadata of a sealed PDF. The bytes live in the blob store.
type Report struct {
	ID               uuid.UUID
	PeriodID         int64
	Type             ReportType
	BlobKey          string
	PDFHash          string
	ClosingBalance   decimal.Decimal
	TotalPositive    decimal.Decimal
	TotalNegative    decimal.Decimal
	TransactionCount int
	IsRecovered      bool
	ReplacesReportID *uuid.UUID
	CreatedBy        audit.Actor
	CreatedAt        time.Time
}

func (r Report) AuditEntity() (string, string) { return audit.EntityReport, r.ID.String() }

func (r Report) AuditActor() audit.Actor { return r.CreatedBy }

func (r Report) AuditPeriodID() int64 { return r.PeriodID }

func (r Report) auditValues() audit.Values {
	v := audit.Values{
		"id":                r.ID.String(),
		"period_id":         r.PeriodID,
		"report_type":       string(r.Type),
		"blob_key":          r.BlobKey,
		"pdf_hash":          r.PDFHash,
		"closing_balance":   r.ClosingBalance.String(),
		"transaction_count": r.TransactionCount,
	}
	if r.ReplacesReportID != nil {
		v["replaces_report_id"] = r.ReplacesReportID.String()
	}
	return v
}

// Verification is the outcome of re-hashing a stored PDF.
type Verification struct {
	ReportID    uuid.UUID
	PeriodID    int64
	Valid       bool
	StoredHash  string
	CurrentHash string
	Message     string
	CheckedAt   time.Time
}

// CalculateHash returns the lowercase hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobKey builds the storage key frozen_reports/YYYY/MM/<type>_YYYY_MM_<hash8>.pdf.
func BlobKey(month time.Time, t ReportType, hash string) string {
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("frozen_reports/%04d/%02d/%s_%04d_%02d_%s.pdf",
		month.Year(), int(month.Month()), t, month.Year(), int(month.Month()), short)
}
