package treasuryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	"github.com/odyssey-erp/treasury/internal/platform/httpx"
	"github.com/odyssey-erp/treasury/internal/shared"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

var january = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type stubPeriods struct {
	closeErr   error
	closedBy   audit.Actor
	closeNotes string
	reopenIn   treasury.ReopenInput
	check      treasury.BalanceCheck
}

func (s *stubPeriods) ListPeriods(context.Context, int) ([]treasury.PeriodSummary, error) {
	return []treasury.PeriodSummary{{Period: treasury.Period{ID: 4, Month: january, Status: treasury.PeriodStatusOpen}}}, nil
}

func (s *stubPeriods) Summary(_ context.Context, id int64) (treasury.PeriodSummary, error) {
	if id != 4 {
		return treasury.PeriodSummary{}, treasury.ErrPeriodNotFound
	}
	return treasury.PeriodSummary{
		Period:         treasury.Period{ID: 4, Month: january, Status: treasury.PeriodStatusOpen},
		Summary:        treasury.Summary{TotalPositive: decimal.NewFromInt(500), TotalNegative: decimal.NewFromInt(200), Net: decimal.NewFromInt(300), Count: 2},
		CurrentBalance: decimal.NewFromInt(300),
	}, nil
}

func (s *stubPeriods) CategorySummary(context.Context, int64) ([]treasury.CategoryTotal, error) {
	return []treasury.CategoryTotal{{Name: "Moradia", Negative: decimal.NewFromInt(200), Count: 1}}, nil
}

func (s *stubPeriods) ClosePeriod(_ context.Context, id int64, actor audit.Actor, notes string) (treasury.Period, error) {
	if s.closeErr != nil {
		return treasury.Period{}, s.closeErr
	}
	s.closedBy, s.closeNotes = actor, notes
	closing := decimal.NullDecimal{Decimal: decimal.NewFromInt(300), Valid: true}
	return treasury.Period{ID: id, Month: january, Status: treasury.PeriodStatusClosed, ClosingBalance: closing}, nil
}

func (s *stubPeriods) ReopenWithSnapshot(_ context.Context, id int64, _ audit.Actor, in treasury.ReopenInput) (treasury.Period, audit.Snapshot, error) {
	s.reopenIn = in
	return treasury.Period{ID: id, Month: january, Status: treasury.PeriodStatusOpen}, audit.Snapshot{ID: uuid.New(), PeriodID: id}, nil
}

func (s *stubPeriods) ArchivePeriod(context.Context, int64, audit.Actor) (treasury.Period, error) {
	return treasury.Period{}, treasury.ErrNotArchivable
}

func (s *stubPeriods) VerifyPeriodBalance(context.Context, int64) (treasury.BalanceCheck, error) {
	return s.check, nil
}

type stubTransactions struct {
	created  []treasury.TransactionInput
	actor    audit.Actor
	updateFn func(treasury.TransactionPatch) (treasury.Transaction, error)
}

func (s *stubTransactions) Get(_ context.Context, id int64) (treasury.Transaction, error) {
	if id != 1 {
		return treasury.Transaction{}, treasury.ErrTransactionNotFound
	}
	return treasury.Transaction{ID: 1, PeriodID: 4, Amount: decimal.NewFromInt(500), Date: january.AddDate(0, 0, 4), Type: treasury.TransactionOriginal}, nil
}

func (s *stubTransactions) ListByPeriod(context.Context, int64) ([]treasury.Transaction, error) {
	return nil, nil
}

func (s *stubTransactions) Permissions(context.Context, int64) (treasury.Permissions, error) {
	return treasury.Permissions{CanReverse: true}, nil
}

func (s *stubTransactions) Create(_ context.Context, in treasury.TransactionInput, actor audit.Actor) (treasury.Transaction, error) {
	s.created = append(s.created, in)
	s.actor = actor
	return treasury.Transaction{
		ID:          int64(len(s.created)),
		PeriodID:    4,
		Amount:      treasury.SignedAmount(in.Amount, in.IsPositive),
		Date:        in.Date,
		Description: in.Description,
		Type:        treasury.TransactionOriginal,
		CreatedBy:   actor,
	}, nil
}

func (s *stubTransactions) Update(_ context.Context, _ int64, patch treasury.TransactionPatch, _ audit.Actor) (treasury.Transaction, error) {
	return s.updateFn(patch)
}

func (s *stubTransactions) Delete(context.Context, int64, audit.Actor) error {
	return treasury.ErrProtected
}

func (s *stubTransactions) CreateReversal(_ context.Context, in treasury.ReversalInput, actor audit.Actor) (treasury.Reversal, error) {
	original, _ := s.Get(context.Background(), in.OriginalID)
	correction := treasury.Transaction{ID: 3, PeriodID: 4, Amount: treasury.SignedAmount(in.Amount, in.IsPositive), Date: original.Date, Type: treasury.TransactionReversal, ReversesID: &in.OriginalID}
	return treasury.Reversal{ID: 1, OriginalID: in.OriginalID, ReversalID: 3, Reason: in.Reason, AuthorizedBy: in.AuthorizedBy, CreatedBy: actor, Original: original, Correction: correction}, nil
}

func (s *stubTransactions) GetReversal(context.Context, int64) (treasury.Reversal, error) {
	return treasury.Reversal{}, treasury.ErrReversalNotFound
}

type stubReports struct{}

func (stubReports) List(context.Context, int64) ([]frozen.Report, error) { return nil, nil }

func (stubReports) Verify(_ context.Context, id uuid.UUID, _ audit.Actor) (frozen.Verification, error) {
	return frozen.Verification{ReportID: id, PeriodID: 4, Valid: false, StoredHash: "aa", CurrentHash: "bb"}, nil
}

func (stubReports) RecoverFromAudit(context.Context, uuid.UUID, audit.Actor) (frozen.Report, error) {
	return frozen.Report{}, frozen.ErrReportIntact
}

type memoryKeys map[string]bool

func (m memoryKeys) CheckAndInsert(_ context.Context, key, module string) error {
	if m[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	m[module+"/"+key] = true
	return nil
}

func (m memoryKeys) Delete(_ context.Context, key, module string) error {
	delete(m, module+"/"+key)
	return nil
}

type fixture struct {
	router       http.Handler
	periods      *stubPeriods
	transactions *stubTransactions
	keys         memoryKeys
}

func newFixture() *fixture {
	f := &fixture{periods: &stubPeriods{}, transactions: &stubTransactions{}, keys: memoryKeys{}}
	h := NewHandler(Config{
		Periods:      f.periods,
		Transactions: f.transactions,
		Reports:      stubReports{},
		Keys:         f.keys,
		Locale:       language.BrazilianPortuguese,
	})
	h.now = func() time.Time { return time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	h.MountRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

var treasurer = map[string]string{"X-Actor-ID": "7", "X-Actor-Name": "Tesoureiro"}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestCreateTransactionFoldsSignAndRejectsReplay(t *testing.T) {
	f := newFixture()
	headers := map[string]string{"X-Actor-ID": "7", "X-Actor-Name": "Tesoureiro", "Idempotency-Key": "abc"}
	body := `{"description":"Aluguel","amount":"200.00","is_positive":false,"date":"2024-02-05"}`

	rr := f.do(http.MethodPost, "/transactions", body, headers)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var got transactionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, "-200", got.Amount.String())
	require.False(t, got.IsPositive)
	require.Equal(t, "2024-02-05", got.Date)
	require.Equal(t, audit.Actor{ID: 7, Name: "Tesoureiro"}, f.transactions.actor)

	rr = f.do(http.MethodPost, "/transactions", body, headers)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Len(t, f.transactions.created, 1)
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newFixture()

	rr := f.do(http.MethodPost, "/transactions", `{"description":"x"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(http.MethodPost, "/transactions", `{"description":`, treasurer)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/transactions", `{"amount":"10","date":"05/02/2024"}`, treasurer)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	problem := decodeProblem(t, rr)
	require.Contains(t, problem.Fields, "description")
	require.Contains(t, problem.Fields, "is_positive")
	require.Contains(t, problem.Fields, "date")

	rr = f.do(http.MethodPost, "/transactions", `{"description":"x","amount":"abc","is_positive":true,"date":"2024-02-05"}`, treasurer)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Fields, "amount")
	require.Empty(t, f.transactions.created)
}

func TestCreateTransactionRejectsUnstorableAmounts(t *testing.T) {
	f := newFixture()
	for _, amount := range []string{"0.001", "10.005", "1000000000000"} {
		body := `{"description":"Oferta","amount":"` + amount + `","is_positive":true,"date":"2024-02-05"}`
		rr := f.do(http.MethodPost, "/transactions", body, treasurer)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code, amount)
		require.Contains(t, decodeProblem(t, rr).Fields, "amount", amount)
	}
	require.Empty(t, f.transactions.created)

	rr := f.do(http.MethodPost, "/transactions", `{"description":"Oferta","amount":"10.500","is_positive":true,"date":"2024-02-05"}`, treasurer)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, f.transactions.created, 1)
}

func TestUpdateOnClosedPeriodConflicts(t *testing.T) {
	f := newFixture()
	f.transactions.updateFn = func(patch treasury.TransactionPatch) (treasury.Transaction, error) {
		require.Equal(t, "600", patch.Amount.String())
		return treasury.Transaction{}, treasury.ErrPeriodClosed
	}
	rr := f.do(http.MethodPatch, "/transactions/1", `{"amount":"600"}`, treasurer)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "period is not open")
}

func TestDeleteProtectedTransactionConflicts(t *testing.T) {
	f := newFixture()
	rr := f.do(http.MethodDelete, "/transactions/1", "", treasurer)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateReversalCarriesAuthorizer(t *testing.T) {
	f := newFixture()
	body := `{"amount":"600","is_positive":true,"reason":"valor incorreto","authorized_by_id":2,"authorized_by_name":"Presidente"}`
	rr := f.do(http.MethodPost, "/transactions/1/reversal", body, treasurer)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var got reversalView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, "100", got.Difference.String())
	require.Equal(t, "2024-01-05", got.Correction.Date)
	require.Equal(t, &audit.Actor{ID: 2, Name: "Presidente"}, got.AuthorizedBy)

	rr = f.do(http.MethodPost, "/transactions/1/reversal", `{"amount":"600","is_positive":true,"authorized_by_id":2}`, treasurer)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	fields := decodeProblem(t, rr).Fields
	require.Contains(t, fields, "reason")
	require.Contains(t, fields, "authorized_by_name")
}

func TestGetTransactionIncludesPermissions(t *testing.T) {
	f := newFixture()
	rr := f.do(http.MethodGet, "/transactions/1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got transactionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.NotNil(t, got.Permissions)
	require.True(t, got.Permissions.CanReverse)
	require.Nil(t, got.Reversal)

	rr = f.do(http.MethodGet, "/transactions/99", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPeriodEndpoints(t *testing.T) {
	f := newFixture()

	rr := f.do(http.MethodGet, "/periods/4", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var summary periodSummaryView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	require.Equal(t, "Janeiro", summary.Period.MonthName)
	require.Equal(t, "2024-01", summary.Period.Month)
	require.True(t, summary.Period.CanBeClosed)
	require.Equal(t, "300", summary.CurrentBalance.String())
	require.Len(t, summary.Categories, 1)

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/periods/9", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/periods/abc", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/periods?year=24", "", nil).Code)

	rr = f.do(http.MethodPost, "/periods/4/close", "", treasurer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var closed periodView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &closed))
	require.Equal(t, "closed", closed.Status)
	require.Equal(t, "300", closed.ClosingBalance.String())
	require.Equal(t, "Tesoureiro", f.periods.closedBy.Name)

	f.periods.closeErr = treasury.ErrPeriodBusy
	require.Equal(t, http.StatusLocked, f.do(http.MethodPost, "/periods/4/close", `{"notes":"x"}`, treasurer).Code)

	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/periods/4/archive", "", treasurer).Code)
}

func TestReopenRequiresReason(t *testing.T) {
	f := newFixture()
	rr := f.do(http.MethodPost, "/periods/4/reopen", `{}`, treasurer)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Fields, "reason")

	rr = f.do(http.MethodPost, "/periods/4/reopen", `{"reason":"lançamento esquecido"}`, treasurer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "lançamento esquecido", f.periods.reopenIn.Reason)
	require.Nil(t, f.periods.reopenIn.AuthorizedBy)
	require.Contains(t, rr.Body.String(), `"snapshot_id"`)
}

func TestVerifyPeriodReportsDrift(t *testing.T) {
	f := newFixture()
	f.periods.check = treasury.BalanceCheck{
		PeriodID:          4,
		Month:             january,
		Status:            treasury.PeriodStatusClosed,
		Checked:           true,
		FixedBalance:      decimal.NullDecimal{Decimal: decimal.NewFromInt(9999), Valid: true},
		CalculatedBalance: decimal.NewFromInt(300),
		Difference:        decimal.NewFromInt(9699),
	}
	rr := f.do(http.MethodGet, "/periods/4/verify", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got balanceCheckView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.False(t, got.IsConsistent)
	require.Equal(t, "9699", got.Difference.String())
	require.Equal(t, "9999", got.FixedBalance.String())
}

func TestReportEndpoints(t *testing.T) {
	f := newFixture()
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/reports/not-a-uuid/verify", "", treasurer).Code)

	id := uuid.New()
	rr := f.do(http.MethodPost, "/reports/"+id.String()+"/verify", "", treasurer)
	require.Equal(t, http.StatusOK, rr.Code)
	var got verificationView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, id, got.ReportID)
	require.False(t, got.Valid)

	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/reports/"+id.String()+"/recover", "", treasurer).Code)

	rr = f.do(http.MethodGet, "/periods/4/snapshots", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
