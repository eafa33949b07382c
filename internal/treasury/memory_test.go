package treasury

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
)

type memoryLedger struct {
	mu           sync.Mutex
	periods      map[int64]Period
	transactions map[int64]Transaction
	reversals    map[int64]Reversal
	categories   map[int64]Category
	nextID       int64
	failReversal error
}

type memoryLedgerTx struct {
	repo *memoryLedger
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		periods:      make(map[int64]Period),
		transactions: make(map[int64]Transaction),
		reversals:    make(map[int64]Reversal),
		categories:   make(map[int64]Category),
	}
}

// WithTx restores the previous state when fn fails so atomicity can be asserted.
func (r *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	periods := cloneMap(r.periods)
	transactions := cloneMap(r.transactions)
	reversals := cloneMap(r.reversals)
	nextID := r.nextID
	if err := fn(ctx, &memoryLedgerTx{repo: r}); err != nil {
		r.periods, r.transactions, r.reversals, r.nextID = periods, transactions, reversals, nextID
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memoryLedger) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryLedger) addCategory(name string) int64 {
	id := r.id()
	r.categories[id] = Category{ID: id, Name: name}
	return id
}

// tamper overwrites a stored period outside the services.
func (r *memoryLedger) tamper(id int64, fn func(*Period)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.periods[id]
	fn(&p)
	r.periods[id] = p
}

func (r *memoryLedger) periodByMonth(t *testing.T, month time.Time) Period {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.periods {
		if p.Month.Equal(month) {
			return p
		}
	}
	t.Fatalf("no period for %s", month.Format("2006-01"))
	return Period{}
}

func (tx *memoryLedgerTx) GetPeriod(ctx context.Context, id int64) (Period, error) {
	p, ok := tx.repo.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return p, nil
}

func (tx *memoryLedgerTx) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	return tx.GetPeriod(ctx, id)
}

func (tx *memoryLedgerTx) GetPeriodForShare(ctx context.Context, id int64) (Period, error) {
	return tx.GetPeriod(ctx, id)
}

func (tx *memoryLedgerTx) GetPeriodByMonth(ctx context.Context, month time.Time) (Period, error) {
	for _, p := range tx.repo.periods {
		if p.Month.Equal(month) {
			return p, nil
		}
	}
	return Period{}, ErrPeriodNotFound
}

func (tx *memoryLedgerTx) GetPreviousPeriod(ctx context.Context, month time.Time) (Period, error) {
	var (
		best  Period
		found bool
	)
	for _, p := range tx.repo.periods {
		if p.Month.Before(month) && (!found || p.Month.After(best.Month)) {
			best, found = p, true
		}
	}
	if !found {
		return Period{}, ErrPeriodNotFound
	}
	return best, nil
}

func (tx *memoryLedgerTx) GetFirstMonthPeriod(ctx context.Context) (Period, error) {
	for _, p := range tx.repo.periods {
		if p.IsFirstMonth {
			return p, nil
		}
	}
	return Period{}, ErrPeriodNotFound
}

func (tx *memoryLedgerTx) ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error) {
	var out []Period
	for _, p := range tx.repo.periods {
		if filter.Year != 0 && p.Year() != filter.Year {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				match = match || s == p.Status
			}
			if !match {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.After(out[j].Month) })
	return out, nil
}

func (tx *memoryLedgerTx) InsertPeriod(ctx context.Context, p Period) (Period, bool, error) {
	if existing, err := tx.GetPeriodByMonth(ctx, p.Month); err == nil {
		return existing, false, nil
	}
	p.ID = tx.repo.id()
	tx.repo.periods[p.ID] = p
	return p, true, nil
}

func (tx *memoryLedgerTx) UpdatePeriod(ctx context.Context, p Period) error {
	if _, ok := tx.repo.periods[p.ID]; !ok {
		return ErrPeriodNotFound
	}
	tx.repo.periods[p.ID] = p
	return nil
}

func (tx *memoryLedgerTx) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	t, ok := tx.repo.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (tx *memoryLedgerTx) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	return tx.GetTransaction(ctx, id)
}

func (tx *memoryLedgerTx) ListTransactions(ctx context.Context, periodID int64) ([]Transaction, error) {
	var out []Transaction
	for _, t := range tx.repo.transactions {
		if t.PeriodID == periodID {
			out = append(out, t)
		}
	}
	SortTransactions(out)
	return out, nil
}

func (tx *memoryLedgerTx) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if t.CategoryID != nil {
		if _, ok := tx.repo.categories[*t.CategoryID]; !ok {
			return Transaction{}, ErrCategoryNotFound
		}
	}
	t.ID = tx.repo.id()
	tx.repo.transactions[t.ID] = t
	return t, nil
}

func (tx *memoryLedgerTx) UpdateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if _, ok := tx.repo.transactions[t.ID]; !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	tx.repo.transactions[t.ID] = t
	return t, nil
}

func (tx *memoryLedgerTx) DeleteTransaction(ctx context.Context, id int64) error {
	if linked, _ := tx.IsReversalLinked(ctx, id); linked {
		return ErrProtected
	}
	if _, ok := tx.repo.transactions[id]; !ok {
		return ErrTransactionNotFound
	}
	delete(tx.repo.transactions, id)
	return nil
}

func (tx *memoryLedgerTx) GetReversalByOriginal(ctx context.Context, originalID int64) (Reversal, error) {
	for _, r := range tx.repo.reversals {
		if r.OriginalID == originalID {
			r.Original = tx.repo.transactions[r.OriginalID]
			r.Correction = tx.repo.transactions[r.ReversalID]
			return r, nil
		}
	}
	return Reversal{}, ErrReversalNotFound
}

func (tx *memoryLedgerTx) IsReversalLinked(ctx context.Context, transactionID int64) (bool, error) {
	for _, r := range tx.repo.reversals {
		if r.OriginalID == transactionID || r.ReversalID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryLedgerTx) InsertReversal(ctx context.Context, r Reversal) (Reversal, error) {
	if tx.repo.failReversal != nil {
		return Reversal{}, tx.repo.failReversal
	}
	if _, err := tx.GetReversalByOriginal(ctx, r.OriginalID); err == nil {
		return Reversal{}, ErrAlreadyReversed
	}
	r.ID = tx.repo.id()
	tx.repo.reversals[r.ID] = r
	return r, nil
}

func (tx *memoryLedgerTx) ListReversals(ctx context.Context, periodID int64) ([]Reversal, error) {
	var out []Reversal
	for _, r := range tx.repo.reversals {
		correction := tx.repo.transactions[r.ReversalID]
		if correction.PeriodID == periodID {
			r.Original = tx.repo.transactions[r.OriginalID]
			r.Correction = correction
			out = append(out, r)
		}
	}
	return out, nil
}

func (tx *memoryLedgerTx) GetCategory(ctx context.Context, id int64) (Category, error) {
	c, ok := tx.repo.categories[id]
	if !ok {
		return Category{}, ErrCategoryNotFound
	}
	return c, nil
}

func (tx *memoryLedgerTx) ListCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	for _, c := range tx.repo.categories {
		out = append(out, c)
	}
	return out, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Record(ctx context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAudit) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

func (m *memoryAudit) last(action audit.Action) (audit.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Action == action {
			return m.entries[i], true
		}
	}
	return audit.Entry{}, false
}

type memorySnapshots struct {
	snaps []audit.Snapshot
	err   error
}

func (m *memorySnapshots) CreateSnapshot(ctx context.Context, snap audit.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.snaps = append(m.snaps, snap)
	return nil
}

type memoryLocker struct {
	held map[int64]bool
}

func (l *memoryLocker) TryLock(ctx context.Context, periodID int64) (func(), bool, error) {
	if l.held[periodID] {
		return nil, false, nil
	}
	l.held[periodID] = true
	return func() { delete(l.held, periodID) }, true, nil
}

type memorySealer struct {
	periods []int64
}

func (m *memorySealer) EnqueueSeal(ctx context.Context, periodID int64, actor audit.Actor) error {
	m.periods = append(m.periods, periodID)
	return nil
}

type memoryReceipts struct {
	blobs map[string][]byte
}

func (m *memoryReceipts) Put(ctx context.Context, key string, data []byte) error {
	m.blobs[key] = data
	return nil
}

func (m *memoryReceipts) Delete(ctx context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}

var errBoom = errors.New("boom")

var (
	treasurer = audit.Actor{ID: 7, Name: "Tesoureiro"}
	president = audit.Actor{ID: 1, Name: "Presidente"}
)

type fixture struct {
	repo      *memoryLedger
	audit     *memoryAudit
	snapshots *memorySnapshots
	locker    *memoryLocker
	sealer    *memorySealer
	receipts  *memoryReceipts
	periods   *PeriodService
	txs       *TransactionService
}

// newFixture wires both services against in-memory collaborators with the
// clock fixed at 15 March 2024.
func newFixture() *fixture {
	f := &fixture{
		repo:      newMemoryLedger(),
		audit:     &memoryAudit{},
		snapshots: &memorySnapshots{},
		locker:    &memoryLocker{held: make(map[int64]bool)},
		sealer:    &memorySealer{},
		receipts:  &memoryReceipts{blobs: make(map[string][]byte)},
	}
	cfg := ServiceConfig{
		Repo:      f.repo,
		Audit:     f.audit,
		Snapshots: f.snapshots,
		Locker:    f.locker,
		Sealer:    f.sealer,
		Receipts:  f.receipts,
	}
	f.periods = NewPeriodService(cfg)
	f.txs = NewTransactionService(cfg, f.periods)
	f.txs.WithNow(func() time.Time { return time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC) })
	return f
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) create(t *testing.T, date time.Time, value string, positive bool, description string) Transaction {
	t.Helper()
	tx, err := f.txs.Create(context.Background(), TransactionInput{
		Description: description,
		Amount:      amount(value),
		IsPositive:  positive,
		Date:        date,
	}, treasurer)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}
