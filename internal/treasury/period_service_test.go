package treasury

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treasury/internal/audit"
)

func TestScenarioCloseCarriesBalanceForward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	f.create(t, day(2024, time.January, 20), "200", false, "Aluguel")

	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))
	require.True(t, jan.OpeningBalance.IsZero())

	balance, err := f.periods.CurrentBalance(ctx, jan.ID)
	require.NoError(t, err)
	require.Equal(t, "300", balance.String())

	closed, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "  fechamento  ")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)
	require.True(t, closed.ClosingBalance.Valid)
	require.Equal(t, "300", closed.ClosingBalance.Decimal.String())
	require.Equal(t, "fechamento", closed.Notes)
	require.NotNil(t, closed.ClosedBy)
	require.Equal(t, treasurer, *closed.ClosedBy)

	feb := f.repo.periodByMonth(t, day(2024, time.February, 1))
	require.True(t, feb.IsOpen())
	require.Equal(t, "300", feb.OpeningBalance.String())

	require.Equal(t, []int64{jan.ID}, f.sealer.periods)
	require.Len(t, f.snapshots.snaps, 1, "close takes a snapshot")
	entry, ok := f.audit.last(audit.ActionPeriodClosed)
	require.True(t, ok)
	require.Equal(t, "open", entry.OldValues["status"])
	require.Equal(t, "closed", entry.NewValues["status"])
}

func TestClosePeriodTwiceFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "10", true, "Doação")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))

	_, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)
	_, err = f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.ErrorIs(t, err, ErrNotClosable)
}

func TestClosePeriodRejectsCurrentMonth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	march, err := f.periods.EnsureCurrentPeriod(ctx)
	require.NoError(t, err)
	require.Equal(t, day(2024, time.March, 1), march.Month)

	_, err = f.periods.ClosePeriod(ctx, march.ID, treasurer, "")
	require.ErrorIs(t, err, ErrNotClosable)
}

func TestClosePeriodRealignsOpenSuccessor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 3), "100", true, "Entrada")
	f.create(t, day(2024, time.February, 3), "40", false, "Saída")
	f.create(t, day(2024, time.January, 9), "50", true, "Entrada tardia")

	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))
	feb := f.repo.periodByMonth(t, day(2024, time.February, 1))
	require.Equal(t, "100", feb.OpeningBalance.String(), "inherited the live January balance")

	_, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)
	feb = f.repo.periodByMonth(t, day(2024, time.February, 1))
	require.Equal(t, "150", feb.OpeningBalance.String())
}

func TestGetOrCreatePeriodIsUniquePerMonth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.February, 1), treasurer)
	require.NoError(t, err)
	second, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.February, 29), treasurer)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	opened := 0
	for _, a := range f.audit.actions() {
		if a == audit.ActionPeriodOpened {
			opened++
		}
	}
	require.Equal(t, 1, opened)
}

func TestGetOrCreatePeriodRejectsFutureMonth(t *testing.T) {
	f := newFixture()
	_, err := f.periods.GetOrCreatePeriod(context.Background(), day(2024, time.April, 1), treasurer)
	require.ErrorIs(t, err, ErrFuturePeriod)
}

func TestStartLedgerBlocksEarlierPeriods(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.periods.StartLedger(ctx, day(2024, time.January, 1), amount("1250.75"), president)
	require.NoError(t, err)
	require.True(t, first.IsFirstMonth)

	_, err = f.periods.GetOrCreatePeriod(ctx, day(2023, time.December, 10), treasurer)
	require.ErrorIs(t, err, ErrBeforeFirstMonth)

	feb, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.February, 10), treasurer)
	require.NoError(t, err)
	require.Equal(t, "1250.75", feb.OpeningBalance.String())

	_, err = f.periods.StartLedger(ctx, day(2023, time.June, 1), amount("1"), president)
	require.ErrorIs(t, err, ErrValidation)
}

func TestScenarioReopenAlwaysSnapshotsFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	f.create(t, day(2024, time.January, 20), "200", false, "Aluguel")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))
	_, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)
	before := len(f.snapshots.snaps)

	reopened, snap, err := f.periods.ReopenWithSnapshot(ctx, jan.ID, president, ReopenInput{Reason: "lançamento esquecido"})
	require.NoError(t, err)
	require.True(t, reopened.IsOpen())
	require.False(t, reopened.ClosingBalance.Valid)
	require.Nil(t, reopened.ClosedAt)
	require.Nil(t, reopened.ClosedBy)
	require.Len(t, f.snapshots.snaps, before+1)

	require.Equal(t, snap.ID, f.snapshots.snaps[before].ID)
	require.True(t, snap.WasClosed)
	require.Equal(t, 2, snap.TransactionsCount)
	require.Len(t, snap.Data.Transactions, 2)
	require.Equal(t, "300", snap.ClosingBalance.Decimal.String())
	require.Equal(t, 1, snap.PeriodMonth)
	require.Equal(t, 2024, snap.PeriodYear)

	entry, ok := f.audit.last(audit.ActionPeriodReopened)
	require.True(t, ok)
	require.NotNil(t, entry.SnapshotID)
	require.Equal(t, snap.ID, *entry.SnapshotID)
}

func TestReopenAbortsWhenSnapshotFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))
	_, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)

	f.snapshots.err = errBoom
	_, _, err = f.periods.ReopenWithSnapshot(ctx, jan.ID, president, ReopenInput{Reason: "ajuste"})
	require.ErrorIs(t, err, errBoom)
	require.True(t, f.repo.periodByMonth(t, jan.Month).IsClosed())
}

func TestReopenValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))

	_, _, err := f.periods.ReopenWithSnapshot(ctx, jan.ID, president, ReopenInput{Reason: "x"})
	require.ErrorIs(t, err, ErrNotReopenable)

	_, _, err = f.periods.ReopenWithSnapshot(ctx, jan.ID, president, ReopenInput{Reason: "  "})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)
	_, err = f.periods.ArchivePeriod(ctx, jan.ID, treasurer)
	require.NoError(t, err)

	_, _, err = f.periods.ReopenWithSnapshot(ctx, jan.ID, treasurer, ReopenInput{Reason: "auditoria"})
	require.ErrorIs(t, err, ErrAuthorizationRequired)

	reopened, _, err := f.periods.ReopenWithSnapshot(ctx, jan.ID, treasurer, ReopenInput{Reason: "auditoria", AuthorizedBy: &president})
	require.NoError(t, err)
	require.True(t, reopened.IsOpen())
}

func TestArchiveRequiresClosedPeriod(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.January, 2), treasurer)
	require.NoError(t, err)
	_, err = f.periods.ArchivePeriod(ctx, p.ID, treasurer)
	require.ErrorIs(t, err, ErrNotArchivable)
}

func TestLifecycleRejectsBusyPeriod(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.January, 2), treasurer)
	require.NoError(t, err)
	f.locker.held[p.ID] = true

	_, err = f.periods.ClosePeriod(ctx, p.ID, treasurer, "")
	require.ErrorIs(t, err, ErrPeriodBusy)
	require.True(t, f.repo.periodByMonth(t, p.Month).IsOpen())
}

func TestScenarioTamperedBalanceIsReported(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	f.create(t, day(2024, time.January, 20), "200", false, "Aluguel")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))
	_, err := f.periods.ClosePeriod(ctx, jan.ID, treasurer, "")
	require.NoError(t, err)

	check, err := f.periods.VerifyPeriodBalance(ctx, jan.ID)
	require.NoError(t, err)
	require.True(t, check.Checked)
	require.True(t, check.IsConsistent)

	f.repo.tamper(jan.ID, func(p *Period) { p.ClosingBalance.Decimal = amount("9999") })

	check, err = f.periods.VerifyPeriodBalance(ctx, jan.ID)
	require.NoError(t, err)
	require.False(t, check.IsConsistent)
	require.Equal(t, "9999", check.FixedBalance.Decimal.String())
	require.Equal(t, "300", check.CalculatedBalance.String())
	require.Equal(t, "9699", check.Difference.String())

	rec, err := f.periods.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Inconsistent, 1)
	require.Equal(t, jan.ID, rec.Inconsistent[0].PeriodID)

	fixed, drift, err := f.periods.FixClosingBalance(ctx, jan.ID, president, "valor digitado errado")
	require.NoError(t, err)
	require.Equal(t, "9699", drift.Difference.String())
	require.Equal(t, "300", fixed.ClosingBalance.Decimal.String())
	require.Contains(t, fixed.Notes, "valor digitado errado")

	entry, ok := f.audit.last(audit.ActionPeriodRecalculated)
	require.True(t, ok)
	require.Equal(t, "9999", entry.OldValues["closing_balance"])
	require.Equal(t, "300", entry.NewValues["closing_balance"])

	check, err = f.periods.VerifyPeriodBalance(ctx, jan.ID)
	require.NoError(t, err)
	require.True(t, check.IsConsistent)
}

func TestVerifyOpenPeriodIsNotChecked(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.March, 1), "5", true, "Troco")
	march := f.repo.periodByMonth(t, day(2024, time.March, 1))

	check, err := f.periods.VerifyPeriodBalance(ctx, march.ID)
	require.NoError(t, err)
	require.False(t, check.Checked)
	require.NotEmpty(t, check.Message)
	require.Equal(t, "5", check.CalculatedBalance.String())
}

func TestVerifyAllListsStaleOpenPeriods(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, m := range []time.Month{time.October, time.November, time.December} {
		_, err := f.periods.GetOrCreatePeriod(ctx, day(2023, m, 1), treasurer)
		require.NoError(t, err)
	}
	_, err := f.periods.GetOrCreatePeriod(ctx, day(2024, time.January, 1), treasurer)
	require.NoError(t, err)

	rec, err := f.periods.VerifyAll(ctx)
	require.NoError(t, err)
	require.Empty(t, rec.Checks)
	var stale []time.Month
	for _, p := range rec.StaleOpen {
		stale = append(stale, p.Month.Month())
	}
	require.ElementsMatch(t, []time.Month{time.October, time.November, time.December}, stale)
}

func TestBalanceAt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, day(2024, time.January, 5), "500", true, "Mensalidades")
	f.create(t, day(2024, time.January, 20), "200", false, "Aluguel")

	at, err := f.periods.BalanceAt(ctx, day(2024, time.January, 10))
	require.NoError(t, err)
	require.Equal(t, "500", at.String())

	at, err = f.periods.BalanceAt(ctx, day(2024, time.February, 10))
	require.NoError(t, err)
	require.Equal(t, "300", at.String(), "month without a period inherits")
}

func TestSummaryAndCategories(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	food := f.repo.addCategory("Alimentação")
	_, err := f.txs.Create(ctx, TransactionInput{
		Description: "Lanche", Amount: amount("30"), IsPositive: false,
		Date: day(2024, time.January, 4), CategoryID: &food,
	}, treasurer)
	require.NoError(t, err)
	f.create(t, day(2024, time.January, 8), "100", true, "Doação")
	jan := f.repo.periodByMonth(t, day(2024, time.January, 1))

	sum, err := f.periods.Summary(ctx, jan.ID)
	require.NoError(t, err)
	require.Equal(t, "100", sum.Summary.TotalPositive.String())
	require.Equal(t, "30", sum.Summary.TotalNegative.String())
	require.Equal(t, "70", sum.Summary.Net.String())
	require.Equal(t, 2, sum.Summary.Count)

	cats, err := f.periods.CategorySummary(ctx, jan.ID)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	require.Equal(t, "Alimentação", cats[0].Name)
	require.Nil(t, cats[1].CategoryID)

	list, err := f.periods.ListPeriods(ctx, 2024)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.periods.GetPeriod(ctx, 999)
	require.True(t, errors.Is(err, ErrPeriodNotFound))
}
