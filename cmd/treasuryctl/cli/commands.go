package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/treasury"
	"github.com/odyssey-erp/treasury/jobs"
)

type migrateCmd struct {
	env *Env
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply ledger and audit store migrations" }
func (*migrateCmd) Usage() string {
	return `treasuryctl migrate

  Brings the PostgreSQL ledger schema and the SQLite audit schema up to date.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.env.Migrate == nil {
		return c.env.usage(c.Name(), "migrations not configured")
	}
	if err := c.env.Migrate(ctx); err != nil {
		return c.env.fail(c.Name(), err)
	}
	_, _ = fmt.Fprintln(c.env.stdout(), "migrations applied")
	return subcommands.ExitSuccess
}

type startLedgerCmd struct {
	env     *Env
	month   string
	opening string
	actor   string
}

func (*startLedgerCmd) Name() string     { return "start-ledger" }
func (*startLedgerCmd) Synopsis() string { return "create the first ledger month with its opening balance" }
func (*startLedgerCmd) Usage() string {
	return `treasuryctl start-ledger -month YYYY-MM -opening <amount> [-actor name]

  Creates the initial balance period. No period may precede it.
`
}

func (c *startLedgerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.month, "month", "", "first ledger month (YYYY-MM)")
	f.StringVar(&c.opening, "opening", "0", "opening balance")
	f.StringVar(&c.actor, "actor", "", "name recorded in the audit log")
}

func (c *startLedgerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	month, err := time.Parse("2006-01", strings.TrimSpace(c.month))
	if err != nil {
		return c.env.usage(c.Name(), "-month is required as YYYY-MM")
	}
	opening, err := decimal.NewFromString(strings.TrimSpace(c.opening))
	if err != nil {
		return c.env.usage(c.Name(), "-opening must be a decimal number")
	}
	return c.env.with(ctx, c.Name(), func(svc *Services) error {
		p, err := svc.Periods.StartLedger(ctx, month, opening, cliActor(c.actor))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.env.stdout(), "period %d (%s) opened with balance %s\n", p.ID, p.Month.Format("2006-01"), p.OpeningBalance.StringFixed(2))
		return nil
	})
}

type ensurePeriodCmd struct {
	env *Env
}

func (*ensurePeriodCmd) Name() string     { return "ensure-period" }
func (*ensurePeriodCmd) Synopsis() string { return "open the running month if it does not exist" }
func (*ensurePeriodCmd) Usage() string {
	return `treasuryctl ensure-period
`
}
func (*ensurePeriodCmd) SetFlags(*flag.FlagSet) {}

func (c *ensurePeriodCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.env.with(ctx, c.Name(), func(svc *Services) error {
		p, err := svc.Periods.EnsureCurrentPeriod(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.env.stdout(), "period %d (%s) is %s\n", p.ID, p.Month.Format("2006-01"), p.Status)
		return nil
	})
}

type closePeriodCmd struct {
	env   *Env
	id    int64
	notes string
	actor string
}

func (*closePeriodCmd) Name() string     { return "close-period" }
func (*closePeriodCmd) Synopsis() string { return "freeze the closing balance of a period" }
func (*closePeriodCmd) Usage() string {
	return `treasuryctl close-period -id <period id> [-notes text] [-actor name]
`
}

func (c *closePeriodCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "period id")
	f.StringVar(&c.notes, "notes", "", "closing notes")
	f.StringVar(&c.actor, "actor", "", "name recorded in the audit log")
}

func (c *closePeriodCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.id <= 0 {
		return c.env.usage(c.Name(), "-id is required and must be positive")
	}
	return c.env.with(ctx, c.Name(), func(svc *Services) error {
		p, err := svc.Periods.ClosePeriod(ctx, c.id, cliActor(c.actor), c.notes)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.env.stdout(), "period %d (%s) closed at %s\n", p.ID, p.Month.Format("2006-01"), p.ClosingBalance.Decimal.StringFixed(2))
		return nil
	})
}

type verifyBalancesCmd struct {
	env      *Env
	periodID int64
	fix      bool
	reason   string
	actor    string
}

func (*verifyBalancesCmd) Name() string     { return "verify-balances" }
func (*verifyBalancesCmd) Synopsis() string { return "recompute frozen balances and report drift" }
func (*verifyBalancesCmd) Usage() string {
	return `treasuryctl verify-balances [-period-id <id>] [-fix -reason text]

  Without -period-id every closed and archived period is checked. -fix
  replaces drifted closing balances and requires -reason.
`
}

func (c *verifyBalancesCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.periodID, "period-id", 0, "check a single period")
	f.BoolVar(&c.fix, "fix", false, "correct drifted closing balances")
	f.StringVar(&c.reason, "reason", "", "reason recorded with -fix")
	f.StringVar(&c.actor, "actor", "", "name recorded in the audit log")
}

func (c *verifyBalancesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.fix && strings.TrimSpace(c.reason) == "" {
		return c.env.usage(c.Name(), "-fix requires -reason")
	}
	drift := 0
	status := c.env.with(ctx, c.Name(), func(svc *Services) error {
		var checks []treasury.BalanceCheck
		if c.periodID > 0 {
			check, err := svc.Periods.VerifyPeriodBalance(ctx, c.periodID)
			if err != nil {
				return err
			}
			checks = []treasury.BalanceCheck{check}
		} else {
			rec, err := svc.Periods.VerifyAll(ctx)
			if err != nil {
				return err
			}
			checks = rec.Checks
			for _, p := range rec.StaleOpen {
				_, _ = fmt.Fprintf(c.env.stdout(), "stale open period %d (%s)\n", p.ID, p.Month.Format("2006-01"))
			}
		}

		tw := tabwriter.NewWriter(c.env.stdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PERIOD\tMONTH\tSTATUS\tFIXED\tCALCULATED\tDIFFERENCE\tRESULT")
		for _, check := range checks {
			result := "ok"
			switch {
			case !check.Checked:
				result = "skipped"
			case check.IsConsistent:
			case check.AwaitingReclose:
				result = "awaiting reclose"
			default:
				result = "drift"
				drift++
			}
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", check.PeriodID, check.Month.Format("2006-01"), check.Status,
				check.FixedBalance.Decimal.StringFixed(2), check.CalculatedBalance.StringFixed(2), check.Difference.StringFixed(2), result)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if !c.fix {
			return nil
		}
		for _, check := range checks {
			if !check.Checked || check.IsConsistent {
				continue
			}
			p, _, err := svc.Periods.FixClosingBalance(ctx, check.PeriodID, cliActor(c.actor), c.reason)
			if err != nil {
				return fmt.Errorf("fix period %d: %w", check.PeriodID, err)
			}
			_, _ = fmt.Fprintf(c.env.stdout(), "period %d closing balance set to %s\n", p.ID, p.ClosingBalance.Decimal.StringFixed(2))
		}
		drift = 0
		return nil
	})
	if status == subcommands.ExitSuccess && drift > 0 {
		return subcommands.ExitFailure
	}
	return status
}

type verifyReportsCmd struct {
	env *Env
}

func (*verifyReportsCmd) Name() string     { return "verify-reports" }
func (*verifyReportsCmd) Synopsis() string { return "re-hash every sealed report" }
func (*verifyReportsCmd) Usage() string {
	return `treasuryctl verify-reports
`
}
func (*verifyReportsCmd) SetFlags(*flag.FlagSet) {}

func (c *verifyReportsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	invalid := 0
	status := c.env.with(ctx, c.Name(), func(svc *Services) error {
		results, err := svc.Reports.VerifyAll(ctx)
		if err != nil {
			return err
		}
		for _, v := range results {
			if v.Valid {
				continue
			}
			invalid++
			_, _ = fmt.Fprintf(c.env.stdout(), "report %s (period %d) invalid: %s\n", v.ReportID, v.PeriodID, v.Message)
		}
		_, _ = fmt.Fprintf(c.env.stdout(), "%d reports checked, %d invalid\n", len(results), invalid)
		return nil
	})
	if status == subcommands.ExitSuccess && invalid > 0 {
		return subcommands.ExitFailure
	}
	return status
}

type triggerCmd struct {
	env *Env
	job string
}

func (*triggerCmd) Name() string     { return "trigger" }
func (*triggerCmd) Synopsis() string { return "enqueue a periodic job now" }
func (*triggerCmd) Usage() string {
	return fmt.Sprintf(`treasuryctl trigger -job <type>

  Supported jobs: %s
`, strings.Join(jobs.PeriodicTasks, ", "))
}

func (c *triggerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.job, "job", "", "task type to enqueue")
}

func (c *triggerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if strings.TrimSpace(c.job) == "" {
		return c.env.usage(c.Name(), "-job is required")
	}
	return c.env.with(ctx, c.Name(), func(svc *Services) error {
		info, err := svc.Jobs.Trigger(ctx, strings.TrimSpace(c.job))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.env.stdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return nil
	})
}
