// Package cli implements the treasuryctl admin commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

// PeriodAdmin is the period surface driven by the admin commands.
type PeriodAdmin interface {
	StartLedger(ctx context.Context, month time.Time, opening decimal.Decimal, actor audit.Actor) (treasury.Period, error)
	EnsureCurrentPeriod(ctx context.Context) (treasury.Period, error)
	ClosePeriod(ctx context.Context, id int64, actor audit.Actor, notes string) (treasury.Period, error)
	VerifyPeriodBalance(ctx context.Context, id int64) (treasury.BalanceCheck, error)
	VerifyAll(ctx context.Context) (treasury.Reconciliation, error)
	FixClosingBalance(ctx context.Context, id int64, actor audit.Actor, reason string) (treasury.Period, treasury.BalanceCheck, error)
}

// ReportAdmin re-hashes sealed reports.
type ReportAdmin interface {
	VerifyAll(ctx context.Context) ([]frozen.Verification, error)
}

// JobTrigger enqueues periodic jobs on demand.
type JobTrigger interface {
	Trigger(ctx context.Context, taskType string) (*asynq.TaskInfo, error)
}

// Services is what a command needs from an opened ledger.
type Services struct {
	Periods PeriodAdmin
	Reports ReportAdmin
	Jobs    JobTrigger
}

// Env wires the commands to their collaborators. Open is called lazily so
// commands that fail flag validation never touch the databases.
type Env struct {
	Open    func(ctx context.Context) (*Services, func(), error)
	Migrate func(ctx context.Context) error
	Stdout  io.Writer
	Stderr  io.Writer
}

func (e *Env) stdout() io.Writer {
	if e.Stdout == nil {
		return os.Stdout
	}
	return e.Stdout
}

func (e *Env) stderr() io.Writer {
	if e.Stderr == nil {
		return os.Stderr
	}
	return e.Stderr
}

func (e *Env) fail(cmd string, err error) subcommands.ExitStatus {
	_, _ = fmt.Fprintf(e.stderr(), "%s: %v\n", cmd, err)
	return subcommands.ExitFailure
}

func (e *Env) usage(cmd, msg string) subcommands.ExitStatus {
	_, _ = fmt.Fprintf(e.stderr(), "%s: %s\n", cmd, msg)
	return subcommands.ExitUsageError
}

// with opens the ledger, runs fn and releases it.
func (e *Env) with(ctx context.Context, cmd string, fn func(*Services) error) subcommands.ExitStatus {
	if e.Open == nil {
		return e.fail(cmd, errors.New("ledger not configured"))
	}
	svc, closeFn, err := e.Open(ctx)
	if err != nil {
		return e.fail(cmd, err)
	}
	defer closeFn()
	if err := fn(svc); err != nil {
		return e.fail(cmd, err)
	}
	return subcommands.ExitSuccess
}

func cliActor(name string) audit.Actor {
	name = strings.TrimSpace(name)
	if name == "" {
		return audit.Actor{Name: "treasuryctl"}
	}
	return audit.Actor{Name: name}
}

// Commands returns every admin command bound to env.
func Commands(env *Env) []subcommands.Command {
	return []subcommands.Command{
		&migrateCmd{env: env},
		&startLedgerCmd{env: env},
		&ensurePeriodCmd{env: env},
		&closePeriodCmd{env: env},
		&verifyBalancesCmd{env: env},
		&verifyReportsCmd{env: env},
		&triggerCmd{env: env},
	}
}
