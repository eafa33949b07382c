package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/treasury/cmd/treasuryctl/cli"
	"github.com/odyssey-erp/treasury/internal/app"
	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/db"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping treasuryctl")
		return
	}
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	env := &cli.Env{
		Open: func(ctx context.Context) (*cli.Services, func(), error) {
			ledger, err := app.OpenLedger(ctx, cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			closeFn := func() {
				if err := ledger.Close(); err != nil {
					logger.Warn("close ledger", slog.Any("error", err))
				}
			}
			return &cli.Services{Periods: ledger.Periods, Reports: ledger.Reports, Jobs: ledger.Jobs}, closeFn, nil
		},
		Migrate: func(context.Context) error {
			if err := db.RunMigrations(cfg.PGDSN); err != nil {
				return err
			}
			return audit.RunMigrations(cfg.AuditDBPath)
		},
	}

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	for _, c := range cli.Commands(env) {
		commander.Register(c, "ledger")
	}

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := int(commander.Execute(ctx))
	stop()
	os.Exit(code)
}
