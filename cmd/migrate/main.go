package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/schema-migrator/internal/config"
	"github.com/example/schema-migrator/internal/database"
	"github.com/example/schema-migrator/internal/logging"
	"github.com/example/schema-migrator/internal/migration"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usage = `usage: migrate <command> [flags]

commands:
  up [--to <seq>]      apply pending migrations, optionally stopping at <seq>
  down [--steps <n>]   revert the last <n> applied migrations (default 1)
  status               show applied and pending migrations
  validate             check the migration source without touching the database
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitFailure)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(os.Stderr, level)

	os.Exit(run(ctx, cfg, os.Args[1:], os.Stdout, logger))
}

// command is a parsed CLI invocation.
type command struct {
	name  string
	to    int
	steps int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command")
	}

	cmd := command{name: args[0]}
	flags := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	switch cmd.name {
	case "up":
		flags.IntVar(&cmd.to, "to", 0, "stop after this sequence number")
	case "down":
		flags.IntVar(&cmd.steps, "steps", 1, "number of migrations to revert")
	case "status", "validate":
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}

	if err := flags.Parse(args[1:]); err != nil {
		return command{}, fmt.Errorf("%s: %w", cmd.name, err)
	}
	if flags.NArg() > 0 {
		return command{}, fmt.Errorf("%s: unexpected arguments %v", cmd.name, flags.Args())
	}
	if cmd.to < 0 {
		return command{}, fmt.Errorf("up: --to must not be negative")
	}
	if cmd.name == "down" && cmd.steps <= 0 {
		return command{}, fmt.Errorf("down: --steps must be positive")
	}
	return cmd, nil
}

func run(ctx context.Context, cfg config.Config, args []string, stdout io.Writer, logger *slog.Logger) int {
	cmd, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(stdout, "%v\n\n%s", err, usage)
		return exitUsage
	}
	ctx = logging.ContextWithLogger(ctx, logger.With("command", cmd.name))

	source, err := migration.NewDirSource(cfg.Dir)
	if err != nil {
		logger.Error("failed to open migration source", "dir", cfg.Dir, "error", err)
		return exitFailure
	}

	if cmd.name == "validate" {
		migrations, err := source.ListAll(ctx)
		if err != nil {
			logger.Error("migration source is invalid", "error", err, "error_kind", migration.ErrorKind(err))
			return exitFailure
		}
		fmt.Fprintf(stdout, "%d migrations OK\n", len(migrations))
		return exitOK
	}

	backend, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Driver, "error", err)
		return exitFailure
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logger.Error("failed to close database", "error", cerr)
		}
	}()

	store, err := migration.NewStore(backend.DB, backend.Dialect, cfg.Table)
	if err != nil {
		logger.Error("failed to create migration store", "error", err)
		return exitFailure
	}
	executor := migration.NewExecutor(backend.DB, store, migration.WithScriptTimeout(cfg.ScriptTimeout))
	runner := migration.NewRunner(source, store, executor, backend.Locker, migration.WithLogger(logger))

	switch cmd.name {
	case "status":
		report, err := runner.Status(ctx)
		if err != nil {
			logger.Error("failed to read migration status", "error", err)
			return exitFailure
		}
		printReport(stdout, report)
		if report.Drift != nil {
			return exitFailure
		}
		return exitOK

	case "up":
		target := migration.Latest()
		if cmd.to > 0 {
			target = migration.UpTo(cmd.to)
		}
		result, err := runner.Run(ctx, target)
		return finish(stdout, result, err)

	case "down":
		result, err := runner.Down(ctx, cmd.steps)
		return finish(stdout, result, err)
	}
	return exitUsage
}

func finish(stdout io.Writer, result migration.Result, err error) int {
	if err != nil {
		var runErr *migration.RunError
		if errors.As(err, &runErr) {
			fmt.Fprintf(stdout, "FAILED: %s after %d of %d operations\n", runErr.Failed, runErr.Completed, runErr.Total)
			fmt.Fprintf(stdout, "last applied: %s\n", describe(runErr.LastApplied))
		}
		fmt.Fprintf(stdout, "error: %v\n", err)
		return exitFailure
	}

	if result.NoOp {
		fmt.Fprintf(stdout, "nothing to do; current: %s\n", describe(result.Current))
		return exitOK
	}
	for _, op := range result.Executed {
		fmt.Fprintf(stdout, "%-4s %s\n", op.Direction, op.Migration)
	}
	fmt.Fprintf(stdout, "done in %s; current: %s\n", result.Duration.Round(time.Millisecond), describe(result.Current))
	return exitOK
}

func printReport(w io.Writer, report migration.Report) {
	fmt.Fprintf(w, "current: %s\n", describe(report.Current))
	if report.Drift != nil {
		fmt.Fprintf(w, "drift: %v\n", report.Drift)
	}

	modified := make(map[string]bool, len(report.Modified))
	for _, id := range report.Modified {
		modified[id.String()] = true
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tNAME\tSTATE\tAPPLIED ON\tID")
	for _, rec := range report.Applied {
		state := "applied"
		if modified[rec.ID.String()] {
			state = "applied (modified)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", rec.SeqOrder, rec.Name, state, rec.AppliedOn.Format(time.RFC3339), rec.ID)
	}
	for _, m := range report.Pending {
		fmt.Fprintf(tw, "%d\t%s\tpending\t-\t%s\n", m.SeqOrder, m.Name, m.ID)
	}
	tw.Flush()
}

func describe(rec *migration.Record) string {
	if rec == nil {
		return "none"
	}
	return fmt.Sprintf("seq=%d id=%s (%s)", rec.SeqOrder, rec.ID, rec.Name)
}
