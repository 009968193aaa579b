package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline, including waiting for the migration lock")
	flag.Parse()

	cfg, err := config.LoadFromEnv("chatsql-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.DSN == "" {
		fmt.Fprintln(os.Stderr, "CHATSQL_STORE_DSN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, cfg.Store.DSN, *direction, *steps, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migration %s failed: %v\n", *direction, err)
		if errors.Is(err, migrations.ErrDrift) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, direction string, steps int, out io.Writer) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	runner := migrations.NewRunner()
	switch direction {
	case "up":
		applied, err := runner.Up(ctx, db, steps)
		for _, item := range applied {
			fmt.Fprintf(out, "applied %06d_%s\n", item.Version, item.Name)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d migration(s)\n", len(applied))
	case "down":
		rolledBack, err := runner.Down(ctx, db, steps)
		for _, item := range rolledBack {
			fmt.Fprintf(out, "rolled back %06d_%s\n", item.Version, item.Name)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rolled back %d migration(s)\n", len(rolledBack))
	case "status":
		rows, err := runner.Status(ctx, db)
		if err != nil {
			return err
		}
		return writeStatus(out, rows)
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
	return nil
}

func writeStatus(out io.Writer, rows []migrations.Status) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, row := range rows {
		state, appliedAt := "pending", "-"
		if row.Applied {
			state = "applied"
			appliedAt = row.AppliedAt.UTC().Format(time.RFC3339)
		}
		if row.Drifted {
			state = "drifted"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\t%s\n", row.Version, row.Name, state, appliedAt)
	}
	return tw.Flush()
}
