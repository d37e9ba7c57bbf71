package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/voltlink/db/migrations"
	"github.com/coachpo/voltlink/internal/infra/persistence/migrations"
)

const defaultMigrateTimeout = 30 * time.Second

// migrateCommand is "migrate [flags] up | down [steps] | status". The DSN defaults to the
// database section of the application config.
type migrateCommand struct {
	action  string
	steps   int
	dsn     string
	dir     string
	timeout time.Duration
}

func parseMigrate(args []string, configDSN string, output io.Writer) (migrateCommand, error) {
	cmd := migrateCommand{action: "", steps: 0, dsn: "", dir: "", timeout: 0}
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&cmd.dsn, "database", configDSN, "PostgreSQL DSN (default: database.dsn from the config)")
	flags.StringVar(&cmd.dir, "path", "", "Directory containing SQL migrations (default: the embedded set)")
	flags.DurationVar(&cmd.timeout, "timeout", defaultMigrateTimeout, "Maximum time for the whole run")
	if err := flags.Parse(args); err != nil {
		return cmd, err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return cmd, errors.New("migrate: command required (up, down or status)")
	}
	cmd.action = rest[0]
	switch cmd.action {
	case "up", "status":
		if len(rest) > 1 {
			return cmd, fmt.Errorf("migrate %s: unexpected argument %q", cmd.action, rest[1])
		}
	case "down":
		cmd.steps = 1
		if len(rest) > 2 {
			return cmd, fmt.Errorf("migrate down: unexpected argument %q", rest[2])
		}
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n < 1 {
				return cmd, fmt.Errorf("migrate down: steps must be a positive integer, got %q", rest[1])
			}
			cmd.steps = n
		}
	default:
		return cmd, fmt.Errorf("migrate: unknown command %q (expected up, down or status)", cmd.action)
	}
	if strings.TrimSpace(cmd.dsn) == "" {
		return cmd, errors.New("migrate: no database DSN in the config and -database not set")
	}
	if cmd.timeout <= 0 {
		return cmd, fmt.Errorf("migrate: timeout must be positive, got %s", cmd.timeout)
	}
	return cmd, nil
}

func (c migrateCommand) source() migrations.Source {
	if dir := strings.TrimSpace(c.dir); dir != "" {
		return migrations.Source{Dir: dir, FS: nil}
	}
	return migrations.Source{Dir: "", FS: dbmigrations.Files}
}

// run executes the command and writes the resulting schema status to out as one JSON line.
func (c migrateCommand) run(ctx context.Context, logger *zap.Logger, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		status migrations.Status
		err    error
	)
	switch c.action {
	case "up":
		status, err = migrations.Up(ctx, c.dsn, c.source(), logger)
	case "down":
		status, err = migrations.Down(ctx, c.dsn, c.source(), c.steps, logger)
	default:
		status, err = migrations.Inspect(ctx, c.dsn, c.source(), logger)
	}
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(status); err != nil {
		return fmt.Errorf("write migrate status: %w", err)
	}
	return nil
}
