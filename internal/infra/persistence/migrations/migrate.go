// Package migrations runs the connector schema migrations through golang-migrate and reports where
// the schema stands against the migration set.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("down steps must be positive")
	errNoSource     = errors.New("migrations source requires a directory or an embedded filesystem")

	runsCounter   metric.Int64Counter
	runsCounterMu sync.Once
)

// Source locates migration files. Dir wins over FS when both are set.
type Source struct {
	Dir string
	FS  fs.FS
}

// Status is the schema position against a migration source.
type Status struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Latest  uint   `json:"latest"`
	Pending []uint `json:"pending,omitempty"`
}

// Current reports whether the schema is clean and has every migration applied.
func (s Status) Current() bool { return !s.Dirty && len(s.Pending) == 0 }

type action string

const (
	actionUp      action = "up"
	actionDown    action = "down"
	actionInspect action = "status"
)

// Up applies every pending migration. A nil logger disables logging.
func Up(ctx context.Context, dsn string, src Source, logger *zap.Logger) (Status, error) {
	return execute(ctx, dsn, src, actionUp, 0, logger)
}

// Down reverts the newest steps migrations.
func Down(ctx context.Context, dsn string, src Source, steps int, logger *zap.Logger) (Status, error) {
	if steps <= 0 {
		return Status{}, errInvalidSteps
	}
	return execute(ctx, dsn, src, actionDown, steps, logger)
}

// Inspect reports the schema status without changing it.
func Inspect(ctx context.Context, dsn string, src Source, logger *zap.Logger) (Status, error) {
	return execute(ctx, dsn, src, actionInspect, 0, logger)
}

func execute(ctx context.Context, dsn string, src Source, act action, steps int, logger *zap.Logger) (Status, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files, label, err := openSource(src)
	if err != nil {
		return Status{}, err
	}
	logger = logger.With(zap.String("source", label), zap.String("action", string(act)))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = files.Close()
		return Status{}, fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		_ = files.Close()
		return Status{}, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = files.Close()
		return Status{}, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance(label, files, "pgx5", driver)
	if err != nil {
		_ = files.Close()
		return Status{}, fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}()

	if act != actionInspect {
		if err := step(ctx, m, act, steps, logger); err != nil {
			return Status{}, err
		}
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, fmt.Errorf("read schema version: %w", err)
	}
	status, err := plan(files, version, dirty)
	if err != nil {
		return Status{}, err
	}
	logger.Info("database schema status",
		zap.Uint("version", status.Version),
		zap.Uint("latest", status.Latest),
		zap.Int("pending", len(status.Pending)),
		zap.Bool("dirty", status.Dirty))
	return status, nil
}

func step(ctx context.Context, m *migrate.Migrate, act action, steps int, logger *zap.Logger) error {
	logger.Info("running database migrations", zap.Int("steps", steps))
	var err error
	if act == actionDown {
		err = m.Steps(-steps)
	} else {
		err = m.Up()
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		recordRun(ctx, act, "noop")
		logger.Info("database migrations up-to-date")
		return nil
	case err != nil:
		recordRun(ctx, act, "failed")
		return fmt.Errorf("%s migrations: %w", act, err)
	default:
		recordRun(ctx, act, "applied")
		return nil
	}
}

// plan walks the source's versions in order and lists those above version.
func plan(files source.Driver, version uint, dirty bool) (Status, error) {
	status := Status{Version: version, Dirty: dirty, Latest: 0, Pending: nil}
	v, err := files.First()
	for err == nil {
		status.Latest = v
		if v > version {
			status.Pending = append(status.Pending, v)
		}
		v, err = files.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Status{}, fmt.Errorf("list migrations: %w", err)
	}
	return status, nil
}

func openSource(src Source) (source.Driver, string, error) {
	if strings.TrimSpace(src.Dir) != "" {
		resolved, err := resolveDir(src.Dir)
		if err != nil {
			return nil, "", err
		}
		driver, err := source.Open(fileURL(resolved))
		if err != nil {
			return nil, "", fmt.Errorf("open migrations directory: %w", err)
		}
		return driver, resolved, nil
	}
	if src.FS == nil {
		return nil, "", errNoSource
	}
	driver, err := iofs.New(src.FS, ".")
	if err != nil {
		return nil, "", fmt.Errorf("open embedded migrations: %w", err)
	}
	return driver, "embedded", nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

func recordRun(ctx context.Context, act action, result string) {
	runsCounterMu.Do(func() {
		counter, err := otel.Meter("persistence.migrations").Int64Counter("db.migrations",
			metric.WithDescription("Schema migration runs by action and outcome"),
			metric.WithUnit("{run}"))
		if err == nil {
			runsCounter = counter
		}
	})
	if runsCounter == nil {
		return
	}
	runsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(string(act)),
		telemetry.AttrResult.String(result),
	))
}
