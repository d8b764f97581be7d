// Package storage persists mining sessions and payouts through
// database/sql. Postgres (lib/pq) is the production backend; SQLite
// (modernc.org/sqlite) serves local development and tests. Both run the
// same embedded migrations; files named *.postgres.sql only run on
// Postgres.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/mining"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Config struct {
	Driver string
	URL    string
	// Clock anchors leaderboard periods on SQLite. Defaults to the wall
	// clock.
	Clock clock.Clock
}

// Store implements mining.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	logger  *log.Entry
}

var _ mining.Store = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect := Dialect(cfg.Driver)
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("storage: database url is required")
	}

	db, err := sql.Open(string(dialect), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One connection serializes writers and keeps ":memory:"
		// databases alive for the lifetime of the pool.
		db.SetMaxOpenConns(1)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		clock:   clk,
		logger:  log.WithFields(log.Fields{"component": "storage", "dialect": dialect}),
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("storage: creating schema_migrations: %w", err)
	}

	files, err := migrationsFor(migrationFiles, s.dialect)
	if err != nil {
		return fmt.Errorf("storage: listing migrations: %w", err)
	}

	for _, file := range files {
		var applied bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, file).Scan(&applied); err != nil {
			return fmt.Errorf("storage: checking migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
		s.logger.WithField("version", file).Info("migration applied")
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, file string) error {
	body, err := migrationFiles.ReadFile(file)
	if err != nil {
		return fmt.Errorf("storage: reading migration %s: %w", file, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("storage: record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func migrationsFor(migFS fs.FS, dialect Dialect) ([]string, error) {
	entries, err := fs.Glob(migFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, name := range entries {
		if strings.HasSuffix(name, ".postgres.sql") && dialect != Postgres {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits a migration on semicolons that end a line.
func splitStatements(body string) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(body, "\n") {
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != ";" {
				out = append(out, stmt)
			}
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
