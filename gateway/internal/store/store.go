// Package store opens the SQL database and hides the differences between
// the MySQL and Postgres dialects the gateway supports.
package store

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Supported driver names.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
)

// DSN builds the driver specific connection string.
func DSN(cfg *config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case MySQL, "":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database), nil
	case Postgres:
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode), nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDriver, "driver %q", cfg.Driver)
	}
}

// Open connects to the configured database and sizes its pool.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = MySQL
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// Migrate applies the embedded schema for the database's dialect.
// Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	name := "migrations/" + Dialect(db) + ".sql"
	raw, err := migrations.ReadFile(name)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply schema statement %.40q", stmt)
		}
	}
	return nil
}

// Dialect returns mysql or postgres for the handle's driver.
func Dialect(db *sqlx.DB) string {
	switch db.DriverName() {
	case Postgres, "pgx":
		return Postgres
	default:
		return MySQL
	}
}

// InsertIgnore builds an insert that silently skips rows conflicting on conflictCols.
// Placeholders are '?' and must be rebound by the caller.
func InsertIgnore(dialect, table string, cols []string, conflictCols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if dialect == Postgres {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(cols, ", "), ph, strings.Join(conflictCols, ", "))
	}
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), ph)
}

// UpsertAdd builds an insert that, on conflict, adds the new values of addCols
// to the stored ones.
func UpsertAdd(dialect, table string, cols []string, conflictCols []string, addCols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, len(addCols))
	if dialect == Postgres {
		for i, c := range addCols {
			sets[i] = fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", c, table, c, c)
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			table, strings.Join(cols, ", "), ph, strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
	}
	for i, c := range addCols {
		sets[i] = fmt.Sprintf("%s = %s + VALUES(%s)", c, c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), ph, strings.Join(sets, ", "))
}

// Error definitions
var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
