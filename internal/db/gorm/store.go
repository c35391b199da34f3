// Package gorm provides the GORM-based state database for skill-mill.
package gorm

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver for the DSN backend
	_ "github.com/mattn/go-sqlite3"    // SQLite driver with FTS5 support
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Backend names reported by Store.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store represents the state database connection.
type Store struct {
	DB      *gorm.DB
	sqlDB   *sql.DB // For FTS5 operations that require raw SQL
	backend string
}

// Config holds database configuration. A non-empty PostgresDSN selects
// the Postgres backend; otherwise Path names the SQLite database file.
type Config struct {
	Path        string
	PostgresDSN string
	MaxConns    int             // Maximum number of open connections (default: 4)
	LogLevel    logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the configured backend and runs migrations. For SQLite,
// WAL mode and foreign keys are enabled via pragmas for concurrent reads.
func NewStore(cfg Config) (*Store, error) {
	var (
		sqlDB   *sql.DB
		dial    gorm.Dialector
		backend string
		err     error
	)

	if cfg.PostgresDSN != "" {
		backend = BackendPostgres
		sqlDB, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dial = postgres.New(postgres.Config{Conn: sqlDB})
	} else {
		backend = BackendSQLite
		// Use sqlite3 driver (mattn/go-sqlite3) which has FTS5 support;
		// foreign keys enabled in the DSN.
		sqlDB, err = sql.Open("sqlite3", cfg.Path+"?_foreign_keys=ON")
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		dial = sqlite.Dialector{Conn: sqlDB}
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
		// PrepareStmt enables prepared statement caching for performance
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		DB:      db,
		sqlDB:   sqlDB,
		backend: backend,
	}

	// Migrations run before the PRAGMA commands.
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if backend == BackendSQLite {
		// Raw sqlDB avoids GORM transaction issues with pragmas.
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			return nil, fmt.Errorf("set synchronous mode: %w", err)
		}
		// Busy timeout lets SQLite retry when the database is locked
		// instead of failing immediately on concurrent writes.
		if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Backend reports which backend the store was opened with.
func (s *Store) Backend() string {
	return s.backend
}

// GetRawDB returns the underlying *sql.DB for operations GORM can't
// handle, such as FTS5 MATCH queries.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// GetDB returns the GORM DB instance for standard queries.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}
