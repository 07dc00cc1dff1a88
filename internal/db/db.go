package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// DB is the SQLite store of scheduled experiments
type DB struct {
	*sql.DB
}

// Tx wraps sql.Tx so persistence operations can run inside a transaction
type Tx struct {
	*sql.Tx
}

// Config holds database settings
type Config struct {
	DSN            string        `toml:"dsn"`
	BusyTimeout    time.Duration `toml:"busy_timeout"`
	SkipMigrations bool          `toml:"skip_migrations"`
}

var (
	ErrNotFound  = errors.New("db: not found")
	ErrDuplicate = errors.New("db: duplicate key")
)

func DefaultConfig() Config {
	return Config{
		DSN:         "perfqueue.db",
		BusyTimeout: 5 * time.Second,
	}
}

// Open opens the SQLite database named by config.DSN. Foreign keys are
// enabled on every connection so duration history cascades with its
// experiment. The pool holds one connection: SQLite has a single writer and a
// :memory: database exists only within its connection.
func Open(config Config) (*DB, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN must be specified")
	}

	conn, err := sql.Open(driverName, connectionString(config))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open %s: %w", config.DSN, err)
	}

	return &DB{DB: conn}, nil
}

// connectionString appends the per-connection driver options to the DSN
func connectionString(config Config) string {
	params := []string{"_foreign_keys=1"}
	if config.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", config.BusyTimeout.Milliseconds()))
	}

	sep := "?"
	if strings.Contains(config.DSN, "?") {
		sep = "&"
	}
	return config.DSN + sep + strings.Join(params, "&")
}

// WithTransaction executes fn within a transaction.
// Commits when fn returns nil, rolls back otherwise.
func (db *DB) WithTransaction(fn func(*Tx) error) error {
	sqlTx, err := db.Begin()
	if err != nil {
		return err
	}
	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate reports whether err is ErrDuplicate or a SQLite primary key or
// unique constraint violation
func IsDuplicate(err error) bool {
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
