package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

type Database struct {
	db     *sql.DB
	driver string
}

// NewDatabase opens the task database and applies pending migrations. For
// sqlite3 target is a file path, for mysql a DSN.
func NewDatabase(driver, target string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(target); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = sql.Open(DriverSQLite, target+"?_journal_mode=WAL&_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	case DriverMySQL:
		cfg, perr := mysql.ParseDSN(target)
		if perr != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", perr)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		db, err = sql.Open(DriverMySQL, cfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	database := &Database{db: db, driver: driver}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return database, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Driver() string {
	return d.driver
}

type migration struct {
	version int
	sql     string
}

func (d *Database) migrations() []migration {
	if d.driver == DriverMySQL {
		return []migration{
			{1, `CREATE TABLE IF NOT EXISTS tasks (
				id VARCHAR(64) PRIMARY KEY,
				game_id BIGINT NOT NULL,
				kind VARCHAR(16) NOT NULL,
				reason VARCHAR(16) NOT NULL,
				state VARCHAR(16) NOT NULL,
				progress_fraction DOUBLE NOT NULL DEFAULT 0,
				progress_known BOOLEAN NOT NULL DEFAULT false,
				total_size BIGINT NOT NULL DEFAULT 0,
				bytes_transferred BIGINT NOT NULL DEFAULT 0,
				error_message TEXT,
				error_category VARCHAR(32) NOT NULL DEFAULT '',
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				started_at DATETIME(6) NULL,
				finished_at DATETIME(6) NULL
			)`},
			{2, `CREATE INDEX idx_tasks_game_id ON tasks(game_id)`},
			{3, `CREATE INDEX idx_tasks_state ON tasks(state)`},
			{4, `CREATE INDEX idx_tasks_finished_at ON tasks(finished_at)`},
			{5, `CREATE TABLE IF NOT EXISTS audit_log (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				task_id VARCHAR(64) NOT NULL,
				game_id BIGINT NOT NULL,
				action VARCHAR(32) NOT NULL,
				details TEXT,
				old_state VARCHAR(16) NOT NULL DEFAULT '',
				new_state VARCHAR(16) NOT NULL DEFAULT '',
				timestamp DATETIME(6) NOT NULL
			)`},
			{6, `CREATE INDEX idx_audit_task_id ON audit_log(task_id)`},
			{7, `CREATE INDEX idx_audit_timestamp ON audit_log(timestamp)`},
		}
	}

	return []migration{
		{1, `CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			game_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			state TEXT NOT NULL,
			progress_fraction REAL NOT NULL DEFAULT 0,
			progress_known INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0,
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			error_category TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`},
		{2, `CREATE INDEX IF NOT EXISTS idx_tasks_game_id ON tasks(game_id)`},
		{3, `CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`},
		{4, `CREATE INDEX IF NOT EXISTS idx_tasks_finished_at ON tasks(finished_at)`},
		{5, `CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			details TEXT,
			old_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL
		)`},
		{6, `CREATE INDEX IF NOT EXISTS idx_audit_task_id ON audit_log(task_id)`},
		{7, `CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`},
	}
}

func (d *Database) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range d.migrations() {
		var count int
		err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			continue
		}

		if _, err := d.db.Exec(m.sql); err != nil && !isDuplicateSchemaError(err) {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		_, err = d.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *Database) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := d.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// isDuplicateSchemaError reports errors from re-creating an existing column,
// table or index, which are safe to skip when a migration is replayed.
func isDuplicateSchemaError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1050, 1060, 1061: // table exists, duplicate column, duplicate key name
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}
