package infra

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/pressly/goose/v3"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

//go:embed migrations/*.sql
var embedMigrations embed.FS

const journalDBName = "journal.db"

// SQLiteJournal implements domain.Journal on a SQLCipher encrypted database.
type SQLiteJournal struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteJournal opens (or creates) the journal in stateDir and applies
// pending migrations. The key is used as the SQLCipher passphrase.
func NewSQLiteJournal(stateDir string, key []byte) (*SQLiteJournal, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, journalDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	if err := migrateJournal(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db, dbPath: dbPath}, nil
}

// OpenJournal opens the journal in stateDir with its key from the default
// key store.
func OpenJournal(stateDir string) (*SQLiteJournal, error) {
	keys, err := DefaultJournalKeyStore()
	if err != nil {
		return nil, fmt.Errorf("failed to locate journal keys: %w", err)
	}
	return OpenJournalWithKey(stateDir, keys.For(stateDir))
}

// OpenJournalWithKey opens the journal in stateDir, creating its key on first
// use. When the key had to be created or replaced, an existing database is
// unreadable and is discarded so history starts over.
func OpenJournalWithKey(stateDir string, provider domain.KeyProvider) (*SQLiteJournal, error) {
	key, fresh, err := EnsureKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal key: %w", err)
	}
	if fresh {
		if err := removeJournal(stateDir); err != nil {
			return nil, err
		}
	}
	return NewSQLiteJournal(stateDir, key)
}

func removeJournal(stateDir string) error {
	base := filepath.Join(stateDir, journalDBName)
	for _, path := range []string{base, base + "-wal", base + "-shm", base + "-journal"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to discard unreadable journal: %w", err)
		}
	}
	return nil
}

func migrateJournal(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (j *SQLiteJournal) Path() string {
	return j.dbPath
}

// Record appends event. A zero At is stamped with the current time.
func (j *SQLiteJournal) Record(ctx context.Context, event domain.JournalEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (run_id, kind, pid, exit_code, file, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, string(event.Kind), event.PID, event.ExitCode, event.File, event.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", event.Kind, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.JournalEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, kind, pid, exit_code, file, at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JournalEvent
	for rows.Next() {
		var ev domain.JournalEvent
		var kind string
		var at int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &kind, &ev.PID, &ev.ExitCode, &ev.File, &at); err != nil {
			return nil, err
		}
		ev.Kind = domain.JournalKind(kind)
		ev.At = time.Unix(0, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Ensure SQLiteJournal implements domain.Journal.
var _ domain.Journal = (*SQLiteJournal)(nil)

// NopJournal discards every event. Used when the journal is disabled.
type NopJournal struct{}

func (NopJournal) Record(context.Context, domain.JournalEvent) error { return nil }

func (NopJournal) Recent(context.Context, int) ([]domain.JournalEvent, error) { return nil, nil }

func (NopJournal) Close() error { return nil }

var _ domain.Journal = NopJournal{}
