package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/bootguard/pkg/models"
)

// SQLiteStore keeps snapshots in a SQLite file so they survive the reset
// that follows a capture
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the snapshot database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets `bootguard faults` read while a simulated device is writing
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		fault TEXT NOT NULL,
		detail TEXT,
		stack TEXT NOT NULL,
		r0 INTEGER NOT NULL,
		r1 INTEGER NOT NULL,
		r2 INTEGER NOT NULL,
		r3 INTEGER NOT NULL,
		r12 INTEGER NOT NULL,
		lr INTEGER NOT NULL,
		pc INTEGER NOT NULL,
		psr INTEGER NOT NULL,
		captured_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_boot ON snapshots(boot_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const snapshotColumns = `id, boot_id, fault, detail, stack, r0, r1, r2, r3, r12, lr, pc, psr, captured_at`

// Save inserts a snapshot and sets its ID
func (s *SQLiteStore) Save(snap *models.RegisterSnapshot) error {
	res, err := s.db.Exec(`
		INSERT INTO snapshots
		(boot_id, fault, detail, stack, r0, r1, r2, r3, r12, lr, pc, psr, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.BootID, string(snap.Fault), snap.Detail, snap.Stack,
		snap.R0, snap.R1, snap.R2, snap.R3, snap.R12, snap.LR, snap.PC, snap.PSR,
		snap.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

// List returns snapshots newest first
func (s *SQLiteStore) List(limit int) ([]models.RegisterSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Latest returns the most recent snapshot
func (s *SQLiteStore) Latest() (models.RegisterSnapshot, error) {
	row := s.db.QueryRow(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return models.RegisterSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.RegisterSnapshot{}, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	return snap, nil
}

// ListByBoot returns the snapshots of one boot session, oldest first
func (s *SQLiteStore) ListByBoot(bootID string) ([]models.RegisterSnapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots WHERE boot_id = ? ORDER BY id ASC`, bootID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for boot %s: %w", bootID, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (models.RegisterSnapshot, error) {
	var snap models.RegisterSnapshot
	var fault string
	var detail sql.NullString
	err := row.Scan(&snap.ID, &snap.BootID, &fault, &detail, &snap.Stack,
		&snap.R0, &snap.R1, &snap.R2, &snap.R3, &snap.R12, &snap.LR, &snap.PC, &snap.PSR,
		&snap.CapturedAt)
	if err != nil {
		return models.RegisterSnapshot{}, err
	}
	snap.Fault = models.FaultKind(fault)
	snap.Detail = detail.String
	return snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]models.RegisterSnapshot, error) {
	var out []models.RegisterSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
