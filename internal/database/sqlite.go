package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modman/internal/database/migrations"
	"modman/internal/modman"
	"modman/internal/modpack"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStateStore implements modman.StateStore on a SQLite database kept in
// the location's backup folder.
type SQLiteStateStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStateStore opens the database at path and brings its schema up
// to date. path can be ":memory:".
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStateStore{db: db, path: path}, nil
}

// NewSQLiteStateStoreFromDB wraps an existing connection. The schema must
// already be applied.
func NewSQLiteStateStoreFromDB(db *sql.DB) *SQLiteStateStore {
	return &SQLiteStateStore{db: db}
}

// OpenConnection opens a SQLite database with foreign keys enforced.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection, and an in-memory database exists only on
	// the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Backup records

func (s *SQLiteStateStore) ListRecords() ([]*modman.BackupRecord, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash, ident, seq, installed_at FROM backup_records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing backup records: %w", err)
	}
	var recs []*modman.BackupRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing backup records: %w", err)
	}

	for _, rec := range recs {
		if err := s.loadEntries(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *SQLiteStateStore) FindRecord(hash uint64) (*modman.BackupRecord, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hash, ident, seq, installed_at FROM backup_records WHERE hash = ?`, int64(hash))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	if err := s.loadEntries(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*modman.BackupRecord, error) {
	var (
		rec  modman.BackupRecord
		hash int64
	)
	if err := row.Scan(&rec.ID, &hash, &rec.Package.Name, &rec.Seq, &rec.InstalledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("reading backup record: %w", err)
	}
	rec.Package = modpack.Identity{Hash: uint64(hash), Name: rec.Package.Name}
	return &rec, nil
}

func (s *SQLiteStateStore) loadEntries(ctx context.Context, rec *modman.BackupRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, is_dir, existed, blob_id, mode FROM backup_entries
		 WHERE record_id = ? ORDER BY position`, rec.ID)
	if err != nil {
		return fmt.Errorf("listing backup entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e modman.BackupEntry
		if err := rows.Scan(&e.Path, &e.IsDir, &e.Existed, &e.BlobID, &e.Mode); err != nil {
			return fmt.Errorf("reading backup entry: %w", err)
		}
		rec.Entries = append(rec.Entries, e)
	}
	return rows.Err()
}

func (s *SQLiteStateStore) CommitInstall(rec *modman.BackupRecord) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM backup_records`).Scan(&seq); err != nil {
		return fmt.Errorf("allocating install sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backup_records (id, hash, ident, seq, installed_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Package.Hash), rec.Package.Name, seq, rec.InstalledAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting backup record: %w", err)
	}
	for i, e := range rec.Entries {
		if err := insertEntry(ctx, tx, rec.ID, i, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	rec.Seq = seq
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, recordID string, position int, e modman.BackupEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO backup_entries (record_id, position, path, is_dir, existed, blob_id, mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recordID, position, e.Path, e.IsDir, e.Existed, e.BlobID, e.Mode)
	if err != nil {
		return fmt.Errorf("inserting backup entry %s: %w", e.Path, err)
	}
	return nil
}

func (s *SQLiteStateStore) CommitUninstall(recordID string, transfers []modman.Transfer) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range transfers {
		res, err := tx.ExecContext(ctx,
			`UPDATE backup_entries SET is_dir = ?, existed = ?, blob_id = ?, mode = ?
			 WHERE record_id = ? AND path = ?`,
			t.Entry.IsDir, t.Entry.Existed, t.Entry.BlobID, t.Entry.Mode, t.RecordID, t.Entry.Path)
		if err != nil {
			return fmt.Errorf("transferring backup entry %s: %w", t.Entry.Path, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		// The owner wrote below a directory we created but not the
		// directory itself; it takes over the entry.
		var pos int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MIN(position), 0) - 1 FROM backup_entries WHERE record_id = ?`,
			t.RecordID).Scan(&pos); err != nil {
			return fmt.Errorf("transferring backup entry %s: %w", t.Entry.Path, err)
		}
		if err := insertEntry(ctx, tx, t.RecordID, pos, t.Entry); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_records WHERE id = ?`, recordID); err != nil {
		return fmt.Errorf("deleting backup record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) BlobReferenced(blobID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_entries WHERE blob_id = ?`, blobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking blob reference: %w", err)
	}
	return n > 0, nil
}

// Meta values

func (s *SQLiteStateStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO state_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStateStore) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM state_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}
	return v, nil
}

// Operation tracking

func (s *SQLiteStateStore) CreateOperation(operation, parameters string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		startedAt.UTC(), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return id, nil
}

func (s *SQLiteStateStore) FinishOperation(id int64, status string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations first.
func (s *SQLiteStateStore) ListOperations(limit int) ([]*modman.Operation, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, parameters, status, started_at, finished_at
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*modman.Operation
	for rows.Next() {
		var (
			op       modman.Operation
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("reading operation: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStateStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStateStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath.
func (s *SQLiteStateStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ modman.StateStore = (*SQLiteStateStore)(nil)
