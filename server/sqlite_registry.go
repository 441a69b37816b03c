package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	description       TEXT    NOT NULL DEFAULT '',
	storage_key       TEXT    NOT NULL UNIQUE,
	original_filename TEXT    NOT NULL,
	content_type      TEXT    NOT NULL,
	size_bytes        INTEGER NOT NULL CHECK (size_bytes > 0),
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS uploads_created_at ON uploads (created_at DESC, id DESC);
`

// The clamp keeps created_at monotonic with id: SQLite serializes writers,
// so the subquery and insert see the same table state.
const sqliteInsert = `
INSERT INTO uploads (description, storage_key, original_filename, content_type, size_bytes, created_at)
VALUES (?, ?, ?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at) FROM uploads), 0)))
RETURNING id, created_at`

const sqliteColumns = `id, description, storage_key, original_filename, content_type, size_bytes, created_at`

// SQLiteRegistry implements the Registry interface on an embedded SQLite
// database. IDs come from AUTOINCREMENT, so they are never reused even after
// deletes.
type SQLiteRegistry struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteRegistry opens (creating if needed) the database at path and
// ensures the uploads table exists
func NewSQLiteRegistry(ctx context.Context, path string, maxConnections int) (*SQLiteRegistry, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if maxConnections <= 0 {
		maxConnections = 5
	}
	db.SetMaxOpenConns(maxConnections)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create uploads table: %w", err)
	}

	log.WithField("path", path).Info("SQLite registry opened")
	return &SQLiteRegistry{db: db, path: path, now: time.Now}, nil
}

// Insert adds a record and returns it with its assigned ID and creation time
func (r *SQLiteRegistry) Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}

	stored := copyRecord(record)
	var createdAt int64
	err := r.db.QueryRowContext(ctx, sqliteInsert,
		record.Description,
		record.StorageKey,
		record.OriginalFilename,
		record.ContentType,
		record.SizeBytes,
		r.now().UnixNano(),
	).Scan(&stored.ID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert upload: %w", err)
	}
	stored.CreatedAt = timestamp(createdAt)

	return stored, nil
}

// List returns records newest-first, strictly after cursor
func (r *SQLiteRegistry) List(ctx context.Context, pageSize int, cursor string) (*Page, error) {
	pageSize = normalizePageSize(pageSize)
	pos, hasCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if hasCursor {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM uploads
			WHERE created_at < ? OR (created_at = ? AND id < ?)
			ORDER BY created_at DESC, id DESC LIMIT ?`,
			pos.createdAt, pos.createdAt, pos.id, pageSize+1)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM uploads
			ORDER BY created_at DESC, id DESC LIMIT ?`,
			pageSize+1)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	records := make([]*UploadRecord, 0, pageSize+1)
	for rows.Next() {
		record, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read uploads: %w", err)
	}

	return newPage(records, pageSize), nil
}

// Get retrieves a record by ID
func (r *SQLiteRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM uploads WHERE id = ?`, id)
	record, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes a record
func (r *SQLiteRegistry) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete upload %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database
func (r *SQLiteRegistry) Close(ctx context.Context) error {
	log.WithField("path", r.path).Info("SQLite registry closed")
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*UploadRecord, error) {
	var record UploadRecord
	var createdAt int64
	err := row.Scan(
		&record.ID,
		&record.Description,
		&record.StorageKey,
		&record.OriginalFilename,
		&record.ContentType,
		&record.SizeBytes,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}
	record.CreatedAt = timestamp(createdAt)
	return &record, nil
}
