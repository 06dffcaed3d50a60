package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-intake/pkg/directory"
)

// SQLiteStore persists to a single SQLite file through modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens path (":memory:" works for tests) and migrates it.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s %w", pragma, err)
		}
	}
	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Fixed width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// ListEntries implements Store.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]directory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_name, location_name, contact_email
		FROM directory_entries
		ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer rows.Close()

	entries := []directory.Entry{}
	for rows.Next() {
		var e directory.Entry
		if err := rows.Scan(&e.ID, &e.OrganizationName, &e.LocationName, &e.ContactEmail); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntry implements Store.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (directory.Entry, error) {
	var e directory.Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_name, location_name, contact_email
		FROM directory_entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.OrganizationName, &e.LocationName, &e.ContactEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return directory.Entry{}, fmt.Errorf("store: get entry: %w", err)
	}
	return e, nil
}

// CreateEntry implements Store.
func (s *SQLiteStore) CreateEntry(ctx context.Context, e *directory.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_entries (id, organization_name, location_name, contact_email, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationName, e.LocationName, e.ContactEmail, s.now().UTC().Format(sqliteTime))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: entry %s", ErrDuplicate, e.ID)
	}
	if err != nil {
		return fmt.Errorf("store: create entry: %w", err)
	}
	return nil
}

// UpdateEntry implements Store.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, e directory.Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE directory_entries
		SET organization_name = ?, location_name = ?, contact_email = ?
		WHERE id = ?`,
		e.OrganizationName, e.LocationName, e.ContactEmail, e.ID)
	if err != nil {
		return fmt.Errorf("store: update entry: %w", err)
	}
	return requireRow(res, "entry", e.ID)
}

// DeleteEntry implements Store.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM directory_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete entry: %w", err)
	}
	return requireRow(res, "entry", id)
}

// SaveRecord implements Store.
func (s *SQLiteStore) SaveRecord(ctx context.Context, r *Record) error {
	prepareRecord(r, uuid.NewString, s.now())

	var toolCallID any
	if r.ToolCallID != "" {
		toolCallID = r.ToolCallID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, organization_id, location_name, organization_name,
			subject_name, subject_birth_date, effective_until, status, saved_at, tool_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrganizationID, r.LocationName, r.OrganizationName,
		r.SubjectName, r.SubjectBirthDate, r.EffectiveUntil, string(r.Status),
		r.SavedAt.UTC().Format(sqliteTime), toolCallID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: record %s", ErrDuplicate, r.ToolCallID)
	}
	if err != nil {
		return fmt.Errorf("store: save record: %w", err)
	}
	return nil
}

const sqliteRecordColumns = `id, organization_id, location_name, organization_name,
	subject_name, subject_birth_date, effective_until, status, saved_at, COALESCE(tool_call_id, '')`

func scanSQLiteRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r       Record
		status  string
		savedAt string
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.LocationName, &r.OrganizationName,
		&r.SubjectName, &r.SubjectBirthDate, &r.EffectiveUntil, &status, &savedAt, &r.ToolCallID)
	if err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	if r.SavedAt, err = time.Parse(sqliteTime, savedAt); err != nil {
		return Record{}, fmt.Errorf("store: parse saved_at: %w", err)
	}
	return r, nil
}

// ListRecords implements Store.
func (s *SQLiteStore) ListRecords(ctx context.Context, organizationID string) ([]Record, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY saved_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpdateRecordStatus implements Store.
func (s *SQLiteStore) UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE records SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return Record{}, fmt.Errorf("store: update status: %w", err)
	}
	if err := requireRow(res, "record", id); err != nil {
		return Record{}, err
	}
	return scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE id = ?`, id))
}

// Summary implements Store.
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Counts: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT organization_id, COUNT(*) FROM records GROUP BY organization_id`)
	if err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return Summary{}, fmt.Errorf("store: summary: %w", err)
		}
		sum.Counts[id] = n
		sum.Total += n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM directory_entries`).Scan(&sum.Organizations); err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}
	return sum, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
