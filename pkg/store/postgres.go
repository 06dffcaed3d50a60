package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/teslashibe/go-intake/pkg/directory"
)

// PostgresStore persists through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sql.DB // goose only
	now  func() time.Time
}

// NewPostgresStore connects to url and migrates the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, goose.DialectPostgres, "postgres"); err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, db: db, now: time.Now}, nil
}

const pgUniqueViolation = "23505"

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ListEntries implements Store.
func (s *PostgresStore) ListEntries(ctx context.Context) ([]directory.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_name, location_name, contact_email
		FROM directory_entries
		ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (directory.Entry, error) {
		var e directory.Entry
		err := row.Scan(&e.ID, &e.OrganizationName, &e.LocationName, &e.ContactEmail)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan entries: %w", err)
	}
	return entries, nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, id string) (directory.Entry, error) {
	var e directory.Entry
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_name, location_name, contact_email
		FROM directory_entries WHERE id = $1`, id,
	).Scan(&e.ID, &e.OrganizationName, &e.LocationName, &e.ContactEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return directory.Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return directory.Entry{}, fmt.Errorf("store: get entry: %w", err)
	}
	return e, nil
}

// CreateEntry implements Store.
func (s *PostgresStore) CreateEntry(ctx context.Context, e *directory.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directory_entries (id, organization_name, location_name, contact_email, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.OrganizationName, e.LocationName, e.ContactEmail, s.now().UTC())
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%w: entry %s", ErrDuplicate, e.ID)
	}
	if err != nil {
		return fmt.Errorf("store: create entry: %w", err)
	}
	return nil
}

// UpdateEntry implements Store.
func (s *PostgresStore) UpdateEntry(ctx context.Context, e directory.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE directory_entries
		SET organization_name = $2, location_name = $3, contact_email = $4
		WHERE id = $1`,
		e.ID, e.OrganizationName, e.LocationName, e.ContactEmail)
	if err != nil {
		return fmt.Errorf("store: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s", ErrNotFound, e.ID)
	}
	return nil
}

// DeleteEntry implements Store.
func (s *PostgresStore) DeleteEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM directory_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	return nil
}

// SaveRecord implements Store.
func (s *PostgresStore) SaveRecord(ctx context.Context, r *Record) error {
	prepareRecord(r, uuid.NewString, s.now())

	var toolCallID *string
	if r.ToolCallID != "" {
		toolCallID = &r.ToolCallID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (id, organization_id, location_name, organization_name,
			subject_name, subject_birth_date, effective_until, status, saved_at, tool_call_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.OrganizationID, r.LocationName, r.OrganizationName,
		r.SubjectName, r.SubjectBirthDate, r.EffectiveUntil, string(r.Status),
		r.SavedAt, toolCallID)
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%w: record %s", ErrDuplicate, r.ToolCallID)
	}
	if err != nil {
		return fmt.Errorf("store: save record: %w", err)
	}
	return nil
}

const pgRecordColumns = `id, organization_id, location_name, organization_name,
	subject_name, subject_birth_date, effective_until, status, saved_at, COALESCE(tool_call_id, '')`

func scanPgRecord(row pgx.Row) (Record, error) {
	var (
		r      Record
		status string
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.LocationName, &r.OrganizationName,
		&r.SubjectName, &r.SubjectBirthDate, &r.EffectiveUntil, &status, &r.SavedAt, &r.ToolCallID)
	r.Status = Status(status)
	return r, err
}

// ListRecords implements Store.
func (s *PostgresStore) ListRecords(ctx context.Context, organizationID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRecordColumns+`
		FROM records
		WHERE $1 = '' OR organization_id = $1
		ORDER BY saved_at DESC, id`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanPgRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan records: %w", err)
	}
	return records, nil
}

// UpdateRecordStatus implements Store.
func (s *PostgresStore) UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r, err := scanPgRecord(s.pool.QueryRow(ctx, `
		UPDATE records SET status = $2 WHERE id = $1
		RETURNING `+pgRecordColumns, id, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: update status: %w", err)
	}
	return r, nil
}

// Summary implements Store.
func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Counts: make(map[string]int)}

	rows, err := s.pool.Query(ctx, `SELECT organization_id, COUNT(*) FROM records GROUP BY organization_id`)
	if err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}
	var (
		id string
		n  int
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &n}, func() error {
		sum.Counts[id] = n
		sum.Total += n
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM directory_entries`).Scan(&sum.Organizations); err != nil {
		return Summary{}, fmt.Errorf("store: summary: %w", err)
	}
	return sum, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}
