// Package store persists directory entries and collected records.
//
// Three backends share the Store interface: JSON files (the default, one
// file per collection), SQLite and Postgres. The SQL backends migrate their
// schema with goose on open.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/teslashibe/go-intake/internal/config"
	"github.com/teslashibe/go-intake/pkg/directory"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicate     = errors.New("store: duplicate")
	ErrInvalidStatus = errors.New("store: invalid status")
)

// Status is the review state of a record.
type Status string

// Record states. New records start as collected.
const (
	StatusCollected Status = "collected"
	StatusConfirmed Status = "confirmed"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCollected, StatusConfirmed, StatusArchived:
		return true
	}
	return false
}

// Record is a structured record collected during a call.
type Record struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organizationId"`
	LocationName     string    `json:"locationName"`
	OrganizationName string    `json:"organizationName"`
	SubjectName      string    `json:"subjectName"`
	SubjectBirthDate string    `json:"subjectBirthDate"`
	EffectiveUntil   string    `json:"effectiveUntil"`
	Status           Status    `json:"status"`
	SavedAt          time.Time `json:"savedAt"`
	ToolCallID       string    `json:"toolCallId,omitempty"`
}

// Missing returns the names of required content fields that are empty.
func (r Record) Missing() []string {
	fields := []struct {
		name, value string
	}{
		{"organizationId", r.OrganizationID},
		{"subjectName", r.SubjectName},
		{"subjectBirthDate", r.SubjectBirthDate},
		{"effectiveUntil", r.EffectiveUntil},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Summary aggregates record counts per organization.
type Summary struct {
	Total         int            `json:"total"`
	Counts        map[string]int `json:"counts"`
	Organizations int            `json:"organizations"`
}

// Store is implemented by every backend.
type Store interface {
	// ListEntries returns the directory, newest first.
	ListEntries(ctx context.Context) ([]directory.Entry, error)
	// GetEntry returns ErrNotFound for unknown ids.
	GetEntry(ctx context.Context, id string) (directory.Entry, error)
	// CreateEntry assigns an id when empty. ErrDuplicate if the id exists.
	CreateEntry(ctx context.Context, e *directory.Entry) error
	// UpdateEntry replaces an entry. ErrNotFound for unknown ids.
	UpdateEntry(ctx context.Context, e directory.Entry) error
	// DeleteEntry removes an entry. ErrNotFound for unknown ids.
	DeleteEntry(ctx context.Context, id string) error

	// SaveRecord assigns id, status and savedAt when empty. A record whose
	// ToolCallID was already saved returns ErrDuplicate and is not stored.
	SaveRecord(ctx context.Context, r *Record) error
	// ListRecords returns records newest first, optionally for one organization.
	ListRecords(ctx context.Context, organizationID string) ([]Record, error)
	// UpdateRecordStatus changes only the status of a record.
	UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error)
	// Summary counts records per organization.
	Summary(ctx context.Context) (Summary, error)

	Close() error
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreJSON, "":
		return NewJSONStore(cfg.DataDir)
	case config.StoreSQLite:
		return NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "intake.db"))
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// prepareRecord fills defaults shared by all backends.
func prepareRecord(r *Record, newID func() string, now time.Time) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = StatusCollected
	}
	if r.SavedAt.IsZero() {
		r.SavedAt = now.UTC().Truncate(time.Microsecond)
	}
}
