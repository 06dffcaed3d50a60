package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-intake/pkg/directory"
)

// JSONStore keeps each collection in its own JSON array file under a data
// directory. Writes go through a temp file and rename.
type JSONStore struct {
	dir     string
	entries []directory.Entry
	records []Record
	mu      sync.RWMutex

	now func() time.Time
}

const (
	entriesFile = "directory.json"
	recordsFile = "records.json"
)

// NewJSONStore opens (or creates) a store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	s := &JSONStore{dir: dir, now: time.Now}
	if err := readJSON(filepath.Join(dir, entriesFile), &s.entries); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, recordsFile), &s.records); err != nil {
		return nil, err
	}
	return s, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *JSONStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", name, err)
	}
	return nil
}

// ListEntries implements Store.
func (s *JSONStore) ListEntries(ctx context.Context) ([]directory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]directory.Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *JSONStore) entryIndex(id string) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// GetEntry implements Store.
func (s *JSONStore) GetEntry(ctx context.Context, id string) (directory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.entryIndex(id)
	if i < 0 {
		return directory.Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	return s.entries[i], nil
}

// CreateEntry implements Store. New entries go to the front of the list.
func (s *JSONStore) CreateEntry(ctx context.Context, e *directory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if s.entryIndex(e.ID) >= 0 {
		return fmt.Errorf("%w: entry %s", ErrDuplicate, e.ID)
	}

	next := append([]directory.Entry{*e}, s.entries...)
	if err := s.writeJSON(entriesFile, next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// UpdateEntry implements Store.
func (s *JSONStore) UpdateEntry(ctx context.Context, e directory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.entryIndex(e.ID)
	if i < 0 {
		return fmt.Errorf("%w: entry %s", ErrNotFound, e.ID)
	}
	next := make([]directory.Entry, len(s.entries))
	copy(next, s.entries)
	next[i] = e
	if err := s.writeJSON(entriesFile, next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// DeleteEntry implements Store.
func (s *JSONStore) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.entryIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	next := make([]directory.Entry, 0, len(s.entries)-1)
	next = append(next, s.entries[:i]...)
	next = append(next, s.entries[i+1:]...)
	if err := s.writeJSON(entriesFile, next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// SaveRecord implements Store. New records go to the front of the list.
func (s *JSONStore) SaveRecord(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if r.ID != "" && existing.ID == r.ID {
			return fmt.Errorf("%w: record %s", ErrDuplicate, r.ID)
		}
		if r.ToolCallID != "" && existing.ToolCallID == r.ToolCallID {
			return fmt.Errorf("%w: tool call %s", ErrDuplicate, r.ToolCallID)
		}
	}
	prepareRecord(r, uuid.NewString, s.now())

	next := append([]Record{*r}, s.records...)
	if err := s.writeJSON(recordsFile, next); err != nil {
		return err
	}
	s.records = next
	return nil
}

// ListRecords implements Store.
func (s *JSONStore) ListRecords(ctx context.Context, organizationID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if organizationID == "" || r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateRecordStatus implements Store.
func (s *JSONStore) UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.records {
		if r.ID != id {
			continue
		}
		next := make([]Record, len(s.records))
		copy(next, s.records)
		next[i].Status = status
		if err := s.writeJSON(recordsFile, next); err != nil {
			return Record{}, err
		}
		s.records = next
		return next[i], nil
	}
	return Record{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
}

// Summary implements Store.
func (s *JSONStore) Summary(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		Total:         len(s.records),
		Counts:        make(map[string]int),
		Organizations: len(s.entries),
	}
	for _, r := range s.records {
		sum.Counts[r.OrganizationID]++
	}
	return sum, nil
}

// Close implements Store. Every write is already on disk.
func (s *JSONStore) Close() error {
	return nil
}
