// Package directory holds the reference list of organizations a caller may
// name and the matching rules used to validate submitted records.
package directory

import (
	"fmt"
	"strings"
)

// Entry is one organization in the reference directory.
type Entry struct {
	ID               string `json:"id"`
	OrganizationName string `json:"organizationName"`
	LocationName     string `json:"locationName"`
	ContactEmail     string `json:"contactEmail,omitempty"`
}

// Missing returns the names of required fields that are empty.
func (e Entry) Missing() []string {
	var missing []string
	if strings.TrimSpace(e.OrganizationName) == "" {
		missing = append(missing, "organizationName")
	}
	if strings.TrimSpace(e.LocationName) == "" {
		missing = append(missing, "locationName")
	}
	return missing
}

// Snapshot is a read-only view of the directory taken when a session
// starts. Matching against it never touches storage.
type Snapshot struct {
	entries []Entry
	norm    *Normalizer
	keys    []matchKey
}

type matchKey struct {
	location     string
	organization string
}

// NewSnapshot copies entries and precomputes their normalized keys.
// A nil normalizer uses the default.
func NewSnapshot(entries []Entry, norm *Normalizer) *Snapshot {
	if norm == nil {
		norm = DefaultNormalizer()
	}
	s := &Snapshot{
		entries: make([]Entry, len(entries)),
		norm:    norm,
		keys:    make([]matchKey, len(entries)),
	}
	copy(s.entries, entries)
	for i, e := range s.entries {
		s.keys[i] = matchKey{
			location:     norm.Normalize(e.LocationName),
			organization: norm.Normalize(e.OrganizationName),
		}
	}
	return s
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the entries.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Match returns the first entry whose normalized location and organization
// both equal the normalized inputs. Partial matches do not count.
func (s *Snapshot) Match(location, organization string) (Entry, bool) {
	loc := s.norm.Normalize(location)
	org := s.norm.Normalize(organization)
	if loc == "" || org == "" {
		return Entry{}, false
	}
	for i, k := range s.keys {
		if k.location == loc && k.organization == org {
			return s.entries[i], true
		}
	}
	return Entry{}, false
}

// Describe renders the directory as a bullet list for agent instructions.
func (s *Snapshot) Describe() string {
	if len(s.entries) == 0 {
		return "- (no organizations registered)"
	}
	var b strings.Builder
	for i, e := range s.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s)", e.OrganizationName, e.LocationName)
	}
	return b.String()
}
