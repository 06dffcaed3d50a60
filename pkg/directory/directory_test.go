package directory

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	n := DefaultNormalizer()
	tests := []struct {
		in, want string
	}{
		{"Lincoln School", "lincoln school"},
		{"  Lincoln   School ", "lincoln school"},
		{"LINCOLN\tSCHOOL", "lincoln school"},
		{"München", "munchen"},
		{"MÜNCHEN", "munchen"},
		{"Straße", "strasse"},
		{"Café Crème", "cafe creme"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := n.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewNormalizerBadTag(t *testing.T) {
	n := NewNormalizer("not a tag!!")
	if got := n.Normalize("ABC"); got != "abc" {
		t.Errorf("fallback normalizer = %q", got)
	}
}

func seed() []Entry {
	return []Entry{
		{ID: "s1", OrganizationName: "Lincoln School", LocationName: "Springfield"},
		{ID: "s2", OrganizationName: "Grundschule am Park", LocationName: "München"},
		{ID: "s3", OrganizationName: "Lincoln School", LocationName: "Shelbyville"},
	}
}

func TestSnapshotMatch(t *testing.T) {
	snap := NewSnapshot(seed(), nil)

	tests := []struct {
		name         string
		location     string
		organization string
		wantID       string
		ok           bool
	}{
		{"exact", "Springfield", "Lincoln School", "s1", true},
		{"case and spaces", " springfield ", "LINCOLN  school", "s1", true},
		{"diacritics", "Munchen", "grundschule am park", "s2", true},
		{"same org other city", "Shelbyville", "Lincoln School", "s3", true},
		{"partial org", "Springfield", "Lincoln", "", false},
		{"wrong city", "Capital City", "Lincoln School", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := snap.Match(tt.location, tt.organization)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got.ID != tt.wantID {
				t.Errorf("id = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestSnapshotIsolatedFromSource(t *testing.T) {
	entries := seed()
	snap := NewSnapshot(entries, nil)
	entries[0].LocationName = "Elsewhere"

	if _, ok := snap.Match("Springfield", "Lincoln School"); !ok {
		t.Error("snapshot should not see later mutations")
	}
	out := snap.Entries()
	out[0].ID = "changed"
	if snap.Entries()[0].ID != "s1" {
		t.Error("Entries must return a copy")
	}
}

func TestDescribe(t *testing.T) {
	got := NewSnapshot(seed()[:2], nil).Describe()
	want := "- Lincoln School (Springfield)\n- Grundschule am Park (München)"
	if got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
	if !strings.Contains(NewSnapshot(nil, nil).Describe(), "no organizations") {
		t.Error("empty describe should say so")
	}
}

func TestEntryMissing(t *testing.T) {
	missing := Entry{OrganizationName: " "}.Missing()
	if len(missing) != 2 {
		t.Errorf("missing = %v", missing)
	}
	if len(seed()[0].Missing()) != 0 {
		t.Error("complete entry reports missing fields")
	}
}
