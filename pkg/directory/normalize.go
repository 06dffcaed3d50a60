package directory

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer folds free-text names into comparison keys: locale-aware
// lower casing, full case folding, diacritic removal and whitespace
// collapse. "  MÜNCHEN " and "munchen" produce the same key.
type Normalizer struct {
	tag language.Tag
}

// NewNormalizer builds a normalizer for a BCP 47 language tag. An
// unparseable tag falls back to language.Und.
func NewNormalizer(lang string) *Normalizer {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Und
	}
	return &Normalizer{tag: tag}
}

// DefaultNormalizer uses German casing rules.
func DefaultNormalizer() *Normalizer {
	return NewNormalizer("de")
}

// Tag returns the language used for casing.
func (n *Normalizer) Tag() language.Tag {
	return n.tag
}

// Normalize returns the comparison key for s.
func (n *Normalizer) Normalize(s string) string {
	// Casers and transform chains keep state, so build fresh ones per call.
	s = cases.Lower(n.tag).String(s)
	s = cases.Fold().String(s)

	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(strip, s); err == nil {
		s = out
	}
	return strings.Join(strings.Fields(s), " ")
}
