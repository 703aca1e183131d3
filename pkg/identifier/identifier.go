// Package identifier turns human form/field labels into stable, collision-free
// SQL identifiers. The output is deterministic for a given (label, entityID)
// pair: Thai labels are romanized through a fixed table, slugified to
// [a-z0-9_], and tagged with a short hex suffix derived from the entity's
// stable identity so two fields sharing a title never collide.
package identifier

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// MaxLength is the longest identifier we will ever emit. MySQL allows 64;
// we cap at 63 to stay portable across engines.
const MaxLength = 63

// suffixLength is the number of hex characters appended for collision resistance
const suffixLength = 6

const (
	fieldPrefix   = "f_"
	tablePrefix   = "form_"
	fieldFallback = "field"
	tableFallback = "form"
)

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	validPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	hexOnly      = regexp.MustCompile(`^[0-9a-f]+$`)
)

// NormalizeField derives the column identifier for a form field
func NormalizeField(label, entityID string) string {
	return normalize(label, entityID, fieldPrefix, fieldFallback)
}

// NormalizeTable derives the dynamic table identifier for a form
func NormalizeTable(label, entityID string) string {
	return normalize(label, entityID, tablePrefix, tableFallback)
}

// IsValid reports whether s is a safe SQL identifier: lowercase, starts with
// a letter, only [a-z0-9_], at most MaxLength characters.
func IsValid(s string) bool {
	return validPattern.MatchString(s)
}

// Suffix returns the collision suffix for an entity identity. UUIDs use their
// first hex characters directly; anything else is hashed with FNV-1a so the
// result stays deterministic and single-valued.
func Suffix(entityID string) string {
	compact := strings.ToLower(strings.ReplaceAll(entityID, "-", ""))
	if len(compact) >= suffixLength && hexOnly.MatchString(compact) {
		return compact[:suffixLength]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return fmt.Sprintf("%08x", h.Sum32())[:suffixLength]
}

func normalize(label, entityID, prefix, fallback string) string {
	base := slugify(romanize(label))

	if base == "" {
		base = fallback
	}

	// Identifiers must begin with a letter; digits and underscores get the
	// fixed letter prefix for their entity kind
	if !startsWithLetter(base) {
		base = prefix + base
	}

	suffix := Suffix(entityID)

	// Truncate the pre-suffix portion so the total stays within MaxLength
	maxBase := MaxLength - len(suffix) - 1
	if len(base) > maxBase {
		base = strings.TrimRight(base[:maxBase], "_")
	}

	return base + "_" + suffix
}

// slugify collapses runs of non-alphanumerics to single underscores,
// lowercases, and strips leading/trailing underscores
func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func startsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	return s[0] >= 'a' && s[0] <= 'z'
}
