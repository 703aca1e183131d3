package identifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFieldDeterminism(t *testing.T) {
	labels := []string{
		"Full Name",
		"ชื่อเต็ม",
		"อีเมล",
		"Email Address!!",
		"",
		"123 Numeric Start",
		strings.Repeat("very long label ", 20),
	}

	for _, label := range labels {
		a := NormalizeField(label, "b5f0a2c4-1111-4222-8333-944445555666")
		b := NormalizeField(label, "b5f0a2c4-1111-4222-8333-944445555666")
		assert.Equal(t, a, b, "normalize must be deterministic for %q", label)
	}
}

func TestNormalizeFieldSafety(t *testing.T) {
	cases := []struct {
		label string
		id    string
	}{
		{"Full Name", "b5f0a2c4-1111-4222-8333-944445555666"},
		{"ชื่อ-นามสกุล", "c0ffee00-0000-4000-8000-000000000001"},
		{"  ", "not-a-uuid-id"},
		{"9 lives", "x"},
		{"___", "field-7"},
		{"!!!", "field-8"},
		{strings.Repeat("ยาวมาก", 40), "b5f0a2c4-1111-4222-8333-944445555666"},
	}

	for _, tc := range cases {
		got := NormalizeField(tc.label, tc.id)
		assert.True(t, IsValid(got), "output %q for label %q must match ^[a-z][a-z0-9_]{0,62}$", got, tc.label)
		assert.LessOrEqual(t, len(got), MaxLength)
	}
}

func TestNormalizeFieldThai(t *testing.T) {
	// ชื่อ (name) romanizes through the fixed table to "chueo"
	got := NormalizeField("ชื่อ", "b5f0a2c4-1111-4222-8333-944445555666")
	assert.Equal(t, "chueo_b5f0a2", got)
}

func TestNormalizeFieldFallback(t *testing.T) {
	// Empty and fully-symbolic labels fall back to the entity-kind base
	got := NormalizeField("", "b5f0a2c4-1111-4222-8333-944445555666")
	assert.Equal(t, "field_b5f0a2", got)

	got = NormalizeField("!!!", "b5f0a2c4-1111-4222-8333-944445555666")
	assert.Equal(t, "field_b5f0a2", got)
}

func TestNormalizeFieldDigitPrefix(t *testing.T) {
	got := NormalizeField("123 score", "b5f0a2c4-1111-4222-8333-944445555666")
	assert.True(t, strings.HasPrefix(got, "f_123_score"), "got %q", got)
	assert.True(t, IsValid(got))
}

func TestNormalizeTable(t *testing.T) {
	got := NormalizeTable("Contact Survey", "0a1b2c3d-4444-4555-8666-777788889999")
	assert.Equal(t, "contact_survey_0a1b2c", got)

	// Digit-leading form titles get the table prefix
	got = NormalizeTable("2024 Survey", "0a1b2c3d-4444-4555-8666-777788889999")
	assert.True(t, strings.HasPrefix(got, "form_2024_survey"), "got %q", got)
}

func TestNormalizeCollisionResistance(t *testing.T) {
	a := NormalizeField("Name", "b5f0a2c4-1111-4222-8333-944445555666")
	b := NormalizeField("Name", "d9e8f7a6-2222-4333-8444-955556666777")
	assert.NotEqual(t, a, b, "same label on different entities must not collide")
}

func TestNormalizeTruncation(t *testing.T) {
	long := strings.Repeat("abcdefghij", 20)
	got := NormalizeField(long, "b5f0a2c4-1111-4222-8333-944445555666")
	assert.LessOrEqual(t, len(got), MaxLength)
	assert.True(t, strings.HasSuffix(got, "_b5f0a2"))
}

func TestSuffixNonUUID(t *testing.T) {
	// Non-hex identities hash through FNV-1a; still deterministic and 6 hex chars
	a := Suffix("field-42")
	b := Suffix("field-42")
	assert.Equal(t, a, b)
	assert.Len(t, a, 6)
	assert.Regexp(t, "^[0-9a-f]{6}$", a)
}
