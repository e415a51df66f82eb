package rbac

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folder     = cases.Fold()
)

// Slugify turns a display name into the canonical case-folded, dash separated
// identifier used for roles, entities and permissions. Letters and digits of
// any script are kept; Latin diacritics are dropped.
func Slugify(name string) string {
	plain, _, err := transform.String(stripMarks, strings.TrimSpace(name))
	if err != nil {
		plain = name
	}
	plain = folder.String(plain)

	var b strings.Builder
	b.Grow(len(plain))
	dash := false
	for _, r := range plain {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mc, r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// RoleIdentifier is a role reference normalized at the input boundary. Both
// "Super Admin" and "super-admin" parse to the same identifier.
type RoleIdentifier string

// ParseRoleIdentifier normalizes a slug or display name.
func ParseRoleIdentifier(raw string) RoleIdentifier {
	return RoleIdentifier(Slugify(raw))
}

// Matches compares the identifier with the role's slug or its display name,
// both folded to canonical form.
func (id RoleIdentifier) Matches(role *Role) bool {
	if role == nil || id == "" {
		return false
	}
	return normalizeSlug(role.Slug) == string(id) || Slugify(role.Name) == string(id)
}

func (id RoleIdentifier) String() string {
	return string(id)
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
