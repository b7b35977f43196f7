package minion

import "strings"

// Slugify derives a URL-safe slug from a display name.
// Lowercases, collapses runs of non-alphanumeric characters to a single
// '-', and trims leading/trailing '-'. Idempotent: Slugify(Slugify(s)) ==
// Slugify(s). Distinct names may collide; slugs are not unique.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	pendingDash := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingDash = true
			}
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}

	return b.String()
}
