package store

import "strings"

// Slugify implements the slugification rule from §4.3 (grounded on
// original_source/scripts/backend.py: slugify): lowercase and trim, map any
// run of characters outside [A-Za-z0-9_-] to a single underscore, collapse
// any resulting run of underscores to one, strip leading/trailing
// underscores; empty input becomes "project".
func Slugify(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))

	var substituted strings.Builder
	inRun := false
	for _, r := range lower {
		allowed := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if allowed {
			substituted.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			substituted.WriteByte('_')
			inRun = true
		}
	}

	var collapsed strings.Builder
	prevUnderscore := false
	for _, r := range substituted.String() {
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		collapsed.WriteRune(r)
	}

	out := strings.Trim(collapsed.String(), "_")
	if out == "" {
		return "project"
	}
	return out
}
