package dedupe

import "github.com/antzucaro/matchr"

// phoneticEqual returns a word comparison that accepts exact matches and
// words whose Double Metaphone codes overlap with a Jaro-Winkler similarity
// of at least threshold.
func phoneticEqual(threshold float64) func(a, b string) bool {
	return func(a, b string) bool {
		if a == b {
			return true
		}
		if !codesOverlap(a, b) {
			return false
		}
		return matchr.JaroWinkler(a, b, false) >= threshold
	}
}

// codesOverlap reports whether the primary or secondary Double Metaphone codes
// of a and b share a non-empty code.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}
