// Package dedupe removes words that adjacent transcripts share at their
// boundary. Consecutive utterance segments overlap by the pre-roll window, so
// the last words of one transcript are often repeated at the start of the
// next.
package dedupe

import (
	"strings"
	"unicode"
)

// MaxOverlapWords is the longest boundary overlap checked by [Dedupe]. It is
// sized to the words that fit in a pre-roll window.
const MaxOverlapWords = 7

var exact = New()

// Dedupe strips from cur the longest run of leading words (up to
// [MaxOverlapWords]) that equals the trailing words of prev. Words are
// compared case-insensitively, ignoring surrounding punctuation. Stripping
// repeats until no overlap is left, so applying Dedupe again to its own
// result with the same prev removes nothing more.
func Dedupe(prev, cur string) string {
	return exact.Dedupe(prev, cur)
}

// Option configures a [Deduper].
type Option func(*Deduper)

// WithMaxWords sets the longest overlap checked. Values below 1 are ignored.
func WithMaxWords(n int) Option {
	return func(d *Deduper) {
		if n >= 1 {
			d.maxWords = n
		}
	}
}

// WithPhonetic also treats two words as equal when they sound alike and
// their Jaro-Winkler similarity is at least threshold. Transcription of the
// same audio twice does not always spell a word the same way.
func WithPhonetic(threshold float64) Option {
	return func(d *Deduper) { d.equal = phoneticEqual(threshold) }
}

// Deduper is a configurable boundary deduplicator. It holds no mutable state
// and is safe for concurrent use.
type Deduper struct {
	maxWords int
	equal    func(a, b string) bool
}

// New returns a Deduper with exact word matching and [MaxOverlapWords].
func New(opts ...Option) *Deduper {
	d := &Deduper{
		maxWords: MaxOverlapWords,
		equal:    func(a, b string) bool { return a == b },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dedupe is like the package-level [Dedupe] with d's settings.
func (d *Deduper) Dedupe(prev, cur string) string {
	tail := normalizeAll(strings.Fields(prev))
	if len(tail) > d.maxWords {
		tail = tail[len(tail)-d.maxWords:]
	}
	if len(tail) == 0 {
		return cur
	}

	for {
		spans := wordSpans(cur)
		if len(spans) == 0 {
			return cur
		}
		n := d.overlap(tail, cur, spans)
		if n == 0 {
			return cur
		}
		if n == len(spans) {
			return ""
		}
		cur = cur[spans[n][0]:]
	}
}

// overlap returns the largest i such that the last i words of tail equal the
// first i words of cur.
func (d *Deduper) overlap(tail []string, cur string, spans [][2]int) int {
	limit := min(len(tail), len(spans), d.maxWords)
	head := make([]string, limit)
	for i := range limit {
		head[i] = normalize(cur[spans[i][0]:spans[i][1]])
	}
	for i := limit; i >= 1; i-- {
		if d.matches(tail[len(tail)-i:], head[:i]) {
			return i
		}
	}
	return 0
}

func (d *Deduper) matches(a, b []string) bool {
	for i := range a {
		if !d.equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// wordSpans returns the byte ranges of whitespace-separated words in s.
func wordSpans(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}

func normalize(w string) string {
	trimmed := strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if trimmed == "" {
		trimmed = w
	}
	return strings.ToLower(trimmed)
}

func normalizeAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = normalize(w)
	}
	return out
}
