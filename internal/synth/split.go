package synth

import (
	"strings"
	"unicode/utf8"
)

// sentenceBoundary returns the byte index just past the first sentence
// terminator that is followed by whitespace or ends s. CJK full-width
// terminators end a sentence without trailing whitespace. Returns -1 if s
// holds no boundary.
func sentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '\n':
			return i + 1
		case '.', '!', '?':
			end := i + 1
			if end == len(s) {
				return end
			}
			switch s[end] {
			case ' ', '\n', '\r', '\t':
				return end
			}
		}
	}
	return -1
}

// splitSentences cuts text into sentences with surrounding whitespace
// removed. Empty sentences are skipped.
func splitSentences(text string) []string {
	var out []string
	for text != "" {
		n := sentenceBoundary(text)
		if n < 0 {
			n = len(text)
		}
		if s := strings.TrimSpace(text[:n]); s != "" {
			out = append(out, s)
		}
		text = text[n:]
	}
	return out
}

// pieces groups the sentences of text into pieces of at most limit bytes.
// A single sentence longer than limit becomes a piece of its own.
func pieces(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, s := range splitSentences(text) {
		if cur.Len() > 0 && cur.Len()+1+len(s) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
