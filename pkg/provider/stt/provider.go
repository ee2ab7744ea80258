// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider receives one finished utterance at a time, encoded as a WAV
// file, and returns its transcript. Segmentation happens upstream in the
// voice-activity engine, so every backend here is a batch transcriber even
// when the underlying service could stream.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"strings"
)

// Request is a single utterance to transcribe.
type Request struct {
	// Audio is a complete WAV file (16-bit PCM).
	Audio []byte

	// Language is an ISO 639-1 hint such as "en" or "de". Empty asks the
	// backend to detect the language.
	Language string
}

// Result is the transcript of one utterance.
type Result struct {
	// Text is the transcribed speech with surrounding whitespace removed.
	Text string

	// DetectedLanguage is the language reported by the backend, when it
	// reports one.
	DetectedLanguage string

	// Skipped is true when the utterance carried no usable speech: the text
	// was blank or a known placeholder that transcribers emit for silence,
	// music or noise. Skipped results must not be translated.
	Skipped bool

	// Reason says why the result was skipped.
	Reason string
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts req.Audio to text. It returns an error for
	// transport or backend failures only; silence is reported as a Skipped
	// result.
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Skip reasons reported in Result.Reason.
const (
	ReasonBlank       = "blank"
	ReasonPlaceholder = "placeholder"
	ReasonRepetition  = "repetition"
)

// placeholders are the texts transcribers produce for non-speech audio. They
// are matched after lowercasing and stripping brackets and punctuation.
var placeholders = map[string]bool{
	"blank audio":            true,
	"blank_audio":            true,
	"silence":                true,
	"music":                  true,
	"no speech":              true,
	"inaudible":              true,
	"noise":                  true,
	"applause":               true,
	"laughter":               true,
	"sound":                  true,
	"background noise":       true,
	"you":                    true,
	"thank you for watching": true,
	"thanks for watching":    true,
	"subtitles by the amara org community": true,
}

// Classify inspects text returned by a backend and builds a Result. Blank
// text, bracketed placeholders like "[BLANK_AUDIO]" or "(silence)" and the
// same short phrase repeated over and over are marked Skipped.
func Classify(text, detectedLanguage string) Result {
	r := Result{Text: strings.TrimSpace(text), DetectedLanguage: detectedLanguage}
	switch {
	case r.Text == "":
		r.Skipped, r.Reason = true, ReasonBlank
	case onlyPlaceholders(r.Text):
		r.Skipped, r.Reason = true, ReasonPlaceholder
	case repetitive(r.Text):
		r.Skipped, r.Reason = true, ReasonRepetition
	}
	return r
}

// onlyPlaceholders reports whether every bracketed or bare part of text is a
// known placeholder.
func onlyPlaceholders(text string) bool {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '[' || r == ']' || r == '(' || r == ')' || r == '*' || r == '♪'
	})
	seen := false
	for _, p := range parts {
		p = cleanPhrase(p)
		if p == "" {
			continue
		}
		if !placeholders[p] {
			return false
		}
		seen = true
	}
	return seen || strings.Trim(text, "[]()*♪ .") == ""
}

func cleanPhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,!?;:-_ ")
	return strings.Join(strings.Fields(strings.ReplaceAll(s, ".", " ")), " ")
}

// repetitive reports whether text is a single word or short phrase repeated
// at least four times, a common failure on long stretches of noise.
func repetitive(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 4 {
		return false
	}
	for size := 1; size <= 3 && size*4 <= len(words); size++ {
		if len(words)%size != 0 {
			continue
		}
		same := true
		for i := size; i < len(words) && same; i++ {
			same = strings.Trim(words[i], ".,!?") == strings.Trim(words[i%size], ".,!?")
		}
		if same {
			return true
		}
	}
	return false
}
