// Package translate defines the Provider interface for text translation
// backends.
package translate

import (
	"context"
	"strings"
)

// Turn is one earlier utterance and its translation, oldest first in
// Request.Context.
type Turn struct {
	Source string
	Target string
}

// Request is a single utterance to translate.
type Request struct {
	// Text is the source text.
	Text string

	// Source is the ISO 639-1 source language. Empty or "auto" lets the
	// backend infer it.
	Source string

	// Target is the ISO 639-1 target language. Required.
	Target string

	// Context holds recent turns of the same conversation. Backends that can
	// use it keep names, pronouns and register consistent across turns.
	Context []Turn
}

// Result is the translated text.
type Result struct {
	Text string
}

// Provider is the abstraction over any translation backend. Implementations
// must be safe for concurrent use.
type Provider interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

var languageNames = map[string]string{
	"ar": "Arabic", "bg": "Bulgarian", "cs": "Czech", "da": "Danish",
	"de": "German", "el": "Greek", "en": "English", "es": "Spanish",
	"et": "Estonian", "fi": "Finnish", "fr": "French", "he": "Hebrew",
	"hi": "Hindi", "hu": "Hungarian", "id": "Indonesian", "it": "Italian",
	"ja": "Japanese", "ko": "Korean", "lt": "Lithuanian", "lv": "Latvian",
	"nl": "Dutch", "no": "Norwegian", "pl": "Polish", "pt": "Portuguese",
	"ro": "Romanian", "ru": "Russian", "sk": "Slovak", "sl": "Slovenian",
	"sv": "Swedish", "th": "Thai", "tr": "Turkish", "uk": "Ukrainian",
	"vi": "Vietnamese", "zh": "Chinese",
}

// LanguageName returns the English name of an ISO 639-1 code, tolerating
// region suffixes such as "pt-BR". Unknown codes are returned unchanged.
func LanguageName(code string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(code)), "-")
	base, _, _ = strings.Cut(base, "_")
	if name, ok := languageNames[base]; ok {
		return name
	}
	return code
}

// SameLanguage reports whether a and b name the same base language. Empty
// and "auto" never match.
func SameLanguage(a, b string) bool {
	norm := func(s string) string {
		s, _, _ = strings.Cut(strings.ToLower(strings.TrimSpace(s)), "-")
		s, _, _ = strings.Cut(s, "_")
		return s
	}
	na, nb := norm(a), norm(b)
	return na != "" && na != "auto" && na == nb
}
