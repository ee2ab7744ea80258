package translate_test

import (
	"testing"

	"github.com/MrWong99/parlox/pkg/provider/translate"
)

func TestLanguageName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"de":    "German",
		"pt-BR": "Portuguese",
		"zh_CN": "Chinese",
		" EN ":  "English",
		"xx":    "xx",
	}
	for code, want := range tests {
		if got := translate.LanguageName(code); got != want {
			t.Errorf("LanguageName(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestSameLanguage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want bool
	}{
		{"de", "de", true},
		{"en-US", "en-GB", true},
		{"de", "en", false},
		{"", "", false},
		{"auto", "auto", false},
	}
	for _, tt := range tests {
		if got := translate.SameLanguage(tt.a, tt.b); got != tt.want {
			t.Errorf("SameLanguage(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
