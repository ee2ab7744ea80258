package pipeline

import (
	"errors"
	"strings"

	"github.com/MrWong99/parlox/internal/vad"
)

// Settings is the reconfigurable part of a session.
type Settings struct {
	// SourceLang is the ISO 639-1 language spoken into the capture source.
	// Empty or "auto" lets the transcriber detect it.
	SourceLang string

	// TargetLang is the ISO 639-1 language to translate into. Required.
	TargetLang string

	// VoiceID selects the synthesis voice. Empty uses the provider default.
	VoiceID string

	// Output is the output device id. Empty uses the system default.
	Output string

	// VAD tunes segmentation.
	VAD vad.Config
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.TargetLang) == "" {
		errs = append(errs, errors.New("pipeline: target language is required"))
	}
	if err := s.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Change is a reconfiguration request. Nil fields are left unchanged.
type Change struct {
	SourceLang *string
	TargetLang *string
	VoiceID    *string
	Output     *string
	VAD        *vad.Config

	// Swap exchanges source and target language before the other fields
	// apply. An auto-detected source cannot become the target; such a swap
	// is ignored.
	Swap bool
}

// IsZero reports whether c changes nothing.
func (c Change) IsZero() bool {
	return c == Change{}
}

// Reduce returns s with c applied. It is a pure function: it neither
// validates the result nor touches any component.
func Reduce(s Settings, c Change) Settings {
	if c.Swap && !autoLanguage(s.SourceLang) {
		s.SourceLang, s.TargetLang = s.TargetLang, s.SourceLang
	}
	if c.SourceLang != nil {
		s.SourceLang = *c.SourceLang
	}
	if c.TargetLang != nil {
		s.TargetLang = *c.TargetLang
	}
	if c.VoiceID != nil {
		s.VoiceID = *c.VoiceID
	}
	if c.Output != nil {
		s.Output = *c.Output
	}
	if c.VAD != nil {
		s.VAD = *c.VAD
	}
	return s
}

func autoLanguage(lang string) bool {
	lang = strings.TrimSpace(lang)
	return lang == "" || strings.EqualFold(lang, "auto")
}
