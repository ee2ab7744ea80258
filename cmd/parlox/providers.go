package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/llm"
	"github.com/MrWong99/parlox/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/parlox/pkg/provider/llm/openai"
	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/parlox/pkg/provider/stt/openai"
	"github.com/MrWong99/parlox/pkg/provider/stt/whisper"
	"github.com/MrWong99/parlox/pkg/provider/tts"
	"github.com/MrWong99/parlox/pkg/provider/tts/coqui"
	"github.com/MrWong99/parlox/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/parlox/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and decodes its options into
// the option struct of the implementation.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o struct {
			Language    string        `mapstructure:"language"`
			Temperature *float64      `mapstructure:"temperature"`
			Timeout     time.Duration `mapstructure:"timeout"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, whisper.WithLanguage(o.Language))
		}
		if o.Temperature != nil {
			opts = append(opts, whisper.WithTemperature(*o.Temperature))
		}
		if o.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(o.Timeout))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o struct {
			Language string        `mapstructure:"language"`
			Prompt   string        `mapstructure:"prompt"`
			Timeout  time.Duration `mapstructure:"timeout"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, oaistt.WithLanguage(o.Language))
		}
		if o.Prompt != "" {
			opts = append(opts, oaistt.WithPrompt(o.Prompt))
		}
		if o.Timeout > 0 {
			opts = append(opts, oaistt.WithTimeout(o.Timeout))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o struct {
			Language string `mapstructure:"language"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if o.Language != "" {
			opts = append(opts, deepgram.WithLanguage(o.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	registerNativeWhisper(reg)

	// ── LLM ───────────────────────────────────────────────────────────────────
	// Options of the llm entry also carry translator settings, so every
	// factory tolerates keys it does not know.

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var o struct {
			Organization string         `mapstructure:"organization"`
			Timeout      time.Duration  `mapstructure:"timeout"`
			Rest         map[string]any `mapstructure:",remain"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if o.Organization != "" {
			opts = append(opts, oaillm.WithOrganization(o.Organization))
		}
		if o.Timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(o.Timeout))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends share the same pattern: optional APIKey and
	// optional BaseURL. Ollama and the llama servers are local and need no
	// key.
	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var o struct {
			Voice        string        `mapstructure:"voice"`
			Instructions string        `mapstructure:"instructions"`
			Speed        float64       `mapstructure:"speed"`
			Timeout      time.Duration `mapstructure:"timeout"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if o.Voice != "" {
			opts = append(opts, oaitts.WithVoice(o.Voice))
		}
		if o.Instructions != "" {
			opts = append(opts, oaitts.WithInstructions(o.Instructions))
		}
		if o.Speed > 0 {
			opts = append(opts, oaitts.WithSpeed(o.Speed))
		}
		if o.Timeout > 0 {
			opts = append(opts, oaitts.WithTimeout(o.Timeout))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var o struct {
			OutputFormat string `mapstructure:"output_format"`
			Voice        string `mapstructure:"voice"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if o.OutputFormat != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(o.OutputFormat))
		}
		if o.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(o.Voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var o struct {
			Language   string        `mapstructure:"language"`
			APIMode    string        `mapstructure:"api_mode"`
			Timeout    time.Duration `mapstructure:"timeout"`
			SampleRate int           `mapstructure:"sample_rate"`
			Channels   int           `mapstructure:"channels"`
		}
		if err := entry.DecodeOptions(&o); err != nil {
			return nil, err
		}
		var opts []coqui.Option
		if o.Language != "" {
			opts = append(opts, coqui.WithLanguage(o.Language))
		}
		if o.APIMode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(o.APIMode)))
		}
		if o.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(o.Timeout))
		}
		if o.SampleRate > 0 {
			ch := o.Channels
			if ch <= 0 {
				ch = 1
			}
			opts = append(opts, coqui.WithOutputFormat(audio.Format{SampleRate: o.SampleRate, Channels: ch}))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}
