package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/health"
	"github.com/MrWong99/parlox/internal/observe"
	"github.com/MrWong99/parlox/internal/resilience"
	"github.com/MrWong99/parlox/pkg/provider/llm"
	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/translate"
	"github.com/MrWong99/parlox/pkg/provider/translate/chat"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

// Providers holds one interface value per pipeline stage.
type Providers struct {
	STT        stt.Provider
	Translator translate.Provider
	TTS        tts.Provider

	// Checks report the health of the stages on /readyz.
	Checks []health.Checker
}

// BuildProviders creates the configured provider of every stage through reg
// and puts each stage behind a circuit-breaking failover group with its
// configured fallbacks. Every provider call is counted in m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	var errs []error
	p := &Providers{}

	// ── Transcription ────────────────────────────────────────────────────
	if primary, err := reg.CreateSTT(cfg.Providers.STT); err != nil {
		errs = append(errs, fmt.Errorf("app: stt: %w", err))
	} else {
		fb := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fallbackConfig(m, "stt"))
		for i, e := range cfg.Providers.Fallbacks.STT {
			sp, err := reg.CreateSTT(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("app: stt fallback %d: %w", i, err))
				continue
			}
			fb.AddFallback(e.Name, sp)
		}
		p.STT = fb
		p.Checks = append(p.Checks, health.Breakers("stt", fb.Group().States))
	}

	// ── Translation ──────────────────────────────────────────────────────
	if primary, err := reg.CreateLLM(cfg.Providers.LLM); err != nil {
		errs = append(errs, fmt.Errorf("app: llm: %w", err))
	} else {
		fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fallbackConfig(m, "llm"))
		for i, e := range cfg.Providers.Fallbacks.LLM {
			lp, err := reg.CreateLLM(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("app: llm fallback %d: %w", i, err))
				continue
			}
			fb.AddFallback(e.Name, lp)
		}
		tr, err := newTranslator(cfg.Providers.LLM, fb)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.Translator = tr
			p.Checks = append(p.Checks, health.Breakers("llm", fb.Group().States))
		}
	}

	// ── Synthesis ────────────────────────────────────────────────────────
	if primary, err := reg.CreateTTS(cfg.Providers.TTS); err != nil {
		errs = append(errs, fmt.Errorf("app: tts: %w", err))
	} else {
		fb := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, fallbackConfig(m, "tts"))
		for i, e := range cfg.Providers.Fallbacks.TTS {
			tp, err := reg.CreateTTS(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("app: tts fallback %d: %w", i, err))
				continue
			}
			fb.AddFallback(e.Name, tp)
		}
		p.TTS = fb
		p.Checks = append(p.Checks, health.Breakers("tts", fb.Group().States))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

// translatorOptions are the chat translator settings accepted in the
// options of the llm provider entry.
type translatorOptions struct {
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	Instructions string   `mapstructure:"instructions"`

	// Provider-specific keys are decoded by the llm factory.
	Rest map[string]any `mapstructure:",remain"`
}

func newTranslator(entry config.ProviderEntry, model llm.Provider) (*chat.Translator, error) {
	var o translatorOptions
	if err := entry.DecodeOptions(&o); err != nil {
		return nil, fmt.Errorf("app: translator: %w", err)
	}
	var opts []chat.Option
	if o.Temperature != nil {
		opts = append(opts, chat.WithTemperature(*o.Temperature))
	}
	if o.MaxTokens > 0 {
		opts = append(opts, chat.WithMaxTokens(o.MaxTokens))
	}
	if o.Instructions != "" {
		opts = append(opts, chat.WithInstructions(o.Instructions))
	}
	tr, err := chat.New(model, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: translator: %w", err)
	}
	return tr, nil
}

// fallbackConfig counts every provider attempt of kind in m.
func fallbackConfig(m *observe.Metrics, kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnAttempt: func(provider string, err error) {
			ctx := context.Background()
			switch {
			case err == nil:
				m.RecordProviderRequest(ctx, provider, kind, "ok")
			case errors.Is(err, context.Canceled):
				m.RecordProviderRequest(ctx, provider, kind, "cancelled")
			default:
				m.RecordProviderRequest(ctx, provider, kind, "error")
				m.RecordProviderError(ctx, provider, kind)
				slog.Debug("app: provider attempt failed", "kind", kind, "provider", provider, "err", err)
			}
		},
	}
}
