package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parlox/internal/router"
	"github.com/MrWong99/parlox/pkg/audio"
)

// Defaults applied by [LoadFromReader].
const (
	DefaultListenAddr  = ":8080"
	DefaultSourceLang  = "auto"
	DefaultMemoryLimit = 1000
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.SourceLang == "" {
		cfg.Session.SourceLang = DefaultSourceLang
	}
	if cfg.Output.ResumeDelay == 0 {
		cfg.Output.ResumeDelay = router.DefaultResumeDelay
	}
	if cfg.History.MemoryLimit <= 0 {
		cfg.History.MemoryLimit = DefaultMemoryLimit
	}
}

// expandEnv replaces ${VAR} references in secrets and connection strings.
func expandEnv(cfg *Config) {
	entries := []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS}
	for _, list := range [][]ProviderEntry{cfg.Providers.Fallbacks.STT, cfg.Providers.Fallbacks.LLM, cfg.Providers.Fallbacks.TTS} {
		for i := range list {
			entries = append(entries, &list[i])
		}
	}
	for _, e := range entries {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	cfg.Discord.Token = os.ExpandEnv(cfg.Discord.Token)
	cfg.History.PostgresDSN = os.ExpandEnv(cfg.History.PostgresDSN)
	cfg.Status.RedisURL = os.ExpandEnv(cfg.Status.RedisURL)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
			continue
		}
		validateProviderName(kind, entry.Name)
	}
	for kind, list := range map[string][]ProviderEntry{
		"stt": cfg.Providers.Fallbacks.STT,
		"llm": cfg.Providers.Fallbacks.LLM,
		"tts": cfg.Providers.Fallbacks.TTS,
	} {
		for i, entry := range list {
			if entry.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, entry.Name)
		}
	}

	// Session
	if strings.TrimSpace(cfg.Session.TargetLang) == "" {
		errs = append(errs, errors.New("session.target_lang is required"))
	}
	if n := cfg.Session.ContextTurns; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("session.context_turns %d must not be negative", *n))
	}

	// Input
	switch dev := cfg.Input.Device; {
	case dev == DiscordDevice:
		if !cfg.Discord.Enabled() {
			errs = append(errs, errors.New("input.device discord requires discord.token and discord.channel_id"))
		}
	case strings.HasPrefix(dev, FilePrefix):
		if strings.TrimPrefix(dev, FilePrefix) == "" {
			errs = append(errs, errors.New("input.device file: requires a path"))
		}
	default:
		if _, err := audio.ParseSelector(dev); err != nil {
			errs = append(errs, fmt.Errorf("input.device: %w", err))
		}
	}

	// Output
	if cfg.Output.ResumeDelay < 0 {
		errs = append(errs, errors.New("output.resume_delay must not be negative"))
	}

	// Segmentation
	if err := cfg.VAD.Engine(audio.Format{}).Validate(); err != nil {
		errs = append(errs, err)
	}

	// Synthesis and dedupe
	if cfg.Synthesis.Concurrency < 0 || cfg.Synthesis.ChunkChars < 0 {
		errs = append(errs, errors.New("synthesis.concurrency and synthesis.chunk_chars must not be negative"))
	}
	if cfg.Dedupe.Phonetic < 0 || cfg.Dedupe.Phonetic > 1 {
		errs = append(errs, fmt.Errorf("dedupe.phonetic %.2f is out of range [0, 1]", cfg.Dedupe.Phonetic))
	}

	// Discord
	if cfg.Discord.Enabled() && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord is configured"))
	}

	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; translation history is kept in memory")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
