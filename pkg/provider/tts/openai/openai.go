// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested as raw PCM, which the API delivers as 24 kHz mono
// signed 16-bit little-endian samples.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"
)

// Format is the PCM format of every response.
var Format = audio.Format{SampleRate: 24000, Channels: 1}

// knownVoices is the fixed catalogue of the speech API.
var knownVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	voice        string
	instructions string
	speed        float64
}

type config struct {
	baseURL      string
	timeout      time.Duration
	model        string
	voice        string
	instructions string
	speed        float64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithModel selects the speech model. Defaults to "gpt-4o-mini-tts".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the voice used when a request carries none. Defaults to
// "alloy".
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithInstructions steers delivery (tone, pace) on models that support it.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithSpeed sets the playback speed (0.25 to 4.0).
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4) {
		return nil, fmt.Errorf("openai: speed %.2f out of range [0.25, 4]", cfg.speed)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		voice:        cfg.voice,
		instructions: cfg.instructions,
		speed:        cfg.speed,
	}, nil
}

// Synthesize requests req.Text as raw PCM.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return tts.Audio{}, errors.New("openai: text must not be empty")
	}
	voice := req.VoiceID
	if voice == "" {
		voice = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: read speech: %w", err)
	}
	// Whole samples only.
	pcm = pcm[:len(pcm)&^1]
	return tts.Audio{Data: pcm, Format: Format}, nil
}

// ListVoices returns the built-in voices.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(knownVoices))
	for _, v := range knownVoices {
		out = append(out, tts.Voice{ID: v, Name: v, Labels: map[string]string{"model": p.model}})
	}
	return out, nil
}
