// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs input-streaming WebSocket API. Audio arrives in several chunks
// while synthesis is still running, so the provider implements tts.Streamer
// as well as tts.Provider.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.Streamer    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	readLimit        = 4 << 20
	chunkBuffer      = 64
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the voice used when a request carries none.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithBaseURL overrides the API base URL. The websocket URL is derived from
// it by switching the scheme.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	voiceID      string
	baseURL      string
	format       audio.Format
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	p.format = f
	return p, nil
}

// parseOutputFormat maps "pcm_<rate>" to a mono Format.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("unsupported output format %q: only pcm_<rate> is supported", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("invalid sample rate in output format %q", s)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// textMessage is sent for the opening handshake, the text and the
// end-of-stream marker (empty text).
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// audioResponse is a message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) streamURL(voiceID, lang string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SynthesizeStream opens a WebSocket to ElevenLabs, sends req.Text and
// returns the audio chunks as they arrive. Chunks are indexed in arrival
// order; the last one is Final.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = p.voiceID
	}
	if voiceID == "" {
		return tts.Stream{}, errors.New("elevenlabs: voice ID must not be empty")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return tts.Stream{}, errors.New("elevenlabs: text must not be empty")
	}

	wsURL, err := p.streamURL(voiceID, req.Language)
	if err != nil {
		return tts.Stream{}, fmt.Errorf("elevenlabs: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return tts.Stream{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	// ElevenLabs requires a single space as the first text value; text must
	// end with a space to be treated as complete.
	msgs := []textMessage{
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, m := range msgs {
		if err := wsjson.Write(ctx, conn, m); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return tts.Stream{}, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	chunks := make(chan tts.Chunk, chunkBuffer)
	go p.readLoop(ctx, conn, chunks)
	return tts.Stream{Format: p.format, Chunks: chunks}, nil
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- tts.Chunk) {
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	send := func(c tts.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	index := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				send(tts.Chunk{Index: index, Final: true})
				return
			}
			if ctx.Err() == nil {
				send(tts.Chunk{Index: index, Err: fmt.Errorf("elevenlabs: read: %w", err)})
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			send(tts.Chunk{Index: index, Err: fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)})
			return
		}

		var pcm []byte
		if resp.Audio != "" {
			pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				send(tts.Chunk{Index: index, Err: fmt.Errorf("elevenlabs: decode audio: %w", err)})
				return
			}
		}
		if len(pcm) == 0 && !resp.IsFinal {
			continue
		}
		if !send(tts.Chunk{Index: index, Data: pcm, Final: resp.IsFinal}) || resp.IsFinal {
			return
		}
		index++
	}
}

// Synthesize streams req and concatenates the chunks.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	stream, err := p.SynthesizeStream(ctx, req)
	if err != nil {
		return tts.Audio{}, err
	}
	var pcm []byte
	for c := range stream.Chunks {
		if c.Err != nil {
			return tts.Audio{}, c.Err
		}
		pcm = append(pcm, c.Data...)
		if c.Final {
			return tts.Audio{Data: pcm, Format: stream.Format}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: %w", err)
	}
	return tts.Audio{}, errors.New("elevenlabs: stream ended without a final chunk")
}

// ---- ListVoices ----

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	out := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		labels := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			labels[k] = val
		}
		if v.Category != "" {
			labels["category"] = v.Category
		}
		out = append(out, tts.Voice{ID: v.VoiceID, Name: v.Name, Labels: labels})
	}
	return out, nil
}
