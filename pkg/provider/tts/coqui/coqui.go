// Package coqui provides a TTS provider that talks to a local Coqui TTS
// server over its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; the voice catalogue comes from
//     GET /studio_speakers.
//
// Both servers answer with a WAV file, which is decoded to raw PCM.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("de"))
//	out, err := p.Synthesize(ctx, tts.Request{Text: "Guten Tag", VoiceID: "p225"})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language used when a request carries none. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputFormat converts synthesised audio to f (e.g., 48 kHz stereo for
// Discord). The zero Format keeps the model's native format.
func WithOutputFormat(f audio.Format) Option {
	return func(p *Provider) {
		p.output = f
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	output     audio.Format
}

// New creates a Provider that targets the TTS server at serverURL (e.g.,
// "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize renders req.Text with one HTTP request and decodes the WAV
// response.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return tts.Audio{}, errors.New("coqui: text must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var (
		httpReq  *http.Request
		endpoint string
		err      error
	)
	if p.apiMode == APIModeXTTS {
		endpoint = ttsEndpoint
		body, mErr := json.Marshal(xttsRequest{Text: text, SpeakerWav: req.VoiceID, Language: lang})
		if mErr != nil {
			return tts.Audio{}, fmt.Errorf("coqui: marshal tts request: %w", mErr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+endpoint, bytes.NewReader(body))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	} else {
		endpoint = apiTTSEndpoint
		params := url.Values{}
		params.Set("text", text)
		if req.VoiceID != "" {
			params.Set("speaker_id", req.VoiceID)
		}
		if lang != "" {
			params.Set("language_id", lang)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Audio{}, fmt.Errorf("coqui: %s %s returned status %d: %s", httpReq.Method, endpoint, resp.StatusCode, bytes.TrimSpace(msg))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %w", err)
	}
	if p.output.Valid() && format != p.output {
		pcm = audio.ConvertPCM(pcm, format, p.output)
		format = p.output
	}
	return tts.Audio{Data: pcm, Format: format}, nil
}

// studioSpeakersResponse maps speaker names to embeddings we do not need.
type studioSpeakersResponse map[string]json.RawMessage

// detailsResponse is the JSON body returned by GET /details. Speakers is nil
// for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices returns the server's voices sorted by name. A single-speaker
// model yields one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}

	if p.apiMode == APIModeXTTS {
		var raw studioSpeakersResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		return voices(names, map[string]string{"type": "studio"}), nil
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}
	if len(details.Speakers) > 0 {
		return voices(slices.Clone(details.Speakers), map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return voices([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

func voices(names []string, labels map[string]string) []tts.Voice {
	slices.Sort(names)
	out := make([]tts.Voice, 0, len(names))
	for _, n := range names {
		out = append(out, tts.Voice{ID: n, Name: n, Labels: labels})
	}
	return out
}
