package coqui_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
	"github.com/MrWong99/parlox/pkg/provider/tts/coqui"
)

// ---- test helpers ----

var nativeFormat = audio.Format{SampleRate: 22050, Channels: 1}

// testWAV returns 100 ms of a constant tone at the native format.
func testWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]int16, nativeFormat.SampleRate/10)
	for i := range samples {
		samples[i] = 1200
	}
	wav, err := audio.EncodeWAV(audio.Int16ToBytes(samples), nativeFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

type seenRequest struct {
	method string
	path   string
	query  map[string]string
	body   map[string]string
}

func newServer(t *testing.T, wav []byte, seen chan<- seenRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seenRequest{method: r.Method, path: r.URL.Path, query: map[string]string{}}
		for k, v := range r.URL.Query() {
			s.query[k] = v[0]
		}
		if r.Method == http.MethodPost {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &s.body)
		}
		select {
		case seen <- s:
		default:
		}

		switch r.URL.Path {
		case "/api/tts", "/tts_to_audio/":
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		case "/details":
			_ = json.NewEncoder(w).Encode(map[string]any{"model_name": "vits", "speakers": []string{"p226", "p225"}})
		case "/studio_speakers":
			_ = json.NewEncoder(w).Encode(map[string]any{"Daisy": map[string]any{}, "Ana": map[string]any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- construction ----

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := coqui.New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
	if _, err := coqui.New("http://localhost:5002", coqui.WithAPIMode("bogus")); err == nil {
		t.Error("expected error for unknown API mode")
	}
}

// ---- synthesis ----

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()
	seen := make(chan seenRequest, 1)
	srv := newServer(t, testWAV(t), seen)

	p, err := coqui.New(srv.URL+"/", coqui.WithLanguage("de"), coqui.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := p.Synthesize(context.Background(), tts.Request{Text: " Guten Tag ", VoiceID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != nativeFormat {
		t.Errorf("Format = %v, want %v", out.Format, nativeFormat)
	}
	if got := out.Format.Duration(len(out.Data)); got != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", got)
	}

	req := <-seen
	if req.method != http.MethodGet || req.path != "/api/tts" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.query["text"] != "Guten Tag" || req.query["speaker_id"] != "p225" || req.query["language_id"] != "de" {
		t.Errorf("query = %v", req.query)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()
	seen := make(chan seenRequest, 1)
	srv := newServer(t, testWAV(t), seen)

	p, _ := coqui.New(srv.URL, coqui.WithAPIMode(coqui.APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hola", VoiceID: "Ana", Language: "es"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	req := <-seen
	if req.method != http.MethodPost || req.path != "/tts_to_audio/" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.body["text"] != "hola" || req.body["speaker_wav"] != "Ana" || req.body["language"] != "es" {
		t.Errorf("body = %v", req.body)
	}
}

func TestSynthesize_OutputFormat(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testWAV(t), make(chan seenRequest, 1))

	want := audio.Format{SampleRate: 48000, Channels: 2}
	p, _ := coqui.New(srv.URL, coqui.WithOutputFormat(want))
	out, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != want {
		t.Errorf("Format = %v, want %v", out.Format, want)
	}
	if d := out.Format.Duration(len(out.Data)); d < 95*time.Millisecond || d > 105*time.Millisecond {
		t.Errorf("duration after conversion = %v, want about 100ms", d)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "garbage" {
			_, _ = w.Write([]byte("not a wav"))
			return
		}
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := coqui.New(srv.URL)
	for _, text := range []string{"", "boom", "garbage"} {
		if _, err := p.Synthesize(context.Background(), tts.Request{Text: text}); err == nil {
			t.Errorf("Synthesize(%q): expected error", text)
		}
	}
}

// ---- voices ----

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil, make(chan seenRequest, 4))

	tests := []struct {
		mode coqui.APIMode
		want []string
	}{
		{mode: coqui.APIModeStandard, want: []string{"p225", "p226"}},
		{mode: coqui.APIModeXTTS, want: []string{"Ana", "Daisy"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			p, _ := coqui.New(srv.URL, coqui.WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.want) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.want))
			}
			for i, v := range voices {
				if v.ID != tt.want[i] {
					t.Errorf("voice %d = %q, want %q", i, v.ID, tt.want[i])
				}
			}
		})
	}
}
