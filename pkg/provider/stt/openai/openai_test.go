package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/stt/openai"
)

type form struct {
	model, language string
	file            int64
}

func newServer(t *testing.T, status int, text string, forms chan<- form) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := form{model: r.FormValue("model"), language: r.FormValue("language")}
		if _, hdr, err := r.FormFile("file"); err == nil {
			f.file = hdr.Size
		}
		select {
		case forms <- f:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	forms := make(chan form, 1)
	srv := newServer(t, http.StatusOK, "Guten Morgen", forms)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF....WAVE")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Guten Morgen" || res.DetectedLanguage != "de" || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	got := <-forms
	if got.model != "whisper-1" || got.language != "de" || got.file != int64(len("RIFF....WAVE")) {
		t.Errorf("form = %+v", got)
	}
}

func TestTranscribe_SilenceSkipped(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, "(silence)", make(chan form, 1))

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"))
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.Skipped {
		t.Errorf("result = %+v, want skipped", res)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusBadRequest, "", make(chan form, 1))

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithTimeout(0))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}
