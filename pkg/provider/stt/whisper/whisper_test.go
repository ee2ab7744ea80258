package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type captured struct {
	fields map[string]string
	file   []byte
}

// newMockServer responds to POST /inference with body and records the last
// multipart request in *last.
func newMockServer(t *testing.T, status int, body any, last *atomic.Pointer[captured]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c := &captured{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			c.fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			c.file, _ = io.ReadAll(f)
			f.Close()
		}
		if last != nil {
			last.Store(c)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_SendsAudioAndLanguage(t *testing.T) {
	t.Parallel()
	var last atomic.Pointer[captured]
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "  hello world \n"}, &last)

	p, err := whisper.New(srv.URL+"/", whisper.WithModel("small"), whisper.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFFfake"), Language: "de"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Skipped {
		t.Errorf("result = %+v, want trimmed text and not skipped", res)
	}
	if res.DetectedLanguage != "de" {
		t.Errorf("DetectedLanguage = %q, want the requested language", res.DetectedLanguage)
	}

	c := last.Load()
	if c == nil {
		t.Fatal("server saw no request")
	}
	if string(c.file) != "RIFFfake" {
		t.Errorf("uploaded file = %q", c.file)
	}
	if c.fields["language"] != "de" || c.fields["model"] != "small" || c.fields["response_format"] != "json" {
		t.Errorf("form fields = %v", c.fields)
	}
}

func TestTranscribe_DefaultLanguageIsAuto(t *testing.T) {
	t.Parallel()
	var last atomic.Pointer[captured]
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "bonjour", "detected_language": "fr"}, &last)

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got := last.Load().fields["language"]; got != "auto" {
		t.Errorf("language field = %q, want auto", got)
	}
	if res.DetectedLanguage != "fr" {
		t.Errorf("DetectedLanguage = %q, want fr", res.DetectedLanguage)
	}
}

func TestTranscribe_PlaceholderIsSkipped(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": " [BLANK_AUDIO]"}, nil)

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.Skipped || res.Reason != stt.ReasonPlaceholder {
		t.Errorf("result = %+v, want skipped placeholder", res)
	}
}

func TestTranscribe_EmptyAudioSkipsRequest(t *testing.T) {
	t.Parallel()
	var last atomic.Pointer[captured]
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "x"}, &last)

	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), stt.Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.Skipped {
		t.Error("empty audio should be skipped")
	}
	if last.Load() != nil {
		t.Error("empty audio should not reach the server")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, http.StatusInternalServerError, map[string]string{"error": "boom"}, nil)

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_ErrorField(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, http.StatusOK, map[string]string{"error": "failed to read WAV"}, nil)

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error when the body carries an error field")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "late"}, nil)

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
