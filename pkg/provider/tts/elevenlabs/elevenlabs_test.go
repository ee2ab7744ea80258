package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

// ---- construction ----

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	if _, err := New("k", WithOutputFormat("pcm_abc")); err == nil {
		t.Error("expected error for invalid sample rate")
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()
	f, err := parseOutputFormat("pcm_24000")
	if err != nil {
		t.Fatalf("parseOutputFormat: %v", err)
	}
	if f != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("format = %v", f)
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()
	p, _ := New("k", WithModel("eleven_multilingual_v2"))
	got, err := p.streamURL("voice-abc123", "de")
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	for _, want := range []string{
		"wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input?",
		"model_id=eleven_multilingual_v2",
		"output_format=pcm_16000",
		"language_code=de",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("URL %q missing %q", got, want)
		}
	}
}

// ---- streaming ----

// fakeServer speaks the input-streaming protocol: it reads text messages
// until the empty end-of-stream marker, then answers with one audio message
// per element of replies followed by isFinal.
func fakeServer(t *testing.T, replies [][]byte, received chan<- []textMessage) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/text-to-speech/{voice}/stream-input", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var got []textMessage
		for {
			var m textMessage
			if err := wsjson.Read(ctx, conn, &m); err != nil {
				return
			}
			got = append(got, m)
			if m.Text == "" {
				break
			}
		}
		if received != nil {
			received <- got
		}
		for _, pcm := range replies {
			_ = wsjson.Write(ctx, conn, map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)})
		}
		_ = wsjson.Write(ctx, conn, map[string]any{"isFinal": true})
		conn.Close(websocket.StatusNormalClosure, "")
	})
	mux.HandleFunc("/v1/voices", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"voices": []map[string]any{
				{"voice_id": "v1", "name": "Rachel", "category": "premade", "labels": map[string]string{"accent": "american"}},
				{"voice_id": "v2", "name": "Klaus"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSynthesizeStream_IndexesChunks(t *testing.T) {
	t.Parallel()
	received := make(chan []textMessage, 1)
	srv := fakeServer(t, [][]byte{{1, 0, 2, 0}, {3, 0}}, received)

	p, _ := New("test-key", WithBaseURL(srv.URL))
	stream, err := p.SynthesizeStream(context.Background(), tts.Request{Text: "Hallo Welt", VoiceID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if stream.Format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("Format = %v", stream.Format)
	}

	var chunks []tts.Chunk
	for c := range stream.Chunks {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if c.Index != i || c.Err != nil {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
	if !chunks[2].Final || chunks[0].Final {
		t.Error("only the last chunk should be final")
	}

	msgs := <-received
	if len(msgs) != 3 {
		t.Fatalf("server got %d messages, want 3", len(msgs))
	}
	if msgs[0].Text != " " || msgs[0].VoiceSettings == nil {
		t.Errorf("first message = %+v, want space with voice settings", msgs[0])
	}
	if msgs[1].Text != "Hallo Welt " {
		t.Errorf("text message = %q", msgs[1].Text)
	}
}

func TestSynthesize_Concatenates(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, [][]byte{{1, 0}, {2, 0}, {3, 0}}, nil)

	p, _ := New("test-key", WithBaseURL(srv.URL), WithVoice("v1"))
	out, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if want := []byte{1, 0, 2, 0, 3, 0}; string(out.Data) != string(want) {
		t.Errorf("Data = %v, want %v", out.Data, want)
	}
}

func TestSynthesizeStream_Validation(t *testing.T) {
	t.Parallel()
	p, _ := New("test-key")
	if _, err := p.SynthesizeStream(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error without a voice")
	}
	if _, err := p.SynthesizeStream(context.Background(), tts.Request{Text: "  ", VoiceID: "v"}); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestSynthesizeStream_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, nil, nil)
	p, _ := New("wrong-key", WithBaseURL(srv.URL))
	if _, err := p.SynthesizeStream(context.Background(), tts.Request{Text: "hi", VoiceID: "v1"}); err == nil {
		t.Fatal("expected dial error for rejected key")
	}
}

// ---- voices ----

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, nil, nil)
	p, _ := New("test-key", WithBaseURL(srv.URL))

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "v1" || voices[0].Name != "Rachel" {
		t.Errorf("voice 0 = %+v", voices[0])
	}
	if voices[0].Labels["category"] != "premade" || voices[0].Labels["accent"] != "american" {
		t.Errorf("labels = %v", voices[0].Labels)
	}
}
