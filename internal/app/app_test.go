package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/MrWong99/parlox/internal/app"
	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/history"
	"github.com/MrWong99/parlox/pkg/audio"
	audiomock "github.com/MrWong99/parlox/pkg/audio/mock"
	sttmock "github.com/MrWong99/parlox/pkg/provider/stt/mock"
	trmock "github.com/MrWong99/parlox/pkg/provider/translate/mock"
	"github.com/MrWong99/parlox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parlox/pkg/provider/tts/mock"
)

// testConfig returns a minimal English to German config.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Session: config.SessionConfig{
			SourceLang: "en",
			TargetLang: "de",
		},
		Input: config.InputConfig{Device: "mic"},
	}
}

// testProviders returns mock providers for every stage.
func testProviders() *app.Providers {
	return &app.Providers{
		STT:        &sttmock.Provider{},
		Translator: &trmock.Provider{},
		TTS: &ttsmock.Provider{
			Voices: []tts.Voice{{ID: "v1", Name: "Anna"}},
		},
	}
}

type testApp struct {
	*app.App
	store   *history.Memory
	opener  *opener
	catalog *audiomock.Catalog
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *testApp {
	t.Helper()
	ta := &testApp{
		store:  history.NewMemory(10),
		opener: &opener{},
		catalog: &audiomock.Catalog{
			Default:    &audiomock.Sink{DeviceID: "speakers"},
			DeviceList: []audio.Device{{ID: "speakers", Name: "Speakers", Output: true, Default: true}},
		},
	}
	opts = append([]app.Option{
		app.WithCatalog(ta.catalog),
		app.WithCapture(app.CaptureOpenerFunc(ta.opener.open)),
		app.WithHistory(ta.store),
	}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	ta.App = a
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ta.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type sessionBody struct {
	Active   bool             `json:"active"`
	Session  *app.SessionInfo `json:"session"`
	Settings struct {
		SourceLang  string           `json:"source_lang"`
		TargetLang  string           `json:"target_lang"`
		VoiceID     string           `json:"voice_id"`
		Output      string           `json:"output"`
		ResumeDelay string           `json:"resume_delay"`
		VAD         config.VADConfig `json:"vad"`
	} `json:"settings"`
}

// ─── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.Translator = nil
	if _, err := app.New(context.Background(), testConfig(), p); err == nil {
		t.Error("New succeeded without a translator")
	}
}

func TestNew_NoOutputAvailable(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), testProviders(), app.WithHistory(history.NewMemory(1)))
	if err == nil {
		t.Fatal("New succeeded without a device catalog")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	if _, err := ta.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ta.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ta.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
	if err := ta.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_RunAutostartAndStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Autostart = true
	ta := newTestApp(t, cfg, testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ta.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !ta.Sessions().IsActive() {
		if time.Now().After(deadline) {
			t.Fatal("autostart did not start a session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ─── API ──────────────────────────────────────────────────────────────────────

func TestAPI_SessionLifecycle(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())

	rec := ta.do(t, "POST", "/v1/session/start", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	info := decode[app.SessionInfo](t, rec)
	if info.ID == "" || info.TargetLang != "de" {
		t.Errorf("info = %+v", info)
	}

	if rec := ta.do(t, "POST", "/v1/session/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	rec = ta.do(t, "GET", "/v1/session", "")
	body := decode[sessionBody](t, rec)
	if !body.Active || body.Session == nil || body.Session.ID != info.ID {
		t.Errorf("session = %+v", body)
	}

	if rec := ta.do(t, "POST", "/v1/session/recalibrate", ""); rec.Code != http.StatusAccepted {
		t.Errorf("recalibrate status = %d, want 202", rec.Code)
	}
	if rec := ta.do(t, "POST", "/v1/session/stop", ""); rec.Code != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", rec.Code)
	}
	if rec := ta.do(t, "POST", "/v1/session/stop", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second stop status = %d, want 404", rec.Code)
	}

	rec = ta.do(t, "GET", "/v1/session", "")
	if body := decode[sessionBody](t, rec); body.Active || body.Session != nil {
		t.Errorf("session after stop = %+v", body)
	}
}

func TestAPI_StartFailsWithBadInput(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Input.Device = config.FilePrefix + "/does/not/exist.wav"
	ta := newTestApp(t, cfg, testProviders())

	rec := ta.do(t, "POST", "/v1/session/start", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] == "" {
		t.Error("error body is empty")
	}
}

func TestAPI_ConfigPatch(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	rec := ta.do(t, "PATCH", "/v1/session/config",
		`{"target_lang":"fr","voice_id":"v1","resume_delay":"250ms","vad":{"silence_timeout":"900ms","margin":0.02}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, "GET", "/v1/session", "")
	s := decode[sessionBody](t, rec).Settings
	if s.TargetLang != "fr" || s.VoiceID != "v1" {
		t.Errorf("settings = %+v", s)
	}
	if s.ResumeDelay != "250ms" {
		t.Errorf("resume_delay = %q, want 250ms", s.ResumeDelay)
	}
	if s.VAD.SilenceTimeout != 900*time.Millisecond || s.VAD.Margin != 0.02 {
		t.Errorf("vad = %+v", s.VAD)
	}

	// A second VAD patch keeps the fields it does not name.
	ta.do(t, "PATCH", "/v1/session/config", `{"vad":{"onset_frames":5}}`)
	if v := ta.Sessions().VAD(); v.SilenceTimeout != 900*time.Millisecond || v.OnsetFrames != 5 {
		t.Errorf("vad after overlay = %+v", v)
	}
}

func TestAPI_ConfigPatchSwap(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	rec := ta.do(t, "PATCH", "/v1/session/config", `{"swap":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if s := ta.Sessions().Settings(); s.SourceLang != "de" || s.TargetLang != "en" {
		t.Errorf("settings = %s→%s, want de→en", s.SourceLang, s.TargetLang)
	}
}

func TestAPI_ConfigPatchInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"target_lang":`},
		{"unknown field", `{"colour":"blue"}`},
		{"unknown vad field", `{"vad":{"loudness":3}}`},
		{"empty target", `{"target_lang":""}`},
		{"negative resume delay", `{"resume_delay":"-1s"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ta := newTestApp(t, testConfig(), testProviders())
			if rec := ta.do(t, "PATCH", "/v1/session/config", tc.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := ta.Sessions().Settings().TargetLang; got != "de" {
				t.Errorf("target = %q, want de kept", got)
			}
		})
	}
}

func TestAPI_Devices(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	rec := ta.do(t, "GET", "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	devices := decode[[]audio.Device](t, rec)
	if len(devices) != 1 || devices[0].ID != "speakers" {
		t.Errorf("devices = %+v", devices)
	}

	ta.catalog.DevicesErr = errors.New("backend gone")
	if rec := ta.do(t, "GET", "/v1/devices", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// plainTTS hides the voice catalogue of the wrapped provider.
type plainTTS struct{ tts.Provider }

func TestAPI_Voices(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	rec := ta.do(t, "GET", "/v1/voices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if voices := decode[[]tts.Voice](t, rec); len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("voices = %+v", voices)
	}

	p := testProviders()
	p.TTS = plainTTS{p.TTS}
	ta = newTestApp(t, testConfig(), p)
	if rec := ta.do(t, "GET", "/v1/voices", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("status without catalogue = %d, want 501", rec.Code)
	}

	p = testProviders()
	p.TTS = &ttsmock.Provider{ListVoicesErr: errors.New("unauthorised")}
	ta = newTestApp(t, testConfig(), p)
	if rec := ta.do(t, "GET", "/v1/voices", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("status on provider error = %d, want 502", rec.Code)
	}
}

func TestAPI_History(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := ta.store.Save(ctx, history.Entry{Session: "s1", Source: text, Target: text}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	rec := ta.do(t, "GET", "/v1/history?session=s1&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries := decode[[]history.Entry](t, rec)
	if len(entries) != 2 || entries[0].Source != "three" {
		t.Errorf("entries = %+v", entries)
	}

	rec = ta.do(t, "GET", "/v1/history", "")
	if entries := decode[[]history.Entry](t, rec); len(entries) != 0 {
		t.Errorf("history without session = %+v, want empty", entries)
	}

	if rec := ta.do(t, "GET", "/v1/history?session=s1&limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	ta := newTestApp(t, testConfig(), testProviders(), app.WithMetricsHandler(metrics))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := ta.do(t, "GET", path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestAPI_RedisStatus(t *testing.T) {
	t.Parallel()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	cfg := testConfig()
	cfg.Status.RedisURL = "redis://" + server.Addr()
	cfg.Status.KeyPrefix = "test:latest:"
	ta := newTestApp(t, cfg, testProviders())

	rec := ta.do(t, "GET", "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d: %s", rec.Code, rec.Body)
	}
	body := decode[struct {
		Checks map[string]string `json:"checks"`
	}](t, rec)
	if body.Checks["status"] != "ok" {
		t.Errorf("status check = %q", body.Checks["status"])
	}

	info, err := ta.Sessions().Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !server.Exists("test:latest:" + info.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("no latest state in redis; keys = %v", server.Keys())
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.Close()
	if rec := ta.do(t, "GET", "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with redis down = %d, want 503", rec.Code)
	}
}

// ─── Hot reload ───────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	ta := newTestApp(t, testConfig(), testProviders(), app.WithLevelVar(level))

	fr := "fr"
	delay := 750 * time.Millisecond
	cfg := testConfig()
	cfg.Session.TargetLang = fr
	ta.ApplyConfig(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		TargetLang:      &fr,
		ResumeDelay:     &delay,
		RestartRequired: []string{"server.listen_addr"},
	}, cfg)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := ta.Sessions().Settings().TargetLang; got != "fr" {
		t.Errorf("target = %q, want fr", got)
	}
	rec := ta.do(t, "GET", "/v1/session", "")
	if s := decode[sessionBody](t, rec).Settings; s.ResumeDelay != "750ms" {
		t.Errorf("resume_delay = %q, want 750ms", s.ResumeDelay)
	}
}

func TestApplyConfig_InvalidChangeKeepsSettings(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, testConfig(), testProviders())
	empty := ""
	ta.ApplyConfig(config.ConfigDiff{TargetLang: &empty}, testConfig())
	if got := ta.Sessions().Settings().TargetLang; got != "de" {
		t.Errorf("target = %q, want de kept", got)
	}
}
