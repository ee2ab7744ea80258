package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/history"
	"github.com/MrWong99/parlox/internal/observe"
	"github.com/MrWong99/parlox/internal/pipeline"
	"github.com/MrWong99/parlox/internal/resilience"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

// maxBodyBytes bounds request bodies of the control API.
const maxBodyBytes = 64 << 10

// historyLimit is the default page size of GET /v1/history.
const historyLimit = 50

// Handler returns the control API:
//
//	POST  /v1/session/start        start a session
//	POST  /v1/session/stop         stop the session
//	POST  /v1/session/restart      stop and start again
//	PATCH /v1/session/config       change languages, voice, output or VAD
//	POST  /v1/session/recalibrate  measure the noise floor again
//	GET   /v1/session              running session and settings
//	GET   /v1/devices              output devices
//	GET   /v1/voices               synthesis voices
//	GET   /v1/history              recent translations
//	GET   /v1/status/ws            status event websocket
//	GET   /metrics, /healthz, /readyz
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/restart", a.handleRestart)
	mux.HandleFunc("PATCH /v1/session/config", a.handleConfig)
	mux.HandleFunc("POST /v1/session/recalibrate", a.handleRecalibrate)
	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("GET /v1/devices", a.handleDevices)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	mux.HandleFunc("GET /v1/status/ws", a.hub.ServeWS)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.Start(r.Context())
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, info)
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.manager.Stop(r.Context())
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) handleRestart(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.Restart(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleRecalibrate(w http.ResponseWriter, _ *http.Request) {
	err := a.manager.Recalibrate()
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusConflict, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// ─── Settings ────────────────────────────────────────────────────────────────

// settingsView is the JSON form of the session settings.
type settingsView struct {
	SourceLang  string           `json:"source_lang"`
	TargetLang  string           `json:"target_lang"`
	VoiceID     string           `json:"voice_id,omitempty"`
	Output      string           `json:"output,omitempty"`
	ResumeDelay string           `json:"resume_delay"`
	VAD         config.VADConfig `json:"vad"`
}

type sessionView struct {
	Active   bool         `json:"active"`
	Session  *SessionInfo `json:"session,omitempty"`
	Settings settingsView `json:"settings"`
}

func (a *App) settingsView(s pipeline.Settings) settingsView {
	return settingsView{
		SourceLang:  s.SourceLang,
		TargetLang:  s.TargetLang,
		VoiceID:     s.VoiceID,
		Output:      s.Output,
		ResumeDelay: a.router.ResumeDelay().String(),
		VAD:         a.manager.VAD(),
	}
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	v := sessionView{Settings: a.settingsView(a.manager.Settings())}
	if info, ok := a.manager.Info(); ok {
		v.Active = true
		v.Session = &info
	}
	writeJSON(w, http.StatusOK, v)
}

// configPatch is the body of PATCH /v1/session/config. Absent fields stay
// unchanged. Durations are strings ("700ms") or nanoseconds. VAD holds only
// the fields to change.
type configPatch struct {
	SourceLang  *string        `mapstructure:"source_lang"`
	TargetLang  *string        `mapstructure:"target_lang"`
	VoiceID     *string        `mapstructure:"voice_id"`
	Output      *string        `mapstructure:"output"`
	Swap        bool           `mapstructure:"swap"`
	ResumeDelay *time.Duration `mapstructure:"resume_delay"`
	VAD         map[string]any `mapstructure:"vad"`
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("app: decode body: %w", err))
		return
	}
	var p configPatch
	if err := config.DecodeMap(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("app: decode body: %w", err))
		return
	}
	if p.ResumeDelay != nil && *p.ResumeDelay < 0 {
		writeError(w, http.StatusBadRequest, errors.New("app: resume_delay must not be negative"))
		return
	}

	u := Update{
		SourceLang: p.SourceLang,
		TargetLang: p.TargetLang,
		VoiceID:    p.VoiceID,
		Output:     p.Output,
		Swap:       p.Swap,
	}
	if len(p.VAD) > 0 {
		v := a.manager.VAD()
		if err := config.DecodeMap(p.VAD, &v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("app: decode vad: %w", err))
			return
		}
		u.VAD = &v
	}

	settings := a.manager.Settings()
	if !u.IsZero() {
		s, err := a.manager.Reconfigure(u)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		settings = s
	}
	if p.ResumeDelay != nil {
		a.router.SetResumeDelay(*p.ResumeDelay)
	}
	slog.Info("app: settings changed",
		"source_lang", settings.SourceLang,
		"target_lang", settings.TargetLang,
		"voice", settings.VoiceID,
		"output", settings.Output,
	)
	writeJSON(w, http.StatusOK, a.settingsView(settings))
}

// ─── Catalogues ──────────────────────────────────────────────────────────────

func (a *App) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := a.catalog.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	lister, ok := a.providers.TTS.(tts.VoiceLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, resilience.ErrNoVoiceCatalog)
		return
	}
	voices, err := lister.ListVoices(r.Context())
	switch {
	case errors.Is(err, resilience.ErrNoVoiceCatalog):
		writeError(w, http.StatusNotImplemented, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, voices)
	}
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		session = a.manager.LastID()
	}
	limit := historyLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("app: invalid limit %q", s))
			return
		}
		limit = n
	}
	if session == "" {
		writeJSON(w, http.StatusOK, []history.Entry{})
		return
	}
	entries, err := a.history.Recent(r.Context(), session, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Warn("app: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
