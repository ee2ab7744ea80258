package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/dedupe"
	"github.com/MrWong99/parlox/internal/history"
	"github.com/MrWong99/parlox/internal/observe"
	"github.com/MrWong99/parlox/internal/pipeline"
	"github.com/MrWong99/parlox/internal/playback"
	"github.com/MrWong99/parlox/internal/status"
	"github.com/MrWong99/parlox/internal/translation"
	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/audio/preprocess"
)

var (
	// ErrNoSession is returned by operations that need a running session.
	ErrNoSession = errors.New("app: no active session")

	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")
)

// stopTimeout bounds how long Stop waits for a session to tear down when
// the caller's context has no deadline.
const stopTimeout = 10 * time.Second

// SessionInfo describes the running session.
type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	// Input is the capture selector the session listens to.
	Input string `json:"input"`

	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	VoiceID    string `json:"voice_id,omitempty"`
	Output     string `json:"output,omitempty"`

	// Level is the input level in dBFS.
	Level float64 `json:"level_dbfs"`
}

// Update is a settings change in configuration terms. Nil fields are left
// unchanged.
type Update struct {
	SourceLang *string
	TargetLang *string
	VoiceID    *string
	Output     *string

	// Swap exchanges source and target language first.
	Swap bool

	// VAD replaces the segmentation settings.
	VAD *config.VADConfig
}

// IsZero reports whether u changes nothing.
func (u Update) IsZero() bool { return u == Update{} }

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Open opens the capture source for a selector.
	Open func(selector string) (audio.CaptureSource, error)

	Synth     playback.Preparer
	Output    pipeline.Output
	Publisher status.Publisher
	History   history.Store
	Metrics   *observe.Metrics
}

// SessionManager runs at most one translation session at a time and keeps
// the settings the next session starts with. All exported methods are safe
// for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  *pipeline.Session
	info    SessionInfo
	lastID  string
	cancel  context.CancelFunc
	format  audio.Format
	base    pipeline.Settings
	baseVAD config.VADConfig

	cfg       *config.Config
	providers *Providers
	open      func(string) (audio.CaptureSource, error)
	synth     playback.Preparer
	output    pipeline.Output
	publisher status.Publisher
	history   history.Store
	metrics   *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
// The session settings start from cfg.Session, cfg.Output and cfg.VAD.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		open:      cfg.Open,
		synth:     cfg.Synth,
		output:    cfg.Output,
		publisher: cfg.Publisher,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		baseVAD:   cfg.Config.VAD,
	}
	sm.format = sm.vadFormat()
	sm.base = pipeline.Settings{
		SourceLang: cfg.Config.Session.SourceLang,
		TargetLang: cfg.Config.Session.TargetLang,
		VoiceID:    cfg.Config.Session.VoiceID,
		Output:     cfg.Config.Output.Device,
		VAD:        cfg.Config.VAD.Engine(sm.format),
	}
	return sm
}

// vadFormat is the format segments are produced in: the output of the DSP
// chain when it runs, the segmentation default otherwise.
func (sm *SessionManager) vadFormat() audio.Format {
	if sm.cfg.Input.PreprocessEnabled() {
		return sm.newChain().Format()
	}
	return audio.Format{}
}

func (sm *SessionManager) newChain() *preprocess.Chain {
	var opts []preprocess.Option
	if hz := sm.cfg.Input.HighPassHz; hz > 0 {
		opts = append(opts, preprocess.WithHighPass(hz))
	}
	if g := sm.cfg.Input.Boost; g > 0 {
		opts = append(opts, preprocess.WithBoost(g))
	}
	return preprocess.New(opts...)
}

// Start opens the capture source and starts a session with the current
// settings. It returns [ErrSessionActive] if a session is running.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.ID)
	}

	input := sm.cfg.Input.Device
	src, err := sm.open(input)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: open capture %q: %w", input, err)
	}

	opts := []pipeline.Option{
		pipeline.WithPublisher(sm.publisher),
		pipeline.WithHistory(sm.history),
		pipeline.WithMetrics(sm.metrics),
		pipeline.WithDeduper(sm.deduper()),
	}
	if sm.cfg.Input.PreprocessEnabled() {
		opts = append(opts, pipeline.WithPreprocess(sm.newChain()))
	}
	if d := sm.cfg.Session.ContextClearAfter; d > 0 {
		opts = append(opts, pipeline.WithTranslationContext(translation.WithClearAfter(d)))
	}
	if n := sm.cfg.Session.ContextTurns; n != nil {
		opts = append(opts, pipeline.WithContextTurns(*n))
	}

	id := uuid.NewString()
	sess, err := pipeline.New(pipeline.Config{
		ID:         id,
		Source:     src,
		STT:        sm.providers.STT,
		Translator: sm.providers.Translator,
		Synth:      sm.synth,
		Output:     sm.output,
		Settings:   sm.base,
	}, opts...)
	if err != nil {
		_ = src.Close()
		return SessionInfo{}, fmt.Errorf("app: create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sm.active = sess
	sm.cancel = cancel
	sm.lastID = id
	sm.info = SessionInfo{ID: id, StartedAt: time.Now().UTC(), Input: input}

	go func() {
		if err := sess.Run(runCtx); err != nil {
			slog.Error("app: session ended with error", "session", id, "err", err)
		}
		sm.release(sess)
	}()

	slog.Info("app: session started", "session", id, "input", input,
		"source_lang", sm.base.SourceLang, "target_lang", sm.base.TargetLang)
	return sm.infoLocked(), nil
}

func (sm *SessionManager) deduper() *dedupe.Deduper {
	var opts []dedupe.Option
	if n := sm.cfg.Dedupe.MaxWords; n > 0 {
		opts = append(opts, dedupe.WithMaxWords(n))
	}
	if th := sm.cfg.Dedupe.Phonetic; th > 0 {
		opts = append(opts, dedupe.WithPhonetic(th))
	}
	return dedupe.New(opts...)
}

// release forgets sess once its Run returned.
func (sm *SessionManager) release(sess *pipeline.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != sess {
		return
	}
	sm.cancel()
	sm.active = nil
	sm.cancel = nil
	sm.info = SessionInfo{}
}

// Stop ends the running session and waits for its teardown. It returns
// [ErrNoSession] if none is running.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	sess := sm.active
	sm.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	sess.Stop()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stopTimeout)
		defer cancel()
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		return fmt.Errorf("app: stop session %s: %w", sess.ID(), ctx.Err())
	}
	sm.release(sess)
	slog.Info("app: session stopped", "session", sess.ID())
	return nil
}

// Restart stops the running session, if any, and starts a new one.
func (sm *SessionManager) Restart(ctx context.Context) (SessionInfo, error) {
	if err := sm.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return SessionInfo{}, err
	}
	return sm.Start(ctx)
}

// Reconfigure applies u to the settings of the running session and of every
// later one. Without a running session only the stored settings change. It
// returns the resulting settings; the running session adopts them once the
// current utterance ended.
func (sm *SessionManager) Reconfigure(u Update) (pipeline.Settings, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	c := pipeline.Change{
		SourceLang: u.SourceLang,
		TargetLang: u.TargetLang,
		VoiceID:    u.VoiceID,
		Output:     u.Output,
		Swap:       u.Swap,
	}
	if u.VAD != nil {
		v := u.VAD.Engine(sm.format)
		c.VAD = &v
	}
	next := pipeline.Reduce(sm.base, c)
	if err := next.Validate(); err != nil {
		return sm.base, err
	}
	if sm.active != nil {
		if err := sm.active.Reconfigure(c); err != nil {
			return sm.base, err
		}
	}
	sm.base = next
	if u.VAD != nil {
		sm.baseVAD = *u.VAD
	}
	return next, nil
}

// Recalibrate asks the running session to measure the noise floor again.
func (sm *SessionManager) Recalibrate() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return ErrNoSession
	}
	return sm.active.Recalibrate()
}

// Info returns the running session, or false if there is none.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}, false
	}
	return sm.infoLocked(), true
}

func (sm *SessionManager) infoLocked() SessionInfo {
	info := sm.info
	info.SourceLang = sm.base.SourceLang
	info.TargetLang = sm.base.TargetLang
	info.VoiceID = sm.base.VoiceID
	info.Output = sm.base.Output
	info.Level = audio.DBFS(sm.active.Level())
	return info
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// LastID returns the id of the running or most recent session.
func (sm *SessionManager) LastID() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastID
}

// Settings returns the settings the next session starts with.
func (sm *SessionManager) Settings() pipeline.Settings {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.base
}

// VAD returns the segmentation settings in configuration terms.
func (sm *SessionManager) VAD() config.VADConfig {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.baseVAD
}
