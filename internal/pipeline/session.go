// Package pipeline runs a translation session. It segments captured audio
// into utterances, transcribes and translates each one in capture order and
// hands the translation to the prepare-ahead playback queue.
//
// A [Session] runs three goroutines besides its caller: the frame loop (which
// owns the voice-activity engine), one ordered worker and the playback
// dispatcher. Status events are published from a fourth goroutine so that a
// slow publisher never stalls audio processing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parlox/internal/dedupe"
	"github.com/MrWong99/parlox/internal/history"
	"github.com/MrWong99/parlox/internal/observe"
	"github.com/MrWong99/parlox/internal/playback"
	"github.com/MrWong99/parlox/internal/status"
	"github.com/MrWong99/parlox/internal/translation"
	"github.com/MrWong99/parlox/internal/vad"
	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/audio/preprocess"
	"github.com/MrWong99/parlox/pkg/provider/stt"
	"github.com/MrWong99/parlox/pkg/provider/translate"
)

var (
	// ErrCaptureFailed is returned by [Session.Run] when the capture source
	// ended with an error. It wraps the source's error.
	ErrCaptureFailed = errors.New("pipeline: capture failed")

	// ErrStopped is returned by operations on a stopped session.
	ErrStopped = errors.New("pipeline: session stopped")

	// ErrRunning is returned by a second call to [Session.Run].
	ErrRunning = errors.New("pipeline: session already running")
)

const (
	// DefaultLevelInterval is how often the input level is published.
	DefaultLevelInterval = 250 * time.Millisecond

	// DefaultContextTurns is the number of earlier turns passed to the
	// translator.
	DefaultContextTurns = 3

	segmentBuffer  = 16
	eventBuffer    = 256
	publishTimeout = 2 * time.Second

	// dedupeSlack is how far apart two segments may be and still share
	// words at their boundary.
	dedupeSlack = 500 * time.Millisecond
)

// Output plays prepared audio and keeps the capture source from hearing it.
// [router.Router] implements it.
type Output interface {
	playback.Player

	// SetOutput selects the output device for later plays.
	SetOutput(id string)

	// SetCapture registers the source to pause around playback. Nil
	// unregisters it.
	SetCapture(c audio.CaptureSource)

	// ResumeNow resumes a paused capture source immediately.
	ResumeNow()
}

// Config holds the collaborators of a [Session].
type Config struct {
	// ID identifies the session in logs, status events and history. Empty
	// generates a random id.
	ID string

	// Source is the capture source. The session owns it and closes it when
	// Run returns.
	Source audio.CaptureSource

	STT        stt.Provider
	Translator translate.Provider

	// Synth turns translations into audio.
	Synth playback.Preparer

	// Output plays synthesised audio.
	Output Output

	// Settings is the initial configuration.
	Settings Settings
}

// Option configures a [Session].
type Option func(*Session)

// WithPreprocess runs every captured frame through chain before
// segmentation.
func WithPreprocess(chain *preprocess.Chain) Option {
	return func(s *Session) { s.pre = chain }
}

// WithPublisher sets the status event publisher.
func WithPublisher(p status.Publisher) Option {
	return func(s *Session) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithHistory records every translation in store.
func WithHistory(store history.Store) Option {
	return func(s *Session) { s.history = store }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDeduper replaces the exact-match boundary deduplicator.
func WithDeduper(d *dedupe.Deduper) Option {
	return func(s *Session) {
		if d != nil {
			s.deduper = d
		}
	}
}

// WithTranslationContext configures the rolling translation context.
func WithTranslationContext(opts ...translation.Option) Option {
	return func(s *Session) { s.tctxOpts = opts }
}

// WithContextTurns overrides [DefaultContextTurns]. Zero disables context.
func WithContextTurns(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.turns = n
		}
	}
}

// WithLevelInterval overrides [DefaultLevelInterval].
func WithLevelInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.levelEvery = d
		}
	}
}

// Session is one running translation pipeline. Create it with [New], run it
// with [Session.Run] and end it with [Session.Stop] or by cancelling the
// context passed to Run.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id        string
	source    audio.CaptureSource
	stt       stt.Provider
	translate translate.Provider
	synth     playback.Preparer
	out       Output

	pre        *preprocess.Chain
	publisher  status.Publisher
	history    history.Store
	metrics    *observe.Metrics
	deduper    *dedupe.Deduper
	tctxOpts   []translation.Option
	tctx       *translation.Context
	turns      int
	levelEvery time.Duration

	// Owned by the frame loop.
	engine *vad.Engine

	// Created by Run; read by the dispatcher hooks only.
	queue *playback.Queue

	// Owned by the worker.
	prevText string
	prevEnd  time.Duration

	mu       sync.Mutex
	settings Settings
	pending  []Change

	changed  chan struct{}
	recal    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	level    atomic.Uint64

	events      chan status.Event
	quitPublish chan struct{}
}

// New validates cfg and returns a session ready to [Session.Run].
func New(cfg Config, opts ...Option) (*Session, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("pipeline: capture source is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("pipeline: transcription provider is required"))
	}
	if cfg.Translator == nil {
		errs = append(errs, errors.New("pipeline: translation provider is required"))
	}
	if cfg.Synth == nil {
		errs = append(errs, errors.New("pipeline: synthesis preparer is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("pipeline: output is required"))
	}
	if err := cfg.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Session{
		id:          cfg.ID,
		source:      cfg.Source,
		stt:         cfg.STT,
		translate:   cfg.Translator,
		synth:       cfg.Synth,
		out:         cfg.Output,
		settings:    cfg.Settings,
		publisher:   status.Discard,
		metrics:     observe.DefaultMetrics(),
		deduper:     dedupe.New(),
		turns:       DefaultContextTurns,
		levelEvery:  DefaultLevelInterval,
		changed:     make(chan struct{}, 1),
		recal:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		events:      make(chan status.Event, eventBuffer),
		quitPublish: make(chan struct{}),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	for _, o := range opts {
		o(s)
	}
	s.tctx = translation.NewContext(s.tctxOpts...)

	engine, err := vad.New(cfg.Settings.VAD,
		vad.WithStateHook(s.onVADState),
		vad.WithDiscardHook(func(time.Duration) {
			s.metrics.SegmentsDiscarded.Add(context.Background(), 1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	s.engine = engine
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Settings returns the settings currently in effect. Changes queued with
// [Session.Reconfigure] are not visible until the frame loop applied them.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Level returns the RMS level of the last processed frame, normalised to
// [0, 1].
func (s *Session) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session. The open segment is discarded, queued and playing
// audio is cancelled and the capture source is resumed and closed. Stop
// returns immediately; wait on [Session.Done] for the teardown to finish.
// It is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Reconfigure queues c. The frame loop applies queued changes between
// segments, never while speech is being captured.
func (s *Session) Reconfigure(c Change) error {
	if s.stopped() {
		return ErrStopped
	}
	if c.IsZero() {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
	return nil
}

// Recalibrate asks the frame loop to measure the noise floor again. An open
// segment is discarded.
func (s *Session) Recalibrate() error {
	if s.stopped() {
		return ErrStopped
	}
	select {
	case s.recal <- struct{}{}:
	default:
	}
	return nil
}

// Run processes audio until ctx ends, [Session.Stop] is called or the
// capture source fails. It returns nil in the first two cases and an error
// wrapping [ErrCaptureFailed] in the last. A session runs once.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.done)
	if s.stopped() {
		_ = s.source.Close()
		return ErrStopped
	}

	ctx = observe.WithSession(ctx, s.id)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := observe.Logger(ctx)

	var publishWG sync.WaitGroup
	publishWG.Go(s.publishLoop)
	defer func() {
		close(s.quitPublish)
		publishWG.Wait()
	}()

	settings := s.Settings()
	s.out.SetOutput(settings.Output)
	s.out.SetCapture(s.source)
	s.queue = playback.New(s.synth, s.out,
		playback.WithStateHook(s.onPlaybackState),
		playback.WithErrorHook(s.onPlaybackError),
		playback.WithPlayedHook(func(_ playback.Prepared, played, gap time.Duration) {
			s.metrics.RecordPlayback(context.Background(), played, gap)
		}),
		playback.WithDepthHook(func(delta int) {
			s.metrics.QueueDepth.Add(context.Background(), int64(delta))
		}),
	)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	log.Info("pipeline: session started",
		"source", s.source.Info().Kind,
		"device", s.source.Info().DeviceID,
		"source_lang", settings.SourceLang,
		"target_lang", settings.TargetLang,
	)
	s.emit(status.Event{Type: status.TypeState, State: status.StateStarting})

	segments := make(chan job, segmentBuffer)
	var workerWG sync.WaitGroup
	workerWG.Go(func() { s.worker(ctx, segments) })

	s.engine.Start()
	err = s.frameLoop(ctx, segments)

	// Teardown: discard the open segment, abort in-flight provider calls,
	// drop queued audio and release capture.
	s.engine.Cancel()
	close(segments)
	cancel()
	workerWG.Wait()
	_ = s.queue.Close()
	s.tctx.Clear()
	s.out.ResumeNow()
	s.out.SetCapture(nil)
	if cerr := s.source.Close(); cerr != nil {
		log.Warn("pipeline: close capture source", "err", cerr)
	}

	if err != nil {
		log.Error("pipeline: session failed", "err", err)
		s.emit(status.Event{Type: status.TypeState, State: status.StateFailed, Err: err.Error()})
		return err
	}
	log.Info("pipeline: session stopped")
	s.emit(status.Event{Type: status.TypeState, State: status.StateStopped})
	return nil
}

// ── frame loop ──────────────────────────────────────────────────────────────

// job is a finalized segment with the settings it was captured under.
type job struct {
	seg      *vad.Segment
	settings Settings
}

func (s *Session) frameLoop(ctx context.Context, segments chan<- job) error {
	tick := time.NewTicker(s.levelEvery)
	defer tick.Stop()

	frames := s.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil

		case <-s.recal:
			slog.Info("pipeline: recalibrating", "session", s.id)
			s.engine.Recalibrate()

		case <-s.changed:
			s.applyPending()

		case <-tick.C:
			s.applyPending()
			s.emit(status.Event{Type: status.TypeLevel, Level: audio.DBFS(s.Level())})

		case f, ok := <-frames:
			if !ok {
				if err := s.source.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrCaptureFailed, err)
				}
				// A finite source (file replay) ended. Keep the session up so
				// queued translations finish playing.
				slog.Info("pipeline: capture source ended", "session", s.id)
				frames = nil
				continue
			}
			if s.pre != nil {
				f = s.pre.Process(f)
			}
			seg, err := s.engine.OnFrame(f)
			s.level.Store(math.Float64bits(s.engine.Level()))
			if err != nil {
				slog.Warn("pipeline: segmentation error", "session", s.id, "err", err)
				continue
			}
			if seg != nil {
				s.metrics.RecordSegment(ctx, seg.Forced)
				select {
				case segments <- job{seg: seg, settings: s.Settings()}:
				case <-ctx.Done():
					return nil
				case <-s.stop:
					return nil
				}
			}
			s.applyPending()
		}
	}
}

// applyPending reduces queued changes into the settings. It runs on the
// frame loop and does nothing while speech is being captured.
func (s *Session) applyPending() {
	if s.engine.State() == vad.StateInSpeech {
		return
	}
	s.mu.Lock()
	changes := s.pending
	s.pending = nil
	cur := s.settings
	s.mu.Unlock()
	if len(changes) == 0 {
		return
	}

	next := cur
	for _, c := range changes {
		next = Reduce(next, c)
	}
	if strings.TrimSpace(next.TargetLang) == "" {
		slog.Warn("pipeline: ignoring empty target language", "session", s.id)
		next.TargetLang = cur.TargetLang
	}
	if next.VAD != cur.VAD {
		if err := s.engine.SetConfig(next.VAD); err != nil {
			slog.Warn("pipeline: rejected segmentation settings", "session", s.id, "err", err)
			next.VAD = cur.VAD
		}
	}
	if next.Output != cur.Output {
		s.out.SetOutput(next.Output)
	}
	if !translate.SameLanguage(next.SourceLang, cur.SourceLang) || !translate.SameLanguage(next.TargetLang, cur.TargetLang) {
		// Earlier turns are in the wrong language pair now.
		s.tctx.Clear()
	}

	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()

	slog.Info("pipeline: settings applied",
		"session", s.id,
		"changes", len(changes),
		"source_lang", next.SourceLang,
		"target_lang", next.TargetLang,
		"voice", next.VoiceID,
		"output", next.Output,
	)
	s.emit(status.Event{Type: status.TypeState, State: status.StateReconfigured, Language: next.TargetLang})
}

// ── worker ──────────────────────────────────────────────────────────────────

// worker handles segments one at a time so translations keep capture order.
func (s *Session) worker(ctx context.Context, segments <-chan job) {
	for j := range segments {
		if ctx.Err() != nil {
			continue
		}
		s.process(ctx, j.seg, j.settings)
	}
}

func (s *Session) process(ctx context.Context, seg *vad.Segment, settings Settings) {
	ctx, span := observe.StartSpan(ctx, "pipeline.utterance")
	defer span.End()
	log := observe.Logger(ctx).With("segment", seg.ID)

	start := time.Now()
	res, err := s.stt.Transcribe(ctx, stt.Request{Audio: seg.WAV, Language: sourceHint(settings.SourceLang)})
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.drop(ctx, log, "stt", err)
		return
	}
	if res.Skipped {
		log.Debug("pipeline: transcription skipped", "reason", res.Reason, "duration", seg.Duration)
		return
	}

	text := res.Text
	if s.prevText != "" && seg.Start <= s.prevEnd+dedupeSlack {
		text = s.deduper.Dedupe(s.prevText, res.Text)
	}
	s.prevText, s.prevEnd = res.Text, seg.Start+seg.Duration
	if strings.TrimSpace(text) == "" {
		log.Debug("pipeline: utterance repeats the previous boundary")
		return
	}

	srcLang := settings.SourceLang
	if autoLanguage(srcLang) && res.DetectedLanguage != "" {
		srcLang = res.DetectedLanguage
	}
	s.emit(status.Event{Type: status.TypeTranscript, Text: text, Language: srcLang})

	if !autoLanguage(srcLang) && translate.SameLanguage(srcLang, settings.TargetLang) {
		log.Debug("pipeline: utterance already in target language", "language", srcLang)
		return
	}

	start = time.Now()
	tr, err := s.translate.Translate(ctx, translate.Request{
		Text:    text,
		Source:  srcLang,
		Target:  settings.TargetLang,
		Context: s.contextTurns(settings.TargetLang),
	})
	s.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = errors.New("empty translation")
	}
	if err != nil {
		s.drop(ctx, log, "translate", err)
		return
	}

	s.tctx.Add(translation.Pair{Source: text, Target: tr.Text, SourceLang: srcLang, TargetLang: settings.TargetLang})
	s.emit(status.Event{Type: status.TypeTranslation, Text: text, Translation: tr.Text, Language: settings.TargetLang})
	log.Info("pipeline: translated", "source_lang", srcLang, "target_lang", settings.TargetLang, "chars", len(tr.Text))

	if s.history != nil {
		if err := s.history.Save(ctx, history.Entry{
			Session:    s.id,
			Source:     text,
			Target:     tr.Text,
			SourceLang: srcLang,
			TargetLang: settings.TargetLang,
			Duration:   seg.Duration,
		}); err != nil {
			log.Warn("pipeline: save history", "err", err)
		}
	}

	if err := s.queue.Enqueue(playback.Request{
		ID:         uuid.NewString(),
		Text:       tr.Text,
		VoiceID:    settings.VoiceID,
		SourceText: text,
		Language:   settings.TargetLang,
	}); err != nil {
		log.Debug("pipeline: playback queue closed", "err", err)
	}
}

// drop logs, counts and publishes a failed utterance. Failures caused by
// the session ending are not reported.
func (s *Session) drop(ctx context.Context, log *slog.Logger, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Warn("pipeline: utterance dropped", "stage", stage, "err", err)
	s.metrics.RecordDrop(ctx, stage)
	s.emit(status.Event{Type: status.TypeError, State: stage, Err: err.Error()})
}

func (s *Session) contextTurns(target string) []translate.Turn {
	if s.turns == 0 {
		return nil
	}
	var turns []translate.Turn
	for _, p := range s.tctx.Recent(s.turns) {
		if translate.SameLanguage(p.TargetLang, target) {
			turns = append(turns, translate.Turn{Source: p.Source, Target: p.Target})
		}
	}
	return turns
}

func sourceHint(lang string) string {
	if autoLanguage(lang) {
		return ""
	}
	return lang
}

// ── hooks ───────────────────────────────────────────────────────────────────

// onVADState runs on the frame loop.
func (s *Session) onVADState(from, to vad.State) {
	switch {
	case to == vad.StateInSpeech:
		s.tctx.SpeechStarted()
	case from == vad.StateInSpeech:
		s.tctx.SpeechEnded()
	}
	switch to {
	case vad.StateCalibrating:
		s.emit(status.Event{Type: status.TypeState, State: status.StateCalibrating})
	case vad.StateArmed:
		s.emit(status.Event{Type: status.TypeState, State: status.StateListening})
	case vad.StateInSpeech:
		s.emit(status.Event{Type: status.TypeState, State: status.StateHearing})
	}
}

// onPlaybackState runs on the playback dispatcher.
func (s *Session) onPlaybackState(_, to playback.State) {
	switch to {
	case playback.StatePlaying:
		s.emit(status.Event{Type: status.TypeState, State: status.StateSpeaking})
	case playback.StateIdle:
		s.emit(status.Event{Type: status.TypeState, State: status.StateListening})
	}
}

func (s *Session) onPlaybackError(stage playback.Stage, req playback.Request, err error) {
	if errors.Is(err, context.Canceled) || s.stopped() {
		return
	}
	slog.Warn("pipeline: playback item skipped", "session", s.id, "stage", stage, "request", req.ID, "err", err)
	name := "tts"
	if stage == playback.StagePlay {
		name = "playback"
	}
	s.metrics.RecordDrop(context.Background(), name)
	s.emit(status.Event{Type: status.TypeError, State: name, Text: req.Text, Err: err.Error()})
}

// ── status ──────────────────────────────────────────────────────────────────

// emit queues e for publishing without blocking. Events are dropped when the
// publisher falls behind.
func (s *Session) emit(e status.Event) {
	e.Session = s.id
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.events <- e:
	default:
		slog.Debug("pipeline: status event dropped", "session", s.id, "type", e.Type)
	}
}

func (s *Session) publishLoop() {
	for {
		select {
		case e := <-s.events:
			s.publish(e)
		case <-s.quitPublish:
			for {
				select {
				case e := <-s.events:
					s.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) publish(e status.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		slog.Debug("pipeline: publish status", "session", s.id, "type", e.Type, "err", err)
	}
}
