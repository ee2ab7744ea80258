// Package router plays prepared audio on the right output device and keeps
// the synthesised voice out of the capture path.
//
// For every item the router resolves an output sink, decides from the
// capture descriptor whether playback could leak back into capture, pauses
// capture if so, plays, and resumes capture after a debounce delay. A new
// item cancels a pending resume, so capture stays paused across
// back-to-back items.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parlox/internal/playback"
	"github.com/MrWong99/parlox/pkg/audio"
)

// DefaultResumeDelay is the time capture stays paused after playback ends.
const DefaultResumeDelay = 500 * time.Millisecond

var _ playback.Player = (*Router)(nil)

// Decision is the feedback-prevention verdict for one playback.
type Decision struct {
	// Pause capture while playing.
	Pause bool

	// Redirect playback to a real output because the resolved sink feeds
	// the capture device.
	Redirect bool
}

// Decide returns the verdict for playing on sink while capturing from info.
// defaultID is the id of the system default output and stands in for the
// monitored device when system audio is captured without a device id.
func Decide(info audio.CaptureInfo, sink audio.Sink, defaultID string) Decision {
	switch info.Kind {
	case audio.SourceRemote, audio.SourceFile:
		return Decision{}
	case audio.SourceMicrophone:
		// A virtual sink is never rendered to speakers, so the room
		// cannot hear it.
		return Decision{Pause: !sink.Virtual()}
	case audio.SourceProcess:
		if info.ExcludesSelf {
			return Decision{}
		}
	}

	// System audio, or process capture that may include this process.
	if info.Virtual {
		return Decision{Redirect: sink.ID() == info.DeviceID}
	}
	monitored := info.DeviceID
	if monitored == "" {
		monitored = defaultID
	}
	return Decision{Pause: sink.ID() == monitored}
}

// Option configures a [Router].
type Option func(*Router)

// WithResumeDelay sets how long capture stays paused after playback.
func WithResumeDelay(d time.Duration) Option {
	return func(r *Router) { r.resumeDelay = d }
}

// WithOutput sets the initial output device id. Empty selects the system
// default.
func WithOutput(id string) Option {
	return func(r *Router) { r.output = id }
}

// WithPauseHook registers fn to be called each time the router pauses
// capture.
func WithPauseHook(fn func(kind audio.SourceKind)) Option {
	return func(r *Router) { r.onPause = fn }
}

// Router is the feedback-prevention and output router. It implements
// [playback.Player]. All methods are safe for concurrent use.
type Router struct {
	catalog audio.Catalog
	onPause func(audio.SourceKind)

	mu          sync.Mutex
	output      string
	resumeDelay time.Duration
	capture     audio.CaptureSource
	paused      bool // capture was paused by the router
	resumeTimer *time.Timer
	resumeGen   uint64
}

// New returns a Router resolving devices through catalog.
func New(catalog audio.Catalog, opts ...Option) *Router {
	r := &Router{catalog: catalog, resumeDelay: DefaultResumeDelay}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetOutput changes the output device for subsequent plays. Empty selects
// the system default.
func (r *Router) SetOutput(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = id
}

// Output returns the configured output device id.
func (r *Router) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

// SetResumeDelay changes the resume debounce for subsequent plays.
func (r *Router) SetResumeDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeDelay = d
}

// ResumeDelay returns the current resume debounce.
func (r *Router) ResumeDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeDelay
}

// SetCapture attaches the capture source of the current session. A source
// the router paused is resumed before it is replaced. nil detaches.
func (r *Router) SetCapture(c audio.CaptureSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture == c {
		return
	}
	r.resumeLocked()
	r.capture = c
}

// ResumeNow cancels a pending resume and resumes capture immediately if the
// router paused it.
func (r *Router) ResumeNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeLocked()
}

// Play resolves the output, applies the feedback-prevention decision and
// plays p. A failure on a non-default sink is retried once on the default
// sink. Capture resumes after the resume delay whether or not playback
// succeeded.
func (r *Router) Play(ctx context.Context, p playback.Prepared) error {
	sink, err := r.resolve(p.Sink)
	if err != nil {
		return err
	}
	def, _ := r.catalog.DefaultSink()
	defID := ""
	if def != nil {
		defID = def.ID()
	}

	r.mu.Lock()
	capture := r.capture
	r.mu.Unlock()

	var d Decision
	if capture != nil {
		info := capture.Info()
		d = Decide(info, sink, defID)
		if d.Redirect {
			target, err := r.realSink(def, info.DeviceID)
			if err != nil {
				return err
			}
			slog.Info("router: output is the capture loopback, redirecting", "from", sink.ID(), "to", target.ID())
			sink = target
		}
		if d.Pause {
			r.pause(capture, info.Kind)
			defer r.scheduleResume()
		}
	}

	err = safePlay(ctx, sink, p)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if def == nil || def.ID() == sink.ID() {
		slog.Error("router: playback failed", "sink", sink.ID(), "id", p.ID, "err", err)
		return err
	}

	if capture != nil {
		info := capture.Info()
		rd := Decide(info, def, defID)
		if rd.Redirect {
			slog.Error("router: playback failed and the default sink is the capture loopback", "sink", sink.ID(), "id", p.ID, "err", err)
			return err
		}
		if rd.Pause && !d.Pause {
			r.pause(capture, info.Kind)
			defer r.scheduleResume()
		}
	}
	slog.Warn("router: playback failed, retrying on default sink", "sink", sink.ID(), "default", def.ID(), "id", p.ID, "err", err)
	if retryErr := safePlay(ctx, def, p); retryErr != nil {
		slog.Error("router: playback failed on default sink", "sink", def.ID(), "id", p.ID, "err", retryErr)
		return errors.Join(err, retryErr)
	}
	return nil
}

// resolve picks the item sink, the configured output or the default, in
// that order. An unknown explicit device falls back to the next choice.
func (r *Router) resolve(itemSink string) (audio.Sink, error) {
	r.mu.Lock()
	output := r.output
	r.mu.Unlock()

	for _, id := range []string{itemSink, output} {
		if id == "" {
			continue
		}
		s, err := r.catalog.Sink(id)
		if err == nil {
			return s, nil
		}
		slog.Warn("router: output device unavailable, falling back", "device", id, "err", err)
	}
	s, err := r.catalog.DefaultSink()
	if err != nil {
		return nil, fmt.Errorf("router: resolve default sink: %w", err)
	}
	return s, nil
}

// realSink returns def unless it is virtual or the loopback itself, in which
// case the first real output of the catalog is used.
func (r *Router) realSink(def audio.Sink, loopback string) (audio.Sink, error) {
	if def != nil && !def.Virtual() && def.ID() != loopback {
		return def, nil
	}
	devices, err := r.catalog.Devices()
	if err != nil {
		return nil, fmt.Errorf("router: enumerate devices: %w", err)
	}
	for _, d := range devices {
		if !d.Output || d.Virtual || d.ID == loopback {
			continue
		}
		if s, err := r.catalog.Sink(d.ID); err == nil {
			return s, nil
		}
	}
	return nil, errors.New("router: no real output device to redirect the loopback to")
}

func (r *Router) pause(c audio.CaptureSource, kind audio.SourceKind) {
	r.mu.Lock()
	r.stopResumeLocked()
	fresh := !r.paused
	r.paused = true
	r.mu.Unlock()

	c.Pause()
	if fresh && r.onPause != nil {
		r.onPause(kind)
	}
}

func (r *Router) scheduleResume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopResumeLocked()
	if r.resumeDelay <= 0 {
		r.resumeLocked()
		return
	}
	gen := r.resumeGen
	r.resumeTimer = time.AfterFunc(r.resumeDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// A play that started after this timer was armed owns the pause.
		if gen == r.resumeGen {
			r.resumeLocked()
		}
	})
}

// stopResumeLocked cancels the pending resume. The generation bump makes a
// timer that already fired a no-op.
func (r *Router) stopResumeLocked() {
	r.resumeGen++
	if r.resumeTimer != nil {
		r.resumeTimer.Stop()
		r.resumeTimer = nil
	}
}

func (r *Router) resumeLocked() {
	r.stopResumeLocked()
	if !r.paused {
		return
	}
	r.paused = false
	if r.capture != nil {
		r.capture.Resume()
	}
}

// safePlay turns a panicking sink into an error.
func safePlay(ctx context.Context, sink audio.Sink, p playback.Prepared) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("router: sink %s panicked: %v", sink.ID(), rec)
		}
	}()
	return sink.Play(ctx, p.Audio, p.Format)
}
