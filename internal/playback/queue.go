// Package playback implements the prepare-ahead synthesis queue.
//
// Requests are synthesised ("prepared") and played strictly in enqueue
// order, one at a time. While item n plays, item n+1 is already being
// prepared, so item n+1 can start the moment item n ends. At most one item
// sits in the look-ahead slot.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Request is one utterance waiting to be spoken.
type Request struct {
	// ID identifies the request in logs and status events.
	ID string

	// Text is the text to synthesise.
	Text string

	// VoiceID selects the synthesis voice. Empty uses the provider default.
	VoiceID string

	// Sink is the output device id. Empty defers to the router.
	Sink string

	// SourceText is the untranslated transcription.
	SourceText string

	// Language is the language of Text.
	Language string
}

// Prepared is a request together with its synthesised audio.
type Prepared struct {
	Request

	// Audio is signed 16-bit little-endian PCM in Format.
	Audio []byte

	// Format describes Audio.
	Format audio.Format
}

// Duration returns the playback length of the prepared audio.
func (p Prepared) Duration() time.Duration { return p.Format.Duration(len(p.Audio)) }

// Preparer turns a request into playable audio.
type Preparer interface {
	Prepare(ctx context.Context, req Request) (Prepared, error)
}

// Player renders prepared audio and blocks until it finished playing.
type Player interface {
	Play(ctx context.Context, p Prepared) error
}

// PreparerFunc adapts a function to [Preparer].
type PreparerFunc func(ctx context.Context, req Request) (Prepared, error)

// Prepare calls f.
func (f PreparerFunc) Prepare(ctx context.Context, req Request) (Prepared, error) { return f(ctx, req) }

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, p Prepared) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, p Prepared) error { return f(ctx, p) }

// State is the dispatcher state.
type State int

const (
	// StateIdle means nothing is pending, preparing or playing.
	StateIdle State = iota

	// StatePreparing means the dispatcher waits for the head item's audio.
	StatePreparing

	// StatePlaying means an item is inside Player.Play.
	StatePlaying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Stage names the step an item failed in.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StagePlay    Stage = "play"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: queue closed")

// Option configures a [Queue].
type Option func(*Queue)

// WithStateHook registers fn to be called on every state change. It runs on
// the dispatch goroutine and must not block.
func WithStateHook(fn func(from, to State)) Option {
	return func(q *Queue) { q.onState = fn }
}

// WithErrorHook registers fn to be called when an item is skipped because
// preparing or playing it failed.
func WithErrorHook(fn func(stage Stage, req Request, err error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// WithPlayedHook registers fn to be called after each successful playback.
// gap is the silence between the previous item's end and this item's start;
// it is negative when this item was not queued behind another one.
func WithPlayedHook(fn func(p Prepared, played, gap time.Duration)) Option {
	return func(q *Queue) { q.onPlayed = fn }
}

// WithDepthHook registers fn to be called with the change whenever the
// number of requests waiting for preparation changes.
func WithDepthHook(fn func(delta int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

// slot is a request whose preparation has started.
type slot struct {
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	result   Prepared
	err      error
	queuedAt time.Time
}

// Queue is the prepare-ahead playback queue. All exported methods are safe
// for concurrent use.
type Queue struct {
	preparer Preparer
	player   Player

	onState  func(from, to State)
	onError  func(Stage, Request, error)
	onPlayed func(Prepared, time.Duration, time.Duration)
	onDepth  func(int)

	base       context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	pending []queued
	current *slot // prepared or playing by the dispatcher
	ahead   *slot // look-ahead slot
	state   State
	closed  bool
	lastEnd time.Time

	notify chan struct{}
	wg     sync.WaitGroup
}

type queued struct {
	req Request
	at  time.Time
}

// New creates a Queue and starts its dispatch goroutine. Call
// [Queue.Close] to stop it.
func New(preparer Preparer, player Player, opts ...Option) *Queue {
	q := &Queue{
		preparer: preparer,
		player:   player,
		notify:   make(chan struct{}, 1),
	}
	q.base, q.baseCancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Enqueue appends req to the pending queue.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, queued{req: req, at: time.Now()})
	q.mu.Unlock()
	q.depth(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Clear drops every pending request, cancels the in-flight preparation,
// discards the look-ahead item and interrupts playback. It is idempotent.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	for _, s := range []*slot{q.current, q.ahead} {
		if s != nil {
			s.cancel()
		}
	}
	q.ahead = nil
	q.mu.Unlock()
	q.depth(-dropped)
}

// Close clears the queue and stops the dispatcher. It blocks until the
// dispatch goroutine has exited. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	q.baseCancel()
	q.wg.Wait()
	return nil
}

// State returns the dispatcher state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of requests not yet handed to the player,
// including the look-ahead item.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.ahead != nil {
		n++
	}
	return n
}

func (q *Queue) depth(delta int) {
	if q.onDepth != nil && delta != 0 {
		q.onDepth(delta)
	}
}

func (q *Queue) setState(to State) {
	q.mu.Lock()
	from := q.state
	q.state = to
	q.mu.Unlock()
	if from != to && q.onState != nil {
		q.onState(from, to)
	}
}

// dispatch is the single goroutine that owns playback. It runs until Close.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.base.Done():
			return
		case <-q.notify:
		}

		for {
			s := q.takeNext()
			if s == nil {
				break
			}
			q.run(s)
		}
		q.setState(StateIdle)
	}
}

// takeNext returns the look-ahead slot, or starts preparing the head of the
// pending queue. It returns nil when there is nothing to do.
func (q *Queue) takeNext() *slot {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	s := q.ahead
	q.ahead = nil
	started := false
	if s == nil {
		s = q.startLocked()
		started = s != nil
	}
	q.current = s
	q.mu.Unlock()
	if started {
		q.depth(-1)
	}
	return s
}

// startLocked pops the head of the pending queue and starts preparing it.
// The caller reports the depth change after unlocking.
func (q *Queue) startLocked() *slot {
	if len(q.pending) == 0 {
		return nil
	}
	head := q.pending[0]
	q.pending[0] = queued{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(q.base)
	s := &slot{req: head.req, ctx: ctx, cancel: cancel, done: make(chan struct{}), queuedAt: head.at}
	go func() {
		defer close(s.done)
		s.result, s.err = q.prepare(s)
	}()
	return s
}

// prepare calls the preparer and converts a panic into an error, so the
// item is skipped like any other synthesis failure.
func (q *Queue) prepare(s *slot) (res Prepared, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Prepared{}, errors.New("playback: preparer panicked")
			slog.Error("playback: preparer panicked", "id", s.req.ID, "panic", r)
		}
	}()
	return q.preparer.Prepare(s.ctx, s.req)
}

// run waits for s to be prepared, starts preparing the next item and plays
// s.
func (q *Queue) run(s *slot) {
	defer func() {
		s.cancel()
		q.mu.Lock()
		if q.current == s {
			q.current = nil
		}
		q.mu.Unlock()
	}()

	select {
	case <-s.done:
	default:
		q.setState(StatePreparing)
		<-s.done
	}
	if s.ctx.Err() != nil {
		slog.Debug("playback: item cleared before playing", "id", s.req.ID)
		return
	}
	if s.err != nil {
		slog.Warn("playback: prepare failed, skipping item", "id", s.req.ID, "err", s.err)
		if q.onError != nil {
			q.onError(StagePrepare, s.req, s.err)
		}
		return
	}

	q.mu.Lock()
	startedAhead := false
	if q.ahead == nil && !q.closed {
		q.ahead = q.startLocked()
		startedAhead = q.ahead != nil
	}
	gap := time.Duration(-1)
	start := time.Now()
	if !q.lastEnd.IsZero() && s.queuedAt.Before(q.lastEnd) {
		gap = start.Sub(q.lastEnd)
	}
	q.mu.Unlock()
	if startedAhead {
		q.depth(-1)
	}

	q.setState(StatePlaying)
	err := q.play(s)
	end := time.Now()

	q.mu.Lock()
	q.lastEnd = end
	q.mu.Unlock()

	switch {
	case s.ctx.Err() != nil:
		slog.Debug("playback: playback interrupted", "id", s.req.ID)
	case err != nil:
		slog.Warn("playback: play failed, skipping item", "id", s.req.ID, "err", err)
		if q.onError != nil {
			q.onError(StagePlay, s.req, err)
		}
	case q.onPlayed != nil:
		q.onPlayed(s.result, end.Sub(start), gap)
	}
}

// play calls the player and converts a panic into an error so a faulty
// sink cannot kill the dispatcher.
func (q *Queue) play(s *slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("playback: player panicked")
			slog.Error("playback: player panicked", "id", s.req.ID, "panic", r)
		}
	}()
	return q.player.Play(s.ctx, s.result)
}
